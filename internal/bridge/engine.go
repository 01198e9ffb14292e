// Package bridge contains the synchronization engine mapping Teams
// threads to Jira issues and Teams replies to Jira comments, in both
// directions.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bridgeops/teamsjira/internal/graph"
	"github.com/bridgeops/teamsjira/internal/jira"
	"github.com/bridgeops/teamsjira/internal/markup"
)

const bounceReply = "Sorry, this issue is closed. Please start a new thread, otherwise your message may be missed."

// Engine is the create-or-update core. All entry points are idempotent:
// issues are keyed by the thread URL custom field, comments by the hidden
// reply-id property.
type Engine struct {
	graph  *graph.Client
	jira   *jira.Client
	recon  *AttachmentReconciler
	locks  *KeyedMutex
	logger *slog.Logger

	// confirmationStatus is the pre-final status whose announcement
	// carries the auto-close warning.
	confirmationStatus string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger injects a custom logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithConfirmationStatus sets the status treated as "awaiting user
// confirmation" in status change replies.
func WithConfirmationStatus(status string) EngineOption {
	return func(e *Engine) { e.confirmationStatus = status }
}

// NewEngine wires the engine to its collaborators.
func NewEngine(g *graph.Client, j *jira.Client, opts ...EngineOption) *Engine {
	e := &Engine{
		graph:  g,
		jira:   j,
		locks:  NewKeyedMutex(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.recon = NewAttachmentReconciler(g, j, e.logger)
	return e
}

// MessageSync is one top-level Teams message to mirror as an issue.
type MessageSync struct {
	ThreadURL     string
	MessageID     string
	Subject       string
	BodyHTML      string
	ReporterEmail string
	Files         []graph.FileAttachment
	Token         string
}

// ReplySync is one Teams reply to mirror as a comment.
type ReplySync struct {
	ThreadURL   string
	MessageID   string
	ReplyID     string
	BodyHTML    string
	AuthorEmail string
	Files       []graph.FileAttachment
	Token       string
}

// CreateOrUpdateIssue mirrors a Teams message into Jira. The returned
// flag reports whether the issue already existed; callers post the
// "issue created" acknowledgement only when it did not. A final-status
// issue is bounced instead of updated.
func (e *Engine) CreateOrUpdateIssue(ctx context.Context, s MessageSync) (*jira.Issue, bool, error) {
	unlock := e.locks.Lock(s.ThreadURL)
	defer unlock()

	issue, err := e.jira.FindByThreadURL(ctx, s.ThreadURL)
	if err != nil {
		return nil, false, err
	}
	if issue != nil && jira.IsFinalStatus(issue.Fields.Status) {
		if _, err := e.graph.Reply(ctx, s.MessageID, bounceReply); err != nil {
			e.logger.Warn("bounce reply failed", "thread", s.ThreadURL, "error", err)
		}
		return issue, true, nil
	}

	body, images, err := e.recon.FetchAndRewrite(ctx, s.Token, s.BodyHTML)
	if err != nil {
		return nil, false, err
	}
	body = AppendFileLinks(body, s.Files)

	reporter := e.resolveByEmail(ctx, s.ReporterEmail)

	summary := strings.TrimSpace(s.Subject)
	if summary == "" {
		summary = fmt.Sprintf("New issue from %s", s.ReporterEmail)
	}

	update := jira.IssueUpdate{
		Summary:     summary,
		Description: e.attribution(reporter, s.ReporterEmail) + body,
		ThreadLink:  s.ThreadURL,
	}
	if reporter != nil {
		update.ReporterID = reporter.AccountID
	}

	existed := issue != nil
	var oldNames []string
	var existingAttachments []jira.Attachment
	if existed {
		oldNames = PlaceholderNames(issue.Fields.Description)
		existingAttachments = issue.Fields.Attachments
		if err := e.jira.UpdateIssue(ctx, issue.ID, update); err != nil {
			return nil, true, err
		}
	} else {
		issue, err = e.jira.CreateIssue(ctx, update)
		if err != nil {
			return nil, false, err
		}
	}

	e.recon.Reconcile(ctx, issue.ID, existingAttachments, oldNames, images)
	return issue, existed, nil
}

// CreateOrUpdateComment mirrors a Teams reply into a comment on the
// thread's issue. The issue must already exist: a reply implies a thread,
// so a missing issue is an error, not a create.
func (e *Engine) CreateOrUpdateComment(ctx context.Context, s ReplySync) (*jira.Comment, error) {
	unlock := e.locks.Lock(s.ThreadURL)
	defer unlock()

	issue, err := e.jira.FindByThreadURL(ctx, s.ThreadURL)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, fmt.Errorf("thread %s: %w", s.ThreadURL, jira.ErrIssueNotFound)
	}
	if jira.IsFinalStatus(issue.Fields.Status) {
		if _, err := e.graph.Reply(ctx, s.MessageID, bounceReply); err != nil {
			e.logger.Warn("bounce reply failed", "thread", s.ThreadURL, "error", err)
		}
		return nil, nil
	}

	body, images, err := e.recon.FetchAndRewrite(ctx, s.Token, s.BodyHTML)
	if err != nil {
		return nil, err
	}
	body = AppendFileLinks(body, s.Files)

	author := e.resolveByEmail(ctx, s.AuthorEmail)
	body = e.attribution(author, s.AuthorEmail) + body

	comment, err := e.jira.FindCommentByReplyID(ctx, issue.ID, s.ReplyID)
	if err != nil {
		return nil, err
	}

	var oldBody string
	if comment != nil {
		oldBody = comment.Body
		if err := e.jira.UpdateComment(ctx, issue.ID, comment.ID, body); err != nil {
			return nil, err
		}
	} else {
		comment, err = e.jira.CreateComment(ctx, issue.ID, body)
		if err != nil {
			return nil, err
		}
		// Two-phase: the mapping key comes from the Teams side, so it is
		// attached after the comment exists.
		if err := e.jira.SetReplyID(ctx, comment.ID, s.ReplyID); err != nil {
			return nil, err
		}
	}

	e.recon.Reconcile(ctx, issue.ID, issue.Fields.Attachments, PlaceholderNames(oldBody), images)
	return comment, nil
}

// PropagateIssueChange announces assignee and status changes on the
// mapped Teams thread. Only fields the changelog names trigger a reply.
func (e *Engine) PropagateIssueChange(ctx context.Context, issue *jira.Issue, changedFields []string) error {
	messageID := MessageIDFromThreadURL(issue.Fields.ThreadLink)
	if messageID == "" {
		return nil
	}

	changed := make(map[string]bool, len(changedFields))
	for _, f := range changedFields {
		changed[strings.ToLower(f)] = true
	}

	if changed["assignee"] && issue.Fields.Assignee != nil && issue.Fields.Assignee.DisplayName != "" {
		body := fmt.Sprintf("Your issue is now being handled by %s", issue.Fields.Assignee.DisplayName)
		if _, err := e.graph.Reply(ctx, messageID, body); err != nil {
			return fmt.Errorf("announce assignee change: %w", err)
		}
	}

	if changed["status"] {
		status := issue.Fields.Status
		body := fmt.Sprintf("Issue status changed to %s", status)
		switch {
		case e.confirmationStatus != "" && strings.EqualFold(status, e.confirmationStatus):
			body += "<br>Your issue is done. Please check and confirm everything is OK.<br>Without a response this issue closes automatically in 7 days"
		case jira.IsFinalStatus(status):
			body += "<br>Your issue is closed. If the problem persists, please open a new one"
		}
		if _, err := e.graph.Reply(ctx, messageID, body); err != nil {
			return fmt.Errorf("announce status change: %w", err)
		}
	}

	return nil
}

// PropagateComment mirrors a Jira comment to the mapped Teams thread,
// editing the existing reply when the comment was propagated before.
// Comments authored by the bridge's own service account are skipped so
// its automated comments do not echo back.
func (e *Engine) PropagateComment(ctx context.Context, issueID, commentID, authorAccountID string) error {
	author, err := e.jira.FindUserByID(ctx, authorAccountID)
	if err != nil {
		return fmt.Errorf("resolve comment author: %w", err)
	}
	if strings.EqualFold(author.EmailAddress, e.jira.ServiceUser()) {
		return nil
	}

	issue, err := e.jira.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	messageID := MessageIDFromThreadURL(issue.Fields.ThreadLink)
	if messageID == "" {
		return nil
	}

	comment, err := e.jira.GetComment(ctx, issue.ID, commentID)
	if err != nil {
		return err
	}

	body, err := markup.JiraWikiToHTML(comment.Body, func(accountID string) string {
		if user, err := e.jira.FindUserByID(ctx, accountID); err == nil {
			return user.DisplayName
		}
		return ""
	})
	if err != nil {
		return err
	}

	if replyID := comment.ReplyID(); replyID != "" {
		return e.graph.EditReply(ctx, messageID, replyID, body)
	}

	reply, err := e.graph.Reply(ctx, messageID, body)
	if err != nil {
		return err
	}
	return e.jira.SetReplyID(ctx, comment.ID, reply.ID)
}

// resolveByEmail maps a Teams sender to a Jira account, or nil when the
// address has no account. Lookup failures degrade to nil: sync must not
// fail because the directory was unavailable.
func (e *Engine) resolveByEmail(ctx context.Context, email string) *jira.User {
	if email == "" {
		return nil
	}
	user, err := e.jira.FindUserByEmail(ctx, email)
	if err != nil {
		e.logger.Warn("user lookup failed", "email", email, "error", err)
		return nil
	}
	return user
}

// attribution builds the "on behalf of" prefix identifying the Teams
// author inside Jira.
func (e *Engine) attribution(user *jira.User, email string) string {
	switch {
	case user != nil:
		return fmt.Sprintf("On behalf of [~accountid:%s]:\n\n", user.AccountID)
	case email != "":
		return fmt.Sprintf("On behalf of %s:\n\n", email)
	}
	return ""
}

// MessageIDFromThreadURL extracts the platform message id from a stored
// thread URL: the segment between the final slash and the query string.
func MessageIDFromThreadURL(threadURL string) string {
	start := strings.LastIndex(threadURL, "/")
	if start < 0 {
		return ""
	}
	rest := threadURL[start+1:]
	end := strings.Index(rest, "?")
	if end < 0 {
		return ""
	}
	return rest[:end]
}
