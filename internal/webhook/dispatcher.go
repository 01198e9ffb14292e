// Package webhook receives the inbound push notifications driving the
// bridge: Jira webhooks, Graph change notifications, subscription
// lifecycle events, and the OAuth consent callback. Requests are
// acknowledged immediately and processed asynchronously.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bridgeops/teamsjira/internal/bridge"
	"github.com/bridgeops/teamsjira/internal/deadletter"
	"github.com/bridgeops/teamsjira/internal/graph"
	"github.com/bridgeops/teamsjira/internal/jira"
	"github.com/bridgeops/teamsjira/internal/markup"
)

// processTimeout bounds one async processing run. Webhook work is
// fire-and-forget, so the timeout is the only thing stopping a stuck
// upstream call from pinning a goroutine forever.
const processTimeout = 2 * time.Minute

// Dispatcher verifies, classifies, and routes inbound webhooks.
type Dispatcher struct {
	engine *bridge.Engine
	graph  *graph.Client
	jira   *jira.Client
	queue  *deadletter.Store
	logger *slog.Logger

	// jiraSecret signs Jira webhook bodies.
	jiraSecret string
	// selfEmail is the consenting user; messages it authors are the
	// bridge's own replies and are not synced back.
	selfEmail string

	wg sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDeadLetter routes failed async processing into the given store.
func WithDeadLetter(store *deadletter.Store) DispatcherOption {
	return func(d *Dispatcher) { d.queue = store }
}

// WithDispatcherLogger injects a custom logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(engine *bridge.Engine, g *graph.Client, j *jira.Client, jiraSecret, selfEmail string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		engine:     engine,
		graph:      g,
		jira:       j,
		logger:     slog.Default(),
		jiraSecret: jiraSecret,
		selfEmail:  selfEmail,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register attaches the webhook routes.
func (d *Dispatcher) Register(r gin.IRoutes) {
	r.POST("/teams", d.HandleTeams)
	r.POST("/teams_lifecycle", d.HandleLifecycle)
	r.POST("/jira", d.HandleJira)
	r.POST("/ms_oauth", d.HandleOAuth)
}

// Wait blocks until in-flight async processing finishes or the grace
// period elapses.
func (d *Dispatcher) Wait(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		d.logger.Warn("shutdown grace period elapsed with webhook work in flight")
	}
}

// changeNotification is the Graph push payload shared by message and
// lifecycle notifications.
type changeNotification struct {
	Value []notificationValue `json:"value"`
}

type notificationValue struct {
	ChangeType     string `json:"changeType"`
	ClientState    string `json:"clientState"`
	Resource       string `json:"resource"`
	LifecycleEvent string `json:"lifecycleEvent"`
	SubscriptionID string `json:"subscriptionId"`
}

// HandleTeams receives channel message notifications. Subscription
// validation handshakes carry a validationToken query parameter that must
// be echoed verbatim; real notifications are acked immediately and
// processed in the background.
func (d *Dispatcher) HandleTeams(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		globalMetrics().received.WithLabelValues("teams", "read_error").Inc()
		c.String(http.StatusBadRequest, "read body")
		return
	}

	if len(body) > 0 {
		if !json.Valid(body) {
			globalMetrics().received.WithLabelValues("teams", "parse_error").Inc()
			c.String(http.StatusBadRequest, "malformed payload")
			return
		}
		d.dispatch("teams", body)
	}

	globalMetrics().received.WithLabelValues("teams", "accepted").Inc()
	c.String(http.StatusOK, c.Query("validationToken"))
}

// HandleLifecycle receives subscription lifecycle notifications
// (reauthorizationRequired, subscriptionRemoved).
func (d *Dispatcher) HandleLifecycle(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		globalMetrics().received.WithLabelValues("lifecycle", "read_error").Inc()
		c.String(http.StatusBadRequest, "read body")
		return
	}

	if len(body) > 0 {
		if !json.Valid(body) {
			globalMetrics().received.WithLabelValues("lifecycle", "parse_error").Inc()
			c.String(http.StatusBadRequest, "malformed payload")
			return
		}
		d.dispatch("lifecycle", body)
	}

	globalMetrics().received.WithLabelValues("lifecycle", "accepted").Inc()
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}
	c.String(http.StatusAccepted, "")
}

// HandleJira receives Jira webhooks. The HMAC signature is checked
// against the raw body before anything is parsed.
func (d *Dispatcher) HandleJira(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		globalMetrics().received.WithLabelValues("jira", "read_error").Inc()
		c.String(http.StatusBadRequest, "read body")
		return
	}

	if err := VerifySignature(body, d.jiraSecret, c.GetHeader("x-hub-signature")); err != nil {
		globalMetrics().received.WithLabelValues("jira", "bad_signature").Inc()
		d.logger.Warn("rejected jira webhook", "error", err)
		c.String(http.StatusUnauthorized, "bad signature")
		return
	}
	if !json.Valid(body) {
		globalMetrics().received.WithLabelValues("jira", "parse_error").Inc()
		c.String(http.StatusBadRequest, "malformed payload")
		return
	}

	d.dispatch("jira", body)
	globalMetrics().received.WithLabelValues("jira", "accepted").Inc()
	c.String(http.StatusOK, "")
}

// oauthPage is the minimal HTML shown to the consenting user.
const oauthPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>%s</title></head>
<body><p>%s</p></body>
</html>`

// HandleOAuth is the interactive consent callback. The state form value
// is the subscription secret, correlating the callback with the pending
// activation.
func (d *Dispatcher) HandleOAuth(c *gin.Context) {
	code := c.PostForm("code")
	state := c.PostForm("state")

	subs := d.graph.Subscription
	subs.Lock()
	err := subs.CheckSecret(state)
	subs.Unlock()
	if err != nil {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, fmt.Sprintf(oauthPage, "Error", "Failed to check secret"))
		return
	}

	if err := d.graph.Delegated.Exchange(c.Request.Context(), code); err != nil {
		d.logger.Error("authorization code exchange failed", "error", err)
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, fmt.Sprintf(oauthPage, "Error", "Failed to set delegated token"))
		return
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, fmt.Sprintf(oauthPage, "Authentication successful",
		"Authentication successful! Please close this tab."))
}

// dispatch runs Process in the background. The HTTP response was already
// sent, so failures are logged and dead-lettered, never surfaced.
func (d *Dispatcher) dispatch(source string, payload []byte) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()

		start := time.Now()
		err := d.Process(ctx, source, payload)
		globalMetrics().duration.Observe(time.Since(start).Seconds())

		if err != nil {
			if errors.Is(err, graph.ErrBadSecret) {
				// Authenticity failure, not a transient fault: the
				// secret never changes back, so redelivery cannot
				// succeed and the payload is dropped.
				globalMetrics().processed.WithLabelValues(source, "rejected").Inc()
				d.logger.Warn("dropped notification with bad client state", "source", source)
				return
			}
			globalMetrics().processed.WithLabelValues(source, "error").Inc()
			d.logger.Error("webhook processing failed", "source", source, "error", err)
			if d.queue != nil {
				if qerr := d.queue.Enqueue(ctx, source, fingerprint(payload), payload, err.Error()); qerr != nil {
					d.logger.Error("dead letter enqueue failed", "error", qerr)
				}
			}
			return
		}
		globalMetrics().processed.WithLabelValues(source, "ok").Inc()
	}()
}

// Process handles one webhook payload synchronously. It is the entry
// point for both fresh dispatches and dead-letter redelivery.
func (d *Dispatcher) Process(ctx context.Context, source string, payload []byte) error {
	switch source {
	case "teams":
		return d.processTeams(ctx, payload)
	case "lifecycle":
		return d.processLifecycle(ctx, payload)
	case "jira":
		return d.processJira(ctx, payload)
	}
	return fmt.Errorf("unknown webhook source %q", source)
}

func (d *Dispatcher) processTeams(ctx context.Context, payload []byte) error {
	var req changeNotification
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}

	// The subscription lock is held for the whole payload so secret
	// checks cannot interleave with a concurrent re-init.
	subs := d.graph.Subscription
	subs.Lock()
	defer subs.Unlock()

	token, err := d.graph.ServiceTokens.TokenOrRenew(ctx)
	if err != nil {
		return fmt.Errorf("get service token: %w", err)
	}

	for _, value := range req.Value {
		if err := subs.CheckSecret(value.ClientState); err != nil {
			return err
		}
		if err := d.processTeamsValue(ctx, token, value); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) processTeamsValue(ctx context.Context, token string, value notificationValue) error {
	messageID, replyID := ParseResource(value.Resource)
	if messageID == "" {
		return nil
	}

	message, err := d.graph.GetMessage(ctx, value.Resource, token)
	if err != nil {
		return err
	}

	var senderEmail string
	if message.From.User != nil {
		senderEmail, err = d.graph.UserEmail(ctx, token, message.From.User.ID)
		if err != nil {
			return fmt.Errorf("resolve sender: %w", err)
		}
	}
	if strings.EqualFold(senderEmail, d.selfEmail) {
		// The bridge's own reply echoing back through the subscription.
		return nil
	}

	if replyID != "" {
		parentResource, _, _ := strings.Cut(value.Resource, "/replies")
		parent, err := d.graph.GetMessage(ctx, parentResource, token)
		if err != nil {
			return fmt.Errorf("get parent message: %w", err)
		}
		_, err = d.engine.CreateOrUpdateComment(ctx, bridge.ReplySync{
			ThreadURL:   parent.WebURL,
			MessageID:   messageID,
			ReplyID:     replyID,
			BodyHTML:    message.Body.Content,
			AuthorEmail: senderEmail,
			Files:       message.Attachments,
			Token:       token,
		})
		return err
	}

	issue, existed, err := d.engine.CreateOrUpdateIssue(ctx, bridge.MessageSync{
		ThreadURL:     message.WebURL,
		MessageID:     messageID,
		Subject:       message.Subject,
		BodyHTML:      message.Body.Content,
		ReporterEmail: senderEmail,
		Files:         message.Attachments,
		Token:         token,
	})
	if err != nil {
		return err
	}
	if !existed {
		ack := d.jira.BrowseURL(issue.Key)
		if _, err := d.graph.Reply(ctx, messageID, markup.LinkHTML(ack)); err != nil {
			return fmt.Errorf("send creation acknowledgement: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) processLifecycle(ctx context.Context, payload []byte) error {
	var req changeNotification
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode lifecycle notification: %w", err)
	}

	subs := d.graph.Subscription
	subs.Lock()
	defer subs.Unlock()

	token, err := d.graph.ServiceTokens.Renew(ctx)
	if err != nil {
		return fmt.Errorf("renew service token: %w", err)
	}

	for _, value := range req.Value {
		if err := subs.CheckSecret(value.ClientState); err != nil {
			return err
		}
		switch value.LifecycleEvent {
		case "reauthorizationRequired":
			if err := subs.Renew(ctx, token, value.SubscriptionID); err != nil {
				return err
			}
		case "subscriptionRemoved":
			if err := subs.Init(ctx, token, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// jiraCommentEvent is the payload shape for comment webhooks.
type jiraCommentEvent struct {
	Comment struct {
		ID           string    `json:"id"`
		UpdateAuthor jira.User `json:"updateAuthor"`
	} `json:"comment"`
	Issue struct {
		ID string `json:"id"`
	} `json:"issue"`
}

// jiraIssueEvent is the payload shape for issue change webhooks.
type jiraIssueEvent struct {
	Issue     json.RawMessage `json:"issue"`
	Changelog struct {
		Items []struct {
			Field string `json:"field"`
		} `json:"items"`
	} `json:"changelog"`
}

func (d *Dispatcher) processJira(ctx context.Context, payload []byte) error {
	var envelope struct {
		WebhookEvent string `json:"webhookEvent"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode webhook event: %w", err)
	}

	switch ClassifyJiraEvent(envelope.WebhookEvent) {
	case KindComment:
		var event jiraCommentEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("decode comment event: %w", err)
		}
		return d.engine.PropagateComment(ctx, event.Issue.ID, event.Comment.ID, event.Comment.UpdateAuthor.AccountID)
	default:
		var event jiraIssueEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("decode issue event: %w", err)
		}
		issue, err := jira.DecodeIssue(event.Issue, d.jira.Fields())
		if err != nil {
			return err
		}
		fields := make([]string, 0, len(event.Changelog.Items))
		for _, item := range event.Changelog.Items {
			fields = append(fields, item.Field)
		}
		return d.engine.PropagateIssueChange(ctx, issue, fields)
	}
}

// fingerprint identifies a payload in the dead letter queue without
// storing anything human-chosen.
func fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
