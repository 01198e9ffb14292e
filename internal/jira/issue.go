package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrIssueNotFound means a webhook referenced an issue the bridge cannot
// resolve. A reply implies an existing thread, so this is fatal for the
// webhook that raised it.
var ErrIssueNotFound = errors.New("issue not found")

// Issue is the subset of a Jira issue the bridge reads and writes.
type Issue struct {
	ID     string
	Key    string
	Fields IssueFields
}

// IssueFields holds the decoded field set, including the mapped
// thread-link custom field.
type IssueFields struct {
	Summary     string
	Description string
	Status      string
	Assignee    *User
	Attachments []Attachment
	ThreadLink  string
}

// issueEnvelope is the raw wire shape; the custom field is picked out of
// the field map afterwards.
type issueEnvelope struct {
	ID     string                     `json:"id"`
	Key    string                     `json:"key"`
	Fields map[string]json.RawMessage `json:"fields"`
}

// DecodeIssue parses an issue document using the given field mapping.
func DecodeIssue(raw []byte, fields FieldMap) (*Issue, error) {
	var env issueEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode issue: %w", err)
	}
	return env.toIssue(fields)
}

func (env *issueEnvelope) toIssue(fields FieldMap) (*Issue, error) {
	issue := &Issue{ID: env.ID, Key: env.Key}
	if env.Fields == nil {
		return issue, nil
	}

	str := func(key string) string {
		var s string
		if raw, ok := env.Fields[key]; ok {
			_ = json.Unmarshal(raw, &s)
		}
		return s
	}

	issue.Fields.Summary = str("summary")
	issue.Fields.Description = str("description")
	issue.Fields.ThreadLink = str(fields.ThreadLink)

	if raw, ok := env.Fields["status"]; ok {
		var status struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(raw, &status)
		issue.Fields.Status = status.Name
	}
	if raw, ok := env.Fields["assignee"]; ok && string(raw) != "null" {
		var assignee User
		if err := json.Unmarshal(raw, &assignee); err == nil {
			issue.Fields.Assignee = &assignee
		}
	}
	if raw, ok := env.Fields["attachment"]; ok {
		_ = json.Unmarshal(raw, &issue.Fields.Attachments)
	}
	return issue, nil
}

// IsFinalStatus reports whether a status name is terminal: issues in a
// final status reject further synchronization writes.
func IsFinalStatus(name string) bool {
	switch strings.ToLower(name) {
	case "done", "rejected":
		return true
	}
	return false
}

// IssueUpdate is the writable field set for issue create and update.
type IssueUpdate struct {
	Summary     string
	Description string
	ReporterID  string
	ThreadLink  string
}

func (c *Client) issuePayload(u IssueUpdate) map[string]any {
	fields := map[string]any{
		"project":     map[string]any{"key": c.cfg.ProjectKey},
		"summary":     u.Summary,
		"description": u.Description,
		"issuetype":   map[string]any{"name": c.cfg.IssueType},
	}
	fields[c.fields.ThreadLink] = u.ThreadLink
	if u.ReporterID != "" {
		fields["reporter"] = map[string]any{"accountId": u.ReporterID}
	}
	return map[string]any{"fields": fields}
}

// FindByThreadURL looks up the issue whose thread-link field equals the
// given URL. Zero or multiple matches both mean "does not exist": with
// the per-thread sync lock held, multiple matches indicate drift that a
// new create must not silently adopt.
func (c *Client) FindByThreadURL(ctx context.Context, threadURL string) (*Issue, error) {
	jql := fmt.Sprintf("project = %q AND %q = %q", c.cfg.ProjectKey, c.fields.ThreadLinkJQL, threadURL)

	query := url.Values{}
	query.Set("jql", jql)
	query.Set("maxResults", "2")
	query.Set("fields", "attachment,description,comment,status,summary,assignee,"+c.fields.ThreadLink)

	var resp struct {
		Issues []json.RawMessage `json:"issues"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/search", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("search issue: %w", err)
	}
	if len(resp.Issues) != 1 {
		return nil, nil
	}
	return DecodeIssue(resp.Issues[0], c.fields)
}

// GetIssue fetches a single issue by id.
func (c *Client) GetIssue(ctx context.Context, issueID string) (*Issue, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+issueID, nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("get issue %s: %w", issueID, err)
	}
	return DecodeIssue(raw, c.fields)
}

// CreateIssue creates an issue and returns its id and key.
func (c *Client) CreateIssue(ctx context.Context, u IssueUpdate) (*Issue, error) {
	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue", nil, c.issuePayload(u), &created); err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	return &Issue{ID: created.ID, Key: created.Key}, nil
}

// UpdateIssue overwrites the synchronized field set of an existing issue.
func (c *Client) UpdateIssue(ctx context.Context, issueID string, u IssueUpdate) error {
	if err := c.do(ctx, http.MethodPut, "/rest/api/2/issue/"+issueID, nil, c.issuePayload(u), nil); err != nil {
		return fmt.Errorf("update issue %s: %w", issueID, err)
	}
	return nil
}
