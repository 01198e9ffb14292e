package jira

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// replyPropertyKey is the hidden comment property mapping a Jira comment
// to the Teams reply it mirrors.
const replyPropertyKey = "teams_id"

// Comment is a Jira issue comment with its hidden properties expanded.
type Comment struct {
	ID           string            `json:"id"`
	Body         string            `json:"body"`
	RenderedBody string            `json:"renderedBody"`
	UpdateAuthor User              `json:"updateAuthor"`
	Properties   []CommentProperty `json:"properties"`
}

// CommentProperty is one expanded hidden property.
type CommentProperty struct {
	Key   string                `json:"key"`
	Value *CommentPropertyValue `json:"value"`
}

// CommentPropertyValue carries the mapped Teams reply id.
type CommentPropertyValue struct {
	TeamsID string `json:"teams_id"`
}

// ReplyID returns the Teams reply id stored on the comment, or empty when
// the mapping property is absent.
func (c *Comment) ReplyID() string {
	for _, p := range c.Properties {
		if p.Key == replyPropertyKey && p.Value != nil {
			return p.Value.TeamsID
		}
	}
	return ""
}

// FindCommentByReplyID scans an issue's comments for the one whose hidden
// property matches the given reply id.
func (c *Client) FindCommentByReplyID(ctx context.Context, issueID, replyID string) (*Comment, error) {
	query := url.Values{}
	query.Set("expand", "properties")
	query.Set("orderBy", "-created")

	var resp struct {
		Comments []Comment `json:"comments"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+issueID+"/comment", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	for i := range resp.Comments {
		if resp.Comments[i].ReplyID() == replyID {
			return &resp.Comments[i], nil
		}
	}
	return nil, nil
}

// GetComment fetches one comment with properties and rendered body
// expanded, for propagation back to Teams.
func (c *Client) GetComment(ctx context.Context, issueID, commentID string) (*Comment, error) {
	query := url.Values{}
	query.Set("expand", "properties,renderedBody")

	var comment Comment
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+issueID+"/comment/"+commentID, query, nil, &comment); err != nil {
		return nil, fmt.Errorf("get comment %s: %w", commentID, err)
	}
	return &comment, nil
}

// CreateComment adds a comment to an issue. The reply-id property is set
// separately by SetReplyID: the mapping key is only known from the Teams
// side, and property writes on create are not reliable across Jira
// deployments.
func (c *Client) CreateComment(ctx context.Context, issueID, body string) (*Comment, error) {
	payload := map[string]any{"body": body}
	var comment Comment
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue/"+issueID+"/comment", nil, payload, &comment); err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}
	return &comment, nil
}

// UpdateComment overwrites a comment body.
func (c *Client) UpdateComment(ctx context.Context, issueID, commentID, body string) error {
	payload := map[string]any{"body": body}
	if err := c.do(ctx, http.MethodPut, "/rest/api/2/issue/"+issueID+"/comment/"+commentID, nil, payload, nil); err != nil {
		return fmt.Errorf("update comment %s: %w", commentID, err)
	}
	return nil
}

// SetReplyID writes the hidden property mapping the comment to a Teams
// reply.
func (c *Client) SetReplyID(ctx context.Context, commentID, replyID string) error {
	payload := map[string]any{"teams_id": replyID}
	path := "/rest/api/2/comment/" + commentID + "/properties/" + replyPropertyKey
	if err := c.do(ctx, http.MethodPut, path, nil, payload, nil); err != nil {
		return fmt.Errorf("set reply property on comment %s: %w", commentID, err)
	}
	return nil
}
