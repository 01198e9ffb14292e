package graph

import (
	"context"
	"fmt"
	"net/http"
)

// Message is a Teams channel message or reply as delivered by Graph.
type Message struct {
	ID          string           `json:"id"`
	WebURL      string           `json:"webUrl"`
	Subject     string           `json:"subject"`
	From        MessageFrom      `json:"from"`
	Body        MessageBody      `json:"body"`
	Attachments []FileAttachment `json:"attachments"`
}

// MessageFrom identifies the sender. User is nil for application senders.
type MessageFrom struct {
	User *User `json:"user"`
}

// MessageBody carries the rendered message content, HTML for channel
// messages.
type MessageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// FileAttachment is a non-inline file attached to a message.
type FileAttachment struct {
	Name       string `json:"name"`
	ContentURL string `json:"contentUrl"`
}

// User is the Graph identity attached to a message.
type User struct {
	ID string `json:"id"`
}

type replyPayload struct {
	Body MessageBody `json:"body"`
}

// GetMessage fetches a message by its notification resource path, e.g.
// teams('g')/channels('c')/messages('m') or the replies variant.
func (c *Client) GetMessage(ctx context.Context, resource, token string) (*Message, error) {
	var msg Message
	if err := c.doJSON(ctx, http.MethodGet, "/"+resource, token, nil, &msg); err != nil {
		return nil, fmt.Errorf("get message %s: %w", resource, err)
	}
	return &msg, nil
}

// UserEmail resolves a Graph user id to the account's mail address.
func (c *Client) UserEmail(ctx context.Context, token, userID string) (string, error) {
	var user struct {
		Mail string `json:"mail"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/users/"+userID, token, nil, &user); err != nil {
		return "", fmt.Errorf("get user %s: %w", userID, err)
	}
	return user.Mail, nil
}

// Reply posts an HTML reply under the given channel message. Sending
// requires delegated scope; the reply appears as the consenting user.
func (c *Client) Reply(ctx context.Context, messageID, htmlBody string) (*Message, error) {
	token, err := c.Delegated.Token()
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/teams/%s/channels/%s/messages/%s/replies", c.cfg.GroupID, c.cfg.ChannelID, messageID)
	payload := replyPayload{Body: MessageBody{ContentType: "html", Content: htmlBody}}

	var msg Message
	if err := c.doJSON(ctx, http.MethodPost, path, token, payload, &msg); err != nil {
		return nil, fmt.Errorf("reply to message %s: %w", messageID, err)
	}
	return &msg, nil
}

// EditReply updates an existing reply in place.
func (c *Client) EditReply(ctx context.Context, messageID, replyID, htmlBody string) error {
	token, err := c.Delegated.Token()
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/teams/%s/channels/%s/messages/%s/replies/%s", c.cfg.GroupID, c.cfg.ChannelID, messageID, replyID)
	payload := replyPayload{Body: MessageBody{ContentType: "html", Content: htmlBody}}

	if err := c.doJSON(ctx, http.MethodPatch, path, token, payload, nil); err != nil {
		return fmt.Errorf("edit reply %s/%s: %w", messageID, replyID, err)
	}
	return nil
}
