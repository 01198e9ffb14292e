package webhook

import (
	"regexp"
	"strings"
)

// Kind classifies an inbound webhook payload.
type Kind string

const (
	// KindMessage is a new or edited top-level channel message.
	KindMessage Kind = "message"
	// KindReply is a new or edited threaded reply.
	KindReply Kind = "reply"
	// KindComment is a created or updated ticket comment.
	KindComment Kind = "comment"
	// KindFieldChange is any other ticket change (status, assignee, ...).
	KindFieldChange Kind = "field_change"
	// KindLifecycle is a subscription lifecycle notification.
	KindLifecycle Kind = "lifecycle"
)

// resourceIDRe extracts the id from a resource path segment shaped like
// messages('<id>') or replies('<id>').
var resourceIDRe = regexp.MustCompile(`\w+\('([^']*)'\)`)

// ParseResource splits a Graph notification resource path into message
// and reply ids. A resource with a replies segment is a threaded reply;
// one with only a messages segment is a top-level message.
func ParseResource(resource string) (messageID, replyID string) {
	parts := strings.Split(resource, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		switch {
		case strings.HasPrefix(parts[i], "replies"):
			replyID = segmentID(parts[i])
		case strings.HasPrefix(parts[i], "messages"):
			messageID = segmentID(parts[i])
			return messageID, replyID
		}
	}
	return "", replyID
}

func segmentID(segment string) string {
	m := resourceIDRe.FindStringSubmatch(segment)
	if m == nil {
		return ""
	}
	return m[1]
}

// ClassifyResource reports whether a notification resource describes a
// message or a reply.
func ClassifyResource(resource string) Kind {
	if _, replyID := ParseResource(resource); replyID != "" {
		return KindReply
	}
	return KindMessage
}

// ClassifyJiraEvent maps a Jira webhookEvent value to a Kind. Comment
// events are named explicitly; everything else is treated as a field
// change and filtered against the changelog downstream.
func ClassifyJiraEvent(webhookEvent string) Kind {
	switch webhookEvent {
	case "comment_created", "comment_updated":
		return KindComment
	}
	return KindFieldChange
}
