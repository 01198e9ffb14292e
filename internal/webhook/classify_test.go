package webhook

import "testing"

func TestParseResource(t *testing.T) {
	cases := []struct {
		name      string
		resource  string
		messageID string
		replyID   string
	}{
		{
			"top-level message",
			"teams('g')/channels('c')/messages('1716')",
			"1716", "",
		},
		{
			"threaded reply",
			"teams('g')/channels('c')/messages('1716')/replies('1717')",
			"1716", "1717",
		},
		{
			"no message segment",
			"teams('g')/channels('c')",
			"", "",
		},
		{
			"empty", "", "", "",
		},
	}
	for _, c := range cases {
		messageID, replyID := ParseResource(c.resource)
		if messageID != c.messageID || replyID != c.replyID {
			t.Errorf("%s: got (%q, %q) want (%q, %q)", c.name, messageID, replyID, c.messageID, c.replyID)
		}
	}
}

func TestClassifyResource(t *testing.T) {
	if got := ClassifyResource("teams('g')/channels('c')/messages('1')"); got != KindMessage {
		t.Errorf("message resource classified as %s", got)
	}
	if got := ClassifyResource("teams('g')/channels('c')/messages('1')/replies('2')"); got != KindReply {
		t.Errorf("reply resource classified as %s", got)
	}
}

func TestClassifyJiraEvent(t *testing.T) {
	cases := []struct {
		event string
		want  Kind
	}{
		{"comment_created", KindComment},
		{"comment_updated", KindComment},
		{"jira:issue_updated", KindFieldChange},
		{"jira:issue_created", KindFieldChange},
		{"", KindFieldChange},
	}
	for _, c := range cases {
		if got := ClassifyJiraEvent(c.event); got != c.want {
			t.Errorf("%q: got %s want %s", c.event, got, c.want)
		}
	}
}
