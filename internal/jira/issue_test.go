package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bridgeops/teamsjira/internal/config"
)

func testJiraConfig() config.JiraConfig {
	return config.JiraConfig{
		BaseURL:            "https://jira.example.com",
		User:               "bridge@example.com",
		Token:              "api-token",
		ProjectKey:         "HELP",
		IssueType:          "Task",
		ThreadLinkField:    "customfield_10042",
		ThreadLinkJQL:      "MS Teams link[URL Field]",
		ConfirmationStatus: "Implementation/Test",
	}
}

const sampleIssue = `{
	"id": "10001",
	"key": "HELP-17",
	"fields": {
		"summary": "Printer on fire",
		"description": "It really is.",
		"status": {"name": "In Progress"},
		"assignee": {"accountId": "acc-1", "displayName": "Sam Agent"},
		"attachment": [{"id": "900", "filename": "smoke.png"}],
		"customfield_10042": "https://teams.microsoft.com/l/message/19%3Aabc/1716"
	}
}`

func TestDecodeIssueMapsCustomField(t *testing.T) {
	fields := FieldMapFromConfig(testJiraConfig())

	issue, err := DecodeIssue([]byte(sampleIssue), fields)
	require.NoError(t, err)
	require.Equal(t, "HELP-17", issue.Key)
	require.Equal(t, "Printer on fire", issue.Fields.Summary)
	require.Equal(t, "In Progress", issue.Fields.Status)
	require.Equal(t, "https://teams.microsoft.com/l/message/19%3Aabc/1716", issue.Fields.ThreadLink)
	require.NotNil(t, issue.Fields.Assignee)
	require.Equal(t, "Sam Agent", issue.Fields.Assignee.DisplayName)
	require.Len(t, issue.Fields.Attachments, 1)
	require.Equal(t, "smoke.png", issue.Fields.Attachments[0].Filename)
}

func TestDecodeIssueNullAssignee(t *testing.T) {
	raw := `{"id":"1","key":"HELP-1","fields":{"summary":"x","assignee":null}}`
	issue, err := DecodeIssue([]byte(raw), FieldMap{ThreadLink: "customfield_10042"})
	require.NoError(t, err)
	require.Nil(t, issue.Fields.Assignee)
}

func TestIsFinalStatus(t *testing.T) {
	cases := []struct {
		status string
		want   bool
	}{
		{"Done", true},
		{"done", true},
		{"REJECTED", true},
		{"Rejected", true},
		{"In Progress", false},
		{"Open", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsFinalStatus(c.status); got != c.want {
			t.Errorf("%q: got %v want %v", c.status, got, c.want)
		}
	}
}

// searchServer serves /rest/api/2/search with a fixed issue list.
func searchServer(t *testing.T, issues ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/api/2/search", r.URL.Path)
		require.Equal(t, "2", r.URL.Query().Get("maxResults"))
		require.Contains(t, r.URL.Query().Get("jql"), `project = "HELP"`)

		raws := make([]json.RawMessage, len(issues))
		for i, issue := range issues {
			raws[i] = json.RawMessage(issue)
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"issues": raws}))
	}))
}

func TestFindByThreadURLSingleMatch(t *testing.T) {
	srv := searchServer(t, sampleIssue)
	defer srv.Close()

	c := NewClient(testJiraConfig(), WithBaseURL(srv.URL))
	issue, err := c.FindByThreadURL(context.Background(), "https://teams.microsoft.com/l/message/19%3Aabc/1716")
	require.NoError(t, err)
	require.NotNil(t, issue)
	require.Equal(t, "HELP-17", issue.Key)
}

func TestFindByThreadURLNoMatch(t *testing.T) {
	srv := searchServer(t)
	defer srv.Close()

	c := NewClient(testJiraConfig(), WithBaseURL(srv.URL))
	issue, err := c.FindByThreadURL(context.Background(), "https://teams.microsoft.com/l/message/19%3Axyz/1")
	require.NoError(t, err)
	require.Nil(t, issue)
}

func TestFindByThreadURLAmbiguousMatchIsNotAdopted(t *testing.T) {
	srv := searchServer(t, sampleIssue, sampleIssue)
	defer srv.Close()

	c := NewClient(testJiraConfig(), WithBaseURL(srv.URL))
	issue, err := c.FindByThreadURL(context.Background(), "https://teams.microsoft.com/l/message/19%3Aabc/1716")
	require.NoError(t, err)
	require.Nil(t, issue)
}

func TestCreateIssuePayloadCarriesThreadLinkAndReporter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/rest/api/2/issue", r.URL.Path)

		var payload struct {
			Fields map[string]any `json:"fields"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "New issue from user@example.com", payload.Fields["summary"])
		require.Equal(t, "https://teams.example/thread", payload.Fields["customfield_10042"])
		require.Equal(t, map[string]any{"accountId": "acc-9"}, payload.Fields["reporter"])
		require.Equal(t, map[string]any{"key": "HELP"}, payload.Fields["project"])

		fmt.Fprint(w, `{"id":"10002","key":"HELP-18"}`)
	}))
	defer srv.Close()

	c := NewClient(testJiraConfig(), WithBaseURL(srv.URL))
	issue, err := c.CreateIssue(context.Background(), IssueUpdate{
		Summary:     "New issue from user@example.com",
		Description: "body",
		ReporterID:  "acc-9",
		ThreadLink:  "https://teams.example/thread",
	})
	require.NoError(t, err)
	require.Equal(t, "HELP-18", issue.Key)
}
