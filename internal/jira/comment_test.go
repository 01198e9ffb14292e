package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommentReplyID(t *testing.T) {
	comment := Comment{
		Properties: []CommentProperty{
			{Key: "unrelated", Value: &CommentPropertyValue{TeamsID: "nope"}},
			{Key: "teams_id", Value: &CommentPropertyValue{TeamsID: "1716"}},
		},
	}
	require.Equal(t, "1716", comment.ReplyID())

	require.Empty(t, (&Comment{}).ReplyID())
	require.Empty(t, (&Comment{Properties: []CommentProperty{{Key: "teams_id"}}}).ReplyID())
}

func TestFindCommentByReplyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/api/2/issue/10001/comment", r.URL.Path)
		require.Equal(t, "properties", r.URL.Query().Get("expand"))
		require.Equal(t, "-created", r.URL.Query().Get("orderBy"))
		fmt.Fprint(w, `{"comments":[
			{"id":"501","body":"first","properties":[{"key":"teams_id","value":{"teams_id":"111"}}]},
			{"id":"502","body":"second","properties":[{"key":"teams_id","value":{"teams_id":"222"}}]}
		]}`)
	}))
	defer srv.Close()

	c := NewClient(testJiraConfig(), WithBaseURL(srv.URL))

	comment, err := c.FindCommentByReplyID(context.Background(), "10001", "222")
	require.NoError(t, err)
	require.NotNil(t, comment)
	require.Equal(t, "502", comment.ID)

	comment, err = c.FindCommentByReplyID(context.Background(), "10001", "999")
	require.NoError(t, err)
	require.Nil(t, comment)
}

func TestSetReplyIDWritesHiddenProperty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/rest/api/2/comment/501/properties/teams_id", r.URL.Path)

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, map[string]string{"teams_id": "1716"}, payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testJiraConfig(), WithBaseURL(srv.URL))
	require.NoError(t, c.SetReplyID(context.Background(), "501", "1716"))
}

func TestCreateCommentReturnsID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/rest/api/2/issue/10001/comment", r.URL.Path)
		fmt.Fprint(w, `{"id":"503","body":"hello"}`)
	}))
	defer srv.Close()

	c := NewClient(testJiraConfig(), WithBaseURL(srv.URL))
	comment, err := c.CreateComment(context.Background(), "10001", "hello")
	require.NoError(t, err)
	require.Equal(t, "503", comment.ID)
}
