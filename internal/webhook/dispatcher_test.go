package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/bridgeops/teamsjira/internal/bridge"
	"github.com/bridgeops/teamsjira/internal/config"
	"github.com/bridgeops/teamsjira/internal/deadletter"
	"github.com/bridgeops/teamsjira/internal/graph"
	"github.com/bridgeops/teamsjira/internal/jira"
)

const jiraSecret = "hush"

func newTestDispatcher(t *testing.T, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	// Client base URLs are unreachable: the payloads these tests feed in
	// must be handled without upstream traffic.
	g := graph.NewClient(config.GraphConfig{TenantID: "t", ClientID: "c"},
		graph.WithBaseURL("http://127.0.0.1:1"),
		graph.WithLoginURL("http://127.0.0.1:1"),
	)
	j := jira.NewClient(config.JiraConfig{
		BaseURL:         "http://127.0.0.1:1",
		User:            "bridge@example.com",
		ProjectKey:      "HELP",
		ThreadLinkField: "customfield_10042",
	})
	engine := bridge.NewEngine(g, j)
	return NewDispatcher(engine, g, j, jiraSecret, "bot@example.com", opts...)
}

func newTestRouter(d *Dispatcher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	d.Register(r)
	return r
}

func TestHandleTeamsEchoesValidationToken(t *testing.T) {
	router := newTestRouter(newTestDispatcher(t))

	req := httptest.NewRequest(http.MethodPost, "/teams?validationToken=prove-it", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "prove-it", rec.Body.String())
}

func TestHandleTeamsRejectsMalformedJSON(t *testing.T) {
	router := newTestRouter(newTestDispatcher(t))

	req := httptest.NewRequest(http.MethodPost, "/teams", strings.NewReader(`{"value":`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleLifecycleAcknowledges(t *testing.T) {
	router := newTestRouter(newTestDispatcher(t))

	req := httptest.NewRequest(http.MethodPost, "/teams_lifecycle", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/teams_lifecycle?validationToken=tok", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "tok", rec.Body.String())
}

func TestHandleJiraRejectsBadSignature(t *testing.T) {
	router := newTestRouter(newTestDispatcher(t))

	body := `{"webhookEvent":"jira:issue_updated"}`
	req := httptest.NewRequest(http.MethodPost, "/jira", strings.NewReader(body))
	req.Header.Set("x-hub-signature", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleJiraAcceptsSignedPayload(t *testing.T) {
	d := newTestDispatcher(t)
	router := newTestRouter(d)

	// An issue event without a mapped thread link is processed to a no-op.
	body := `{"webhookEvent":"jira:issue_updated","issue":{"id":"1","key":"HELP-1","fields":{}},"changelog":{"items":[{"field":"status"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/jira", strings.NewReader(body))
	req.Header.Set("x-hub-signature", sign([]byte(body), jiraSecret))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	d.Wait(5 * time.Second)
}

func TestBadClientStateIsNotDeadLettered(t *testing.T) {
	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer login.Close()

	queue, err := deadletter.Open(filepath.Join(t.TempDir(), "queue.db"), 3)
	require.NoError(t, err)
	defer queue.Close()

	g := graph.NewClient(config.GraphConfig{TenantID: "t", ClientID: "c"},
		graph.WithBaseURL("http://127.0.0.1:1"),
		graph.WithLoginURL(login.URL),
	)
	j := jira.NewClient(config.JiraConfig{
		BaseURL:         "http://127.0.0.1:1",
		User:            "bridge@example.com",
		ProjectKey:      "HELP",
		ThreadLinkField: "customfield_10042",
	})
	d := NewDispatcher(bridge.NewEngine(g, j), g, j, jiraSecret, "bot@example.com", WithDeadLetter(queue))
	router := newTestRouter(d)

	// No subscription is registered, so the forged client state fails the
	// secret check. That is an authenticity reject, not a transient
	// failure: nothing may be queued for redelivery.
	body := `{"value":[{"changeType":"created","clientState":"forged","resource":"teams('g')/channels('c')/messages('1716')"}]}`
	req := httptest.NewRequest(http.MethodPost, "/teams", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	d.Wait(5 * time.Second)

	pending, err := queue.Pending(context.Background())
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestHandleOAuthRejectsUnknownState(t *testing.T) {
	router := newTestRouter(newTestDispatcher(t))

	form := strings.NewReader("code=abc&state=not-the-secret")
	req := httptest.NewRequest(http.MethodPost, "/ms_oauth", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Failed to check secret")
}

func TestProcessRejectsUnknownSource(t *testing.T) {
	d := newTestDispatcher(t)
	err := d.Process(context.Background(), "smoke-signals", []byte(`{}`))
	require.Error(t, err)
}

func TestFailedProcessingIsDeadLettered(t *testing.T) {
	queue, err := deadletter.Open(filepath.Join(t.TempDir(), "queue.db"), 3)
	require.NoError(t, err)
	defer queue.Close()

	d := newTestDispatcher(t, WithDeadLetter(queue))
	router := newTestRouter(d)

	// A comment event forces an author lookup against the unreachable
	// Jira base URL, so processing fails after the ack.
	body := `{"webhookEvent":"comment_created","comment":{"id":"501","updateAuthor":{"accountId":"acc-1"}},"issue":{"id":"1"}}`
	req := httptest.NewRequest(http.MethodPost, "/jira", strings.NewReader(body))
	req.Header.Set("x-hub-signature", sign([]byte(body), jiraSecret))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	d.Wait(30 * time.Second)

	pending, err := queue.Pending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}
