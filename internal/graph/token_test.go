package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bridgeops/teamsjira/internal/config"
)

func testConfig() config.GraphConfig {
	return config.GraphConfig{
		TenantID:         "tenant",
		ClientID:         "client",
		ClientSecret:     "hush",
		GroupID:          "group",
		ChannelID:        "channel",
		NotificationURL:  "https://bridge.example.com/teams",
		LifecycleURL:     "https://bridge.example.com/teams_lifecycle",
		OAuthRedirect:    "https://bridge.example.com/ms_oauth",
		ConsentRecipient: "bot@example.com",
	}
}

// tokenServer responds to the tenant token endpoint with a fixed grant.
func tokenServer(t *testing.T, expiresIn int64, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.FormValue("grant_type"))
		require.Equal(t, "https://graph.microsoft.com/.default", r.FormValue("scope"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":%d}`, calls.Load(), expiresIn)
	}))
}

func TestServiceTokenRenewCachesUntilHalfLife(t *testing.T) {
	var calls atomic.Int64
	srv := tokenServer(t, 3600, &calls)
	defer srv.Close()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	c := NewClient(testConfig(),
		WithLoginURL(srv.URL),
		WithClock(func() time.Time { return *clock }),
	)

	tok, err := c.ServiceTokens.Renew(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	// Still valid one second before the half-life boundary.
	now = now.Add(1799 * time.Second)
	tok, err = c.ServiceTokens.Token()
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	// Expired exactly at half the granted lifetime.
	now = now.Add(time.Second)
	_, err = c.ServiceTokens.Token()
	require.ErrorIs(t, err, ErrTokenExpired)

	tok, err = c.ServiceTokens.TokenOrRenew(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-2", tok)
	require.EqualValues(t, 2, calls.Load())
}

func TestServiceTokenEmptyBeforeFirstRenew(t *testing.T) {
	c := NewClient(testConfig())
	_, err := c.ServiceTokens.Token()
	require.ErrorIs(t, err, ErrTokenEmpty)
}

func TestServiceTokenRenewPropagatesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(testConfig(), WithLoginURL(srv.URL))
	_, err := c.ServiceTokens.Renew(context.Background())
	require.Error(t, err)

	_, err = c.ServiceTokens.Token()
	require.ErrorIs(t, err, ErrTokenEmpty)
}
