package graph

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"
)

var (
	// ErrTokenEmpty means no token has been obtained yet. For delegated
	// tokens this signals that the interactive consent step is pending,
	// not a transient failure.
	ErrTokenEmpty = errors.New("token is empty")
	// ErrTokenExpired means the cached token passed its half-life.
	ErrTokenExpired = errors.New("token expired")
)

// ServiceTokenSource caches the application token obtained through the
// client-credentials grant. The token is renewed on demand by callers that
// get an error from Token.
type ServiceTokenSource struct {
	client *Client

	mu        sync.RWMutex
	value     string
	expiresAt time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token returns the cached token if it is present and unexpired.
func (s *ServiceTokenSource) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.value == "" {
		return "", ErrTokenEmpty
	}
	if !s.client.now().Before(s.expiresAt) {
		return "", ErrTokenExpired
	}
	return s.value, nil
}

// Renew performs the client-credentials grant and replaces the cached
// token. Expiry is set to half the granted lifetime so a renewal happens
// well before upstream rejects the token, tolerating clock skew and
// in-flight requests.
func (s *ServiceTokenSource) Renew(ctx context.Context) (string, error) {
	cfg := s.client.cfg
	form := url.Values{}
	form.Set("scope", "https://graph.microsoft.com/.default")
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)

	var tok tokenResponse
	if err := s.client.postForm(ctx, form, &tok); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.value = tok.AccessToken
	s.expiresAt = s.client.now().Add(time.Duration(tok.ExpiresIn/2) * time.Second)
	s.mu.Unlock()

	return tok.AccessToken, nil
}

// TokenOrRenew returns a valid cached token, renewing it first when the
// cache is empty or stale.
func (s *ServiceTokenSource) TokenOrRenew(ctx context.Context) (string, error) {
	if tok, err := s.Token(); err == nil {
		return tok, nil
	}
	return s.Renew(ctx)
}
