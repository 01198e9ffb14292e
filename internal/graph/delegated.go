package graph

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"
)

const delegatedScope = "ChannelMessage.Send ChannelMessage.ReadWrite"

// ErrRenewalGaveUp is returned by Run when repeated refresh failures have
// collapsed the backoff below its floor. Delegated-scope operations will
// keep failing until the process restarts or consent is granted again.
var ErrRenewalGaveUp = errors.New("delegated token renewal gave up")

// DelegatedTokenSource holds the user-delegated token pair. The access
// token is read-shared with every outbound call needing delegated scope;
// after the initial Exchange the renewal loop started by Run is the only
// writer.
type DelegatedTokenSource struct {
	client *Client

	mu        sync.RWMutex
	access    string
	refresh   string
	expiresAt time.Time
}

type delegatedTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Token returns the cached access token if present and unexpired. An
// ErrTokenEmpty result means the interactive consent step has not been
// completed yet.
func (d *DelegatedTokenSource) Token() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.access == "" {
		return "", ErrTokenEmpty
	}
	if !d.client.now().Before(d.expiresAt) {
		return "", ErrTokenExpired
	}
	return d.access, nil
}

// Exchange redeems the authorization code delivered to the OAuth callback.
// This is the one-time activation step; afterwards Refresh keeps the pair
// alive using the rotating refresh token.
func (d *DelegatedTokenSource) Exchange(ctx context.Context, code string) error {
	form := url.Values{}
	form.Set("client_id", d.client.cfg.ClientID)
	form.Set("scope", delegatedScope)
	form.Set("code", code)
	form.Set("redirect_uri", d.client.cfg.OAuthRedirect)
	form.Set("grant_type", "authorization_code")
	_, err := d.grant(ctx, form)
	return err
}

// Refresh performs the refresh-token grant and returns the granted
// lifetime. The refresh token is rotated on every call.
func (d *DelegatedTokenSource) Refresh(ctx context.Context) (time.Duration, error) {
	d.mu.RLock()
	refresh := d.refresh
	d.mu.RUnlock()

	form := url.Values{}
	form.Set("client_id", d.client.cfg.ClientID)
	form.Set("scope", delegatedScope)
	form.Set("refresh_token", refresh)
	form.Set("grant_type", "refresh_token")
	return d.grant(ctx, form)
}

func (d *DelegatedTokenSource) grant(ctx context.Context, form url.Values) (time.Duration, error) {
	var tok delegatedTokenResponse
	if err := d.client.postForm(ctx, form, &tok); err != nil {
		return 0, err
	}

	lifetime := time.Duration(tok.ExpiresIn) * time.Second

	d.mu.Lock()
	d.access = tok.AccessToken
	d.refresh = tok.RefreshToken
	d.expiresAt = d.client.now().Add(lifetime / 2)
	d.mu.Unlock()

	return lifetime, nil
}

// Run is the renewal loop and never returns under normal operation. It
// sleeps for the current backoff, waits for the initial Exchange to have
// produced a token, then refreshes at half the granted lifetime. A failed
// refresh halves the backoff (a failure means the token likely needs a
// faster retry, not a slower one); the loop terminates with
// ErrRenewalGaveUp once the backoff reaches its one-second floor.
func (d *DelegatedTokenSource) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		d.mu.RLock()
		empty := d.access == ""
		d.mu.RUnlock()
		if empty {
			continue
		}

		lifetime, err := d.Refresh(ctx)
		if err != nil {
			backoff /= 2
			if backoff <= time.Second {
				d.client.logger.Error("delegated token renewal exhausted retries", "error", err)
				return ErrRenewalGaveUp
			}
			d.client.logger.Warn("delegated token refresh failed, retrying",
				"backoff", backoff, "error", err)
			continue
		}
		backoff = lifetime / 2
	}
}
