// Package graph is the Microsoft Graph client used by the bridge: token
// acquisition for both OAuth flows, change notification subscriptions, and
// the channel message operations the sync engine needs.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bridgeops/teamsjira/internal/config"
)

const (
	defaultBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultLoginURL = "https://login.microsoftonline.com"
)

// Client talks to Microsoft Graph. Token state lives in the attached
// sources; Client itself is safe for concurrent use.
type Client struct {
	cfg      config.GraphConfig
	http     *http.Client
	baseURL  string
	loginURL string
	logger   *slog.Logger
	now      func() time.Time

	// ServiceTokens issues application tokens (client-credentials grant).
	ServiceTokens *ServiceTokenSource
	// Delegated issues user tokens (authorization-code + refresh grant).
	Delegated *DelegatedTokenSource
	// Subscription manages the change notification registration.
	Subscription *SubscriptionManager
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger injects a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBaseURL overrides the Graph API base URL. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithLoginURL overrides the identity platform base URL. Used by tests.
func WithLoginURL(u string) Option {
	return func(c *Client) { c.loginURL = strings.TrimSuffix(u, "/") }
}

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a Graph client for the configured tenant and channel.
func NewClient(cfg config.GraphConfig, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: 15 * time.Second},
		baseURL:  defaultBaseURL,
		loginURL: defaultLoginURL,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ServiceTokens = &ServiceTokenSource{client: c}
	c.Delegated = &DelegatedTokenSource{client: c}
	c.Subscription = &SubscriptionManager{client: c}
	return c
}

// Config returns the Graph configuration the client was built with.
func (c *Client) Config() config.GraphConfig { return c.cfg }

// tokenEndpoint is the OAuth2 token URL for the configured tenant.
func (c *Client) tokenEndpoint() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.loginURL, c.cfg.TenantID)
}

// AuthorizeURL builds the interactive consent URL carrying the given state.
func (c *Client) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("scope", "offline_access "+delegatedScope)
	q.Set("response_type", "code")
	q.Set("redirect_uri", c.cfg.OAuthRedirect)
	q.Set("response_mode", "form_post")
	q.Set("state", state)
	return fmt.Sprintf("%s/%s/oauth2/v2.0/authorize?%s", c.loginURL, c.cfg.TenantID, q.Encode())
}

// postForm posts a URL-encoded form to the token endpoint and decodes the
// JSON response into out.
func (c *Client) postForm(ctx context.Context, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("token request status %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	return nil
}

// doJSON performs an authenticated Graph request with an optional JSON body
// and decodes the response into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path, token string, payload, out any) error {
	_, err := c.doJSONStatus(ctx, method, path, token, payload, out)
	return err
}

// doJSONStatus is doJSON exposing the HTTP status code, for callers that
// branch on specific statuses (subscription takeover on Forbidden).
func (c *Client) doJSONStatus(ctx context.Context, method, path, token string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("%s %s status %d: %s", method, path, resp.StatusCode, text)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
