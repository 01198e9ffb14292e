// Package jira is the Jira REST client used by the bridge: issue and
// comment lifecycle, attachment management, and user resolution backed by
// the injected lookup cache.
package jira

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
	"github.com/bridgeops/teamsjira/internal/usercache"
)

// Client talks to a Jira instance over basic-auth REST.
type Client struct {
	cfg     config.JiraConfig
	http    *http.Client
	baseURL string
	fields  FieldMap
	users   usercache.Cache
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBaseURL overrides the Jira base URL. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithLogger injects a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUserCache injects the identity lookup cache.
func WithUserCache(cache usercache.Cache) Option {
	return func(c *Client) { c.users = cache }
}

// NewClient creates a Jira client. The field map is fixed at construction;
// config reloads build a new client.
func NewClient(cfg config.JiraConfig, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		fields:  FieldMapFromConfig(cfg),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.users == nil {
		c.users = usercache.NewMemory(time.Hour, 1024)
	}
	return c
}

// BrowseURL returns the human-facing URL for an issue key.
func (c *Client) BrowseURL(issueKey string) string {
	return fmt.Sprintf("%s/browse/%s", c.baseURL, issueKey)
}

// ServiceUser returns the account the bridge authenticates as. Comments
// authored by this account are the bridge's own and must not be
// propagated back.
func (c *Client) ServiceUser() string { return c.cfg.User }

// Fields returns the custom field mapping in effect.
func (c *Client) Fields() FieldMap { return c.fields }

// do performs a basic-auth request with an optional JSON payload and an
// optional decoded response. Query parameters come pre-encoded.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	full := c.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, full, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s status %d: %s", method, path, resp.StatusCode, text)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
