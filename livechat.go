// Package livechat is a client for the live chat backend: the operator
// console stream and the customer chat widget stream.
//
// Entities (conversations, messages, payments, bookings) are fetched lazily
// over a reconnecting WebSocket and kept in per-kind local stores. Reading
// an unloaded entity through its proxy sends one fetch request; the store is
// hydrated only by inbound events.
//
// Example:
//
//	client := livechat.NewClient(token, livechat.WithBaseURL("https://chat.example.com"))
//
//	sess, _ := client.Dial(ctx, livechat.VariantOperator, livechat.RealtimeConfig{})
//	defer sess.Close()
//
//	conv := sess.Conversation(42)
//	if name, ok := conv.CustomerName(); ok {
//		fmt.Println(name)
//	}
//	sess.TakeOver(ctx, 42)
package livechat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second

	ConfigPath   = "/chat/config/"
	OperatorPath = "/ws/operator/"
	CustomerPath = "/ws/chat/"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the backend's HTTP endpoints and opens sessions.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *Metrics
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithClientLogger sets the logger passed to every session the client dials.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClientMetrics records every dialed session into m.
func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client. token is optional: customers without one can
// obtain it with StartAnonymousSession.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the session token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current session token.
func (c *Client) Token() string { return c.token }

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: msg}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat config
// ============================================================================

// FetchChatConfig returns the token, profile and login/logout URLs of the
// current chat session. Token is nil when no session exists yet.
func (c *Client) FetchChatConfig(ctx context.Context) (*ChatConfig, error) {
	data, err := c.doRequest(ctx, http.MethodGet, ConfigPath, nil)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeJSON[ChatConfig](data)
	if err != nil {
		return nil, err
	}
	if cfg.Error != nil {
		return cfg, cfg.Error
	}
	return cfg, nil
}

// StartAnonymousSession creates a customer session under display name and
// adopts its token.
func (c *Client) StartAnonymousSession(ctx context.Context, name string) (*ChatConfig, error) {
	if name == "" {
		name = "Unknown"
	}
	data, err := c.doRequest(ctx, http.MethodPost, ConfigPath, url.Values{"name": {name}})
	if err != nil {
		return nil, err
	}
	cfg, err := decodeJSON[ChatConfig](data)
	if err != nil {
		return nil, err
	}
	if cfg.Error != nil {
		return cfg, cfg.Error
	}
	if cfg.Token == nil || *cfg.Token == "" {
		return cfg, &APIError{Code: "NO_TOKEN", Message: "server returned no session token"}
	}
	c.token = *cfg.Token
	return cfg, nil
}

// ============================================================================
// Sessions
// ============================================================================

// Dial opens a session of the given variant and returns once the channel is
// open and the first resync request is queued. The channel always
// reconnects; rt tunes backoff, pacing and timeouts.
//
// Operator sessions authenticate with the token in the URL. Customer
// sessions send it in every resync request instead.
func (c *Client) Dial(ctx context.Context, variant Variant, rt RealtimeConfig, opts ...SessionOption) (*Session, error) {
	path := OperatorPath
	token := rt.Token
	if token == "" {
		token = c.token
	}
	if variant == VariantCustomer {
		path = CustomerPath
		if token == "" {
			return nil, &APIError{Code: "NO_TOKEN", Message: "customer sessions need a chat token"}
		}
		rt.Token = ""
	} else {
		rt.Token = token
	}
	rt.AutoReconnect = true
	if rt.HTTPClient == nil {
		rt.HTTPClient = c.httpClient
	}
	if rt.Logger == nil {
		rt.Logger = c.logger
	}

	base := []SessionOption{
		WithVariant(variant),
		WithToken(token),
		WithLogger(c.logger),
		WithMetrics(c.metrics),
	}
	s := NewSession(append(base, opts...)...)
	rc := NewRealtimeClient(websocketURL(c.baseURL, path), rt)
	s.Attach(rc)
	if err := rc.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
