// Package platform exchanges a federated identity token for an insights
// platform session.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultSessionLifetime applies when the platform does not report an expiry.
const DefaultSessionLifetime = 14 * 24 * time.Hour

// sessionExchangePath is relative to the platform base URL.
const sessionExchangePath = "/api/auth/google"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// ErrSessionExchange is returned when the platform refuses to mint a session.
var ErrSessionExchange = errors.New("session exchange failed")

// SessionExchangeError carries the platform's rejection details, typically that
// the identity has no platform account or the client id is not the one the
// platform trusts.
type SessionExchangeError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *SessionExchangeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: platform responded %d", ErrSessionExchange, e.StatusCode)
	}
	return fmt.Sprintf("%s: platform responded %d: %s", ErrSessionExchange, e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrSessionExchange) match.
func (e *SessionExchangeError) Is(target error) bool {
	return target == ErrSessionExchange
}

// Session is a platform session minted from an identity token.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Email     string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for platform requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithClock overrides the time source used for the default session lifetime.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		cl.now = now
	}
}

// Client calls the platform's session endpoints.
type Client struct {
	endpoint   string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a Client for the platform at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid platform URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid platform URL %q: scheme and host required", baseURL)
	}

	c := &Client{
		endpoint:   base.JoinPath(sessionExchangePath).String(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type exchangeRequest struct {
	IDToken string `json:"id_token"`
}

type exchangeResponse struct {
	SessionToken string `json:"session_token"`
	ExpiresAt    int64  `json:"expires_at"` // epoch milliseconds
	Email        string `json:"email"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ExchangeIDToken submits a provider ID token and returns the minted session.
func (c *Client) ExchangeIDToken(ctx context.Context, idToken string) (*Session, error) {
	body, err := json.Marshal(exchangeRequest{IDToken: idToken})
	if err != nil {
		return nil, fmt.Errorf("marshaling session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionExchange, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &SessionExchangeError{
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
	}

	var out exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrSessionExchange, err)
	}
	if out.SessionToken == "" {
		return nil, fmt.Errorf("%w: response contains no session token", ErrSessionExchange)
	}

	session := &Session{
		Token: out.SessionToken,
		Email: out.Email,
	}
	if out.ExpiresAt > 0 {
		session.ExpiresAt = time.UnixMilli(out.ExpiresAt)
	} else {
		session.ExpiresAt = c.now().Add(DefaultSessionLifetime)
	}
	return session, nil
}

// readErrorMessage extracts a human-readable message from an error body,
// preferring the JSON error/message fields.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}

	var parsed errorResponse
	if json.Unmarshal(data, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return strings.TrimSpace(string(data))
}
