// Package session keeps the federated platform session usable, refreshing it
// silently through the identity provider when possible.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/florianilch/insights-cli/internal/platform"
	"github.com/florianilch/insights-cli/internal/tokensource"
	"github.com/florianilch/insights-cli/internal/tokenstore"
)

// DefaultRefreshTimeout bounds a single refresh round trip. The refresh runs
// detached from the caller that started it, so this is its only deadline.
const DefaultRefreshTimeout = time.Minute

// ErrReauthenticationRequired means no stored or refreshable session exists and
// the user has to run the interactive login again.
var ErrReauthenticationRequired = errors.New("re-authentication required")

// Refresher obtains new provider tokens from a refresh token.
type Refresher interface {
	CanRefresh() bool
	Refresh(ctx context.Context, refreshToken string) (*tokensource.Tokens, error)
}

// SessionExchanger mints a platform session from a provider ID token.
type SessionExchanger interface {
	ExchangeIDToken(ctx context.Context, idToken string) (*platform.Session, error)
}

// IDTokenVerifier checks a provider ID token before it is exchanged.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*tokensource.Identity, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefresh enables silent refresh. Without it, an expired session always
// requires interactive login.
func WithRefresh(refresher Refresher, sessions SessionExchanger) Option {
	return func(m *Manager) {
		m.refresher = refresher
		m.sessions = sessions
	}
}

// WithIDTokenVerifier verifies refreshed ID tokens before they reach the platform.
func WithIDTokenVerifier(verifier IDTokenVerifier) Option {
	return func(m *Manager) {
		m.verifier = verifier
	}
}

// WithRefreshTimeout overrides DefaultRefreshTimeout.
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.refreshTimeout = timeout
	}
}

// Token is a usable platform session token and its raw expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Manager hands out session tokens, refreshing lazily right before they are
// needed. There is no background refresh.
type Manager struct {
	store          tokenstore.Store
	refresher      Refresher
	sessions       SessionExchanger
	verifier       IDTokenVerifier
	refreshTimeout time.Duration

	// collapses concurrent refreshes into one provider round trip
	group singleflight.Group
}

// NewManager creates a Manager over the given store.
func NewManager(store tokenstore.Store, opts ...Option) *Manager {
	m := &Manager{store: store, refreshTimeout: DefaultRefreshTimeout}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SessionToken returns a usable session token. See Token.
func (m *Manager) SessionToken(ctx context.Context) (string, error) {
	token, err := m.Token(ctx)
	if err != nil {
		return "", err
	}
	return token.Value, nil
}

// Token returns a usable session token with its expiry. It never fails for an
// expired-but-refreshable session; it returns an error wrapping
// ErrReauthenticationRequired only when no path to a session remains.
//
// A caller whose context ends while a refresh is in flight gets the context
// error; the refresh itself keeps running for the other waiters.
func (m *Manager) Token(ctx context.Context) (*Token, error) {
	if token, ok := m.cachedToken(ctx); ok {
		return token, nil
	}

	ch := m.group.DoChan(m.store.PlatformURL(), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()

		// another caller may have refreshed while we were waiting
		if token, ok := m.cachedToken(rctx); ok {
			return token, nil
		}
		return m.refresh(rctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.DebugContext(ctx, "reused concurrent session refresh")
		}
		return res.Val.(*Token), nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (m *Manager) cachedToken(ctx context.Context) (*Token, bool) {
	if !m.store.Valid(ctx) {
		return nil, false
	}
	value, ok := m.store.SessionToken(ctx)
	if !ok {
		return nil, false
	}
	record, err := m.store.Load(ctx)
	if err != nil || record == nil || record.SessionToken != value {
		return nil, false
	}
	return &Token{Value: value, ExpiresAt: record.SessionExpiry()}, true
}

func (m *Manager) refresh(ctx context.Context) (*Token, error) {
	tokens := m.store.ProviderTokens(ctx)
	switch {
	case tokens == nil:
		return nil, fmt.Errorf("%w: no stored session for %s", ErrReauthenticationRequired, m.store.PlatformURL())
	case tokens.RefreshToken == "":
		return nil, fmt.Errorf("%w: session expired and no refresh token is stored", ErrReauthenticationRequired)
	case m.refresher == nil || m.sessions == nil || !m.refresher.CanRefresh():
		return nil, fmt.Errorf("%w: session expired and no client secret is configured for refresh", ErrReauthenticationRequired)
	}

	slog.InfoContext(ctx, "refreshing platform session", "platform_url", m.store.PlatformURL())

	fresh, err := m.refresher.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		return nil, refreshFailed(err)
	}

	if m.verifier != nil {
		if _, err := m.verifier.Verify(ctx, fresh.IDToken); err != nil {
			return nil, refreshFailed(err)
		}
	}

	session, err := m.sessions.ExchangeIDToken(ctx, fresh.IDToken)
	if err != nil {
		return nil, refreshFailed(err)
	}

	err = m.store.UpdateSession(ctx, session.Token,
		tokenstore.WithSessionExpiry(session.ExpiresAt),
		tokenstore.WithProviderTokens(fresh.ProviderTokens()),
	)
	if err != nil {
		// The new session is usable now; only persistence failed. The next
		// process will refresh again.
		slog.ErrorContext(ctx, "failed to persist refreshed session", "error", err)
	} else {
		slog.InfoContext(ctx, "platform session refreshed",
			"platform_url", m.store.PlatformURL(),
			"expires_at", session.ExpiresAt.Format(time.RFC3339),
		)
	}

	return &Token{Value: session.Token, ExpiresAt: session.ExpiresAt}, nil
}

// refreshFailed maps a refresh failure to ErrReauthenticationRequired, except
// for timeouts and cancellation, which say nothing about the stored grant.
func refreshFailed(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("refreshing session: %w", err)
	}
	return fmt.Errorf("%w: %w", ErrReauthenticationRequired, err)
}
