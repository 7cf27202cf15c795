package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/florianilch/insights-cli/internal/platform"
	"github.com/florianilch/insights-cli/internal/tokensource"
	"github.com/florianilch/insights-cli/internal/tokenstore"
)

const (
	// DefaultCallbackTimeout bounds how long the listener waits for the browser.
	DefaultCallbackTimeout = 5 * time.Minute

	// shutdownTimeout bounds the listener teardown.
	shutdownTimeout = 5 * time.Second
)

// Provider builds authorization URLs and redeems authorization codes.
type Provider interface {
	AuthCodeURL(state, verifier, redirectURI string) string
	Exchange(ctx context.Context, code, verifier, redirectURI string) (*tokensource.Tokens, error)
}

// SessionExchanger mints a platform session from a provider ID token.
type SessionExchanger interface {
	ExchangeIDToken(ctx context.Context, idToken string) (*platform.Session, error)
}

// IDTokenVerifier validates a provider ID token.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*tokensource.Identity, error)
}

// Config holds flow settings.
type Config struct {
	// CallbackPort is the local port for the redirect listener; 0 picks a free port.
	CallbackPort uint16
	// CallbackTimeout bounds the wait for the browser redirect.
	CallbackTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBrowser sets the function used to open the authorization URL.
// Passing nil disables opening a browser.
func WithBrowser(open func(url string) error) Option {
	return func(c *Coordinator) {
		c.openBrowser = open
	}
}

// WithPrompt registers a function that receives the authorization URL before
// the flow starts waiting, e.g. to print it for manual opening.
func WithPrompt(prompt func(authURL string)) Option {
	return func(c *Coordinator) {
		c.prompt = prompt
	}
}

// WithIDTokenVerifier verifies provider ID tokens before the session exchange.
// Without a verifier, identity claims are read unverified for display only.
func WithIDTokenVerifier(v IDTokenVerifier) Option {
	return func(c *Coordinator) {
		c.verifier = v
	}
}

// WithStateObserver registers a function called on every state transition.
func WithStateObserver(observe func(State)) Option {
	return func(c *Coordinator) {
		c.observe = observe
	}
}

// Coordinator drives the interactive authorization-code login.
type Coordinator struct {
	cfg      Config
	provider Provider
	sessions SessionExchanger
	store    tokenstore.Store

	openBrowser func(url string) error
	prompt      func(authURL string)
	verifier    IDTokenVerifier
	observe     func(State)

	mu     sync.Mutex
	state  State
	active bool
}

// New creates a Coordinator. Results are persisted to store.
func New(cfg Config, provider Provider, sessions SessionExchanger, store tokenstore.Store, opts ...Option) (*Coordinator, error) {
	if provider == nil {
		return nil, fmt.Errorf("missing provider")
	}
	if sessions == nil {
		return nil, fmt.Errorf("missing session exchanger")
	}
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}

	c := &Coordinator{
		cfg:         cfg,
		provider:    provider,
		sessions:    sessions,
		store:       store,
		openBrowser: OpenBrowser,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the state of the current or most recent flow.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Login runs the flow to completion and returns the persisted record.
// Errors are returned as-is so the interactive user can react to them; the
// callback listener is released on every path.
func (c *Coordinator) Login(ctx context.Context) (record *tokenstore.StoredAuth, err error) {
	if !c.begin() {
		return nil, ErrFlowInProgress
	}
	defer c.end()

	logger := slog.Default().With("flow_id", uuid.NewString())
	c.transition(logger, StateIdle)
	defer func() {
		if err != nil {
			c.transition(logger, StateFailed)
			logger.WarnContext(ctx, "login flow failed", "error", err)
		}
	}()

	state, err := generateState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	server, err := StartCallbackServer(c.cfg.CallbackPort, state)
	if err != nil {
		return nil, err
	}
	defer c.shutdown(logger, server)

	redirectURI := server.RedirectURI()
	authURL := c.provider.AuthCodeURL(state, verifier, redirectURI)
	c.transition(logger, StateAwaitingCallback)
	logger.InfoContext(ctx, "waiting for browser sign-in",
		"redirect_uri", redirectURI,
		"timeout", c.cfg.CallbackTimeout,
	)

	if c.prompt != nil {
		c.prompt(authURL)
	}
	if c.openBrowser != nil {
		if err := c.openBrowser(authURL); err != nil {
			logger.WarnContext(ctx, "could not open browser, open the URL manually", "error", err)
		}
	}

	waitCtx, cancel := context.WithTimeoutCause(ctx, c.cfg.CallbackTimeout, ErrCallbackTimeout)
	defer cancel()

	result, err := server.Wait(waitCtx)
	c.shutdown(logger, server)
	if err != nil {
		return nil, err
	}
	if result.Err != nil {
		return nil, result.Err
	}
	c.transition(logger, StateCodeReceived)

	tokens, err := c.provider.Exchange(ctx, result.Code, verifier, redirectURI)
	if err != nil {
		return nil, err
	}
	c.transition(logger, StateProviderTokensExchanged)

	identity, err := c.identity(ctx, tokens.IDToken)
	if err != nil {
		return nil, err
	}

	session, err := c.sessions.ExchangeIDToken(ctx, tokens.IDToken)
	if err != nil {
		return nil, err
	}
	c.transition(logger, StatePlatformSessionExchanged)

	record = &tokenstore.StoredAuth{
		Method:           tokenstore.MethodGoogleSSO,
		PlatformURL:      c.store.PlatformURL(),
		SessionToken:     session.Token,
		SessionExpiresAt: session.ExpiresAt.UnixMilli(),
		ProviderTokens:   tokens.ProviderTokens(),
		Email:            session.Email,
	}
	if identity != nil && identity.Email != "" {
		record.Email = identity.Email
	}

	if err := c.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("saving credentials: %w", err)
	}
	c.transition(logger, StatePersisted)

	logger.InfoContext(ctx, "login complete",
		"platform_url", record.PlatformURL,
		"email", record.Email,
		"session_expires_at", record.SessionExpiry().Format(time.RFC3339),
		"has_refresh_token", record.CanRefresh(),
	)
	return record, nil
}

// identity verifies the ID token when a verifier is configured, otherwise it
// reads the claims unverified and ignores parse failures.
func (c *Coordinator) identity(ctx context.Context, rawIDToken string) (*tokensource.Identity, error) {
	if c.verifier != nil {
		return c.verifier.Verify(ctx, rawIDToken)
	}
	identity, err := tokensource.ParseUnverified(rawIDToken)
	if err != nil {
		slog.DebugContext(ctx, "could not read id_token claims", "error", err)
		return nil, nil
	}
	return identity, nil
}

func (c *Coordinator) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return false
	}
	c.active = true
	c.state = StateIdle
	return true
}

func (c *Coordinator) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
}

func (c *Coordinator) transition(logger *slog.Logger, next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	logger.Debug("login flow transition", "from", prev.String(), "to", next.String())
	if c.observe != nil {
		c.observe(next)
	}
}

func (c *Coordinator) shutdown(logger *slog.Logger, server *CallbackServer) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("callback server shutdown failed", "error", err)
	}
}
