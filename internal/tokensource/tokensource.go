package tokensource

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/insights-cli/internal/tokenstore"
)

// Option configures a Provider.
type Option func(*providerConfig)

// providerConfig holds configuration for New.
type providerConfig struct {
	baseTransport http.RoundTripper
	endpoint      oauth2.Endpoint
}

// WithTransport sets a custom base transport for token requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *providerConfig) {
		c.baseTransport = transport
	}
}

// WithEndpoint overrides the provider endpoints (defaults to Endpoint).
func WithEndpoint(endpoint oauth2.Endpoint) Option {
	return func(c *providerConfig) {
		c.endpoint = endpoint
	}
}

// Tokens are the tokens returned by the identity provider.
type Tokens struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// ProviderTokens converts the tokens into their persisted form.
func (t *Tokens) ProviderTokens() tokenstore.ProviderTokens {
	pt := tokenstore.ProviderTokens{
		IDToken:      t.IDToken,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	if !t.Expiry.IsZero() {
		pt.ExpiresAt = t.Expiry.UnixMilli()
	}
	return pt
}

// Provider performs authorization-code and refresh-token exchanges against the
// identity provider.
type Provider struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// New creates a Provider for the given OAuth client. clientSecret may be empty,
// in which case tokens cannot be refreshed.
func New(clientID, clientSecret string, opts ...Option) *Provider {
	cfg := &providerConfig{
		baseTransport: http.DefaultTransport,
		endpoint:      Endpoint,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Provider{
		// RedirectURL is left empty and supplied per request, since the
		// callback port is only known once the listener is bound.
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       scopes,
			Endpoint:     cfg.endpoint,
		},
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: cfg.baseTransport,
		},
	}
}

// ClientID returns the OAuth client identifier.
func (p *Provider) ClientID() string {
	return p.config.ClientID
}

// CanRefresh reports whether a client secret is configured.
func (p *Provider) CanRefresh() bool {
	return p.config.ClientSecret != ""
}

// AuthCodeURL builds the authorization URL the user is sent to.
func (p *Provider) AuthCodeURL(state, verifier, redirectURI string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
		// consent makes Google issue a refresh token on every login
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange trades an authorization code for provider tokens.
func (p *Provider) Exchange(ctx context.Context, code, verifier, redirectURI string) (*Tokens, error) {
	token, err := p.config.Exchange(p.clientContext(ctx), code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}
	return tokensFrom(token)
}

// Refresh obtains new provider tokens using a refresh token.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if !p.CanRefresh() {
		return nil, fmt.Errorf("%w: client secret required for refresh", ErrTokenExchange)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: missing refresh token", ErrTokenExchange)
	}

	// No access token forces the token source to refresh immediately
	ts := p.config.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}
	return tokensFrom(token)
}

// clientContext injects the HTTP client via context (oauth2.HTTPClient key),
// per oauth2's documented API.
func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func tokensFrom(token *oauth2.Token) (*Tokens, error) {
	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return nil, fmt.Errorf("%w: response contains no id_token", ErrTokenExchange)
	}

	return &Tokens{
		IDToken:      idToken,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}, nil
}
