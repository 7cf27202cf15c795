package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/florianilch/insights-cli/internal/credentials"
	"github.com/florianilch/insights-cli/internal/oauthflow"
	"github.com/florianilch/insights-cli/internal/platform"
	"github.com/florianilch/insights-cli/internal/session"
	"github.com/florianilch/insights-cli/internal/tokensource"
	"github.com/florianilch/insights-cli/internal/tokenstore"
)

// ErrNoCredentials is returned when no authentication method can be resolved
// from the configuration.
var ErrNoCredentials = errors.New("no credentials configured")

// Option configures an App.
type Option func(*options)

type options struct {
	endpoint *oauth2.Endpoint
	keySet   oidc.KeySet
	browser  func(url string) error
	prompt   func(authURL string)
	observer func(oauthflow.State)
	storeOpt []tokenstore.FileStoreOption
}

// WithProviderEndpoint overrides the identity provider's OAuth2 endpoints.
func WithProviderEndpoint(endpoint oauth2.Endpoint) Option {
	return func(o *options) {
		o.endpoint = &endpoint
	}
}

// WithIDTokenKeySet verifies ID tokens against keySet instead of fetching the
// configured JWKS URL.
func WithIDTokenKeySet(keySet oidc.KeySet) Option {
	return func(o *options) {
		o.keySet = keySet
	}
}

// WithBrowser overrides how the authorization URL is opened.
func WithBrowser(open func(url string) error) Option {
	return func(o *options) {
		o.browser = open
	}
}

// WithPrompt receives the authorization URL when a login starts.
func WithPrompt(prompt func(authURL string)) Option {
	return func(o *options) {
		o.prompt = prompt
	}
}

// WithLoginObserver is called on every login state transition.
func WithLoginObserver(observe func(oauthflow.State)) Option {
	return func(o *options) {
		o.observer = observe
	}
}

// WithStoreOptions passes options to the token file store.
func WithStoreOptions(opts ...tokenstore.FileStoreOption) Option {
	return func(o *options) {
		o.storeOpt = append(o.storeOpt, opts...)
	}
}

// Status describes the credentials in use.
type Status struct {
	Method        credentials.Method `json:"method"`
	PlatformURL   string             `json:"platform_url"`
	Authenticated bool               `json:"authenticated"`
	Email         string             `json:"email,omitempty"`
	ExpiresAt     time.Time          `json:"expires_at,omitzero"`
	Refreshable   bool               `json:"refreshable"`
	StorePath     string             `json:"store_path,omitempty"`
}

// App wires the authentication components from configuration.
type App struct {
	cfg    *Config
	method credentials.Method

	store       *tokenstore.FileStore
	provider    *tokensource.Provider
	platform    *platform.Client
	coordinator *oauthflow.Coordinator
	sessions    *session.Manager
}

// New creates a new App instance. No network or file I/O is performed.
func New(cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	store, err := tokenstore.NewFileStore(cfg.Auth.File, cfg.Platform.BaseURL, o.storeOpt...)
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	platformClient, err := platform.NewClient(cfg.Platform.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create platform client: %w", err)
	}

	a := &App{
		cfg:      cfg,
		method:   credentials.Resolve(cfg.CredentialInputs()),
		store:    store,
		platform: platformClient,
	}

	clientID := strings.TrimSpace(cfg.Auth.ClientID)
	if clientID == "" {
		a.sessions = session.NewManager(store)
		return a, nil
	}

	var providerOpts []tokensource.Option
	if o.endpoint != nil {
		providerOpts = append(providerOpts, tokensource.WithEndpoint(*o.endpoint))
	}
	a.provider = tokensource.New(clientID, strings.TrimSpace(cfg.Auth.ClientSecret), providerOpts...)

	// login and refresh check ID tokens against the same verifier
	verifier := a.idTokenVerifier(clientID, o)

	sessionOpts := []session.Option{session.WithRefresh(a.provider, platformClient)}
	if verifier != nil {
		sessionOpts = append(sessionOpts, session.WithIDTokenVerifier(verifier))
	}
	a.sessions = session.NewManager(store, sessionOpts...)

	a.coordinator, err = oauthflow.New(oauthflow.Config{
		CallbackPort:    cfg.Auth.CallbackPort,
		CallbackTimeout: cfg.Auth.CallbackTimeout,
	}, a.provider, platformClient, store, a.flowOptions(o, verifier)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create login flow: %w", err)
	}

	return a, nil
}

// idTokenVerifier returns nil when verification is disabled.
func (a *App) idTokenVerifier(clientID string, o *options) *tokensource.IDTokenVerifier {
	if !isTrue(a.cfg.Auth.VerifyIDToken) {
		return nil
	}
	if o.keySet != nil {
		return tokensource.NewIDTokenVerifierWithKeySet(clientID, a.cfg.Auth.Issuer, o.keySet)
	}
	// keys are fetched lazily on first verification
	return tokensource.NewIDTokenVerifier(context.Background(), clientID, a.cfg.Auth.Issuer, a.cfg.Auth.JWKSURL)
}

func (a *App) flowOptions(o *options, verifier *tokensource.IDTokenVerifier) []oauthflow.Option {
	var opts []oauthflow.Option

	switch {
	case o.browser != nil:
		opts = append(opts, oauthflow.WithBrowser(o.browser))
	case !isTrue(a.cfg.Auth.OpenBrowser):
		opts = append(opts, oauthflow.WithBrowser(nil))
	}
	if o.prompt != nil {
		opts = append(opts, oauthflow.WithPrompt(o.prompt))
	}
	if o.observer != nil {
		opts = append(opts, oauthflow.WithStateObserver(o.observer))
	}
	if verifier != nil {
		opts = append(opts, oauthflow.WithIDTokenVerifier(verifier))
	}

	return opts
}

// Method returns the resolved authentication method.
func (a *App) Method() credentials.Method {
	return a.method
}

// Login runs the interactive browser sign-in and persists the session.
func (a *App) Login(ctx context.Context) (*tokenstore.StoredAuth, error) {
	if a.coordinator == nil {
		return nil, fmt.Errorf("%w: auth.client_id is required for login", ErrNoCredentials)
	}
	if a.method != credentials.MethodGoogleSSO {
		slog.WarnContext(ctx, "another credential takes precedence over the federated session",
			"method", a.method,
		)
	}

	slog.InfoContext(ctx, "starting login", "platform_url", a.store.PlatformURL())
	return a.coordinator.Login(ctx)
}

// Status reports the method in use and, for federated sign-in, the stored session.
func (a *App) Status(ctx context.Context) (*Status, error) {
	status := &Status{
		Method:      a.method,
		PlatformURL: a.store.PlatformURL(),
	}

	switch a.method {
	case credentials.MethodNone:
		return status, nil
	case credentials.MethodAPIKey, credentials.MethodSession:
		// static credentials are presented as-is, the platform decides on each request
		status.Authenticated = true
		return status, nil
	}

	status.StorePath = a.store.Path()
	record, err := a.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading stored credentials: %w", err)
	}
	if record == nil || tokenstore.NormalizePlatformURL(record.PlatformURL) != a.store.PlatformURL() {
		return status, nil
	}

	status.Authenticated = a.store.Valid(ctx)
	status.Email = record.Email
	status.ExpiresAt = record.SessionExpiry()
	status.Refreshable = record.CanRefresh() && a.provider != nil && a.provider.CanRefresh()
	return status, nil
}

// Logout removes the stored session.
func (a *App) Logout(ctx context.Context) error {
	if err := a.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing stored credentials: %w", err)
	}
	slog.InfoContext(ctx, "logged out", "path", a.store.Path())
	return nil
}

// TokenSource returns a token source for the resolved method. API keys are
// served as static bearer tokens; federated sessions are refreshed lazily.
func (a *App) TokenSource() (oauth2.TokenSource, error) {
	switch a.method {
	case credentials.MethodAPIKey:
		return oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: a.cfg.Platform.APIKey,
			TokenType:   "Bearer",
		}), nil
	case credentials.MethodGoogleSSO:
		return NewSessionTokenSource(a.sessions)
	case credentials.MethodNone:
		return nil, ErrNoCredentials
	default:
		return nil, fmt.Errorf("method %s has no token source", a.method)
	}
}
