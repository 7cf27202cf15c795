package app_test

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/insights-cli/internal/app"
	"github.com/florianilch/insights-cli/internal/credentials"
	"github.com/florianilch/insights-cli/internal/oauthflow"
	"github.com/florianilch/insights-cli/internal/session"
	"github.com/florianilch/insights-cli/internal/testutil"
	"github.com/florianilch/insights-cli/internal/tokenstore"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return uint16(port)
}

func followInBrowser(t *testing.T) func(string) error {
	return func(authURL string) error {
		go func() {
			resp, err := http.Get(authURL)
			if err != nil {
				t.Errorf("browser request failed: %v", err)
				return
			}
			_ = resp.Body.Close()
		}()
		return nil
	}
}

type env struct {
	idp      *testutil.IdentityProvider
	platform *testutil.Platform
	cfg      *app.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	idp := testutil.NewIdentityProvider(t)
	fake := testutil.NewPlatform(t)

	cfg := &app.Config{
		Platform: app.PlatformConfig{BaseURL: fake.URL()},
		Auth: app.AuthConfig{
			ClientID:        idp.ClientID,
			ClientSecret:    idp.ClientSecret,
			File:            filepath.Join(t.TempDir(), "auth.enc"),
			CallbackPort:    freePort(t),
			CallbackTimeout: 10 * time.Second,
			Issuer:          idp.Issuer(),
		},
	}
	require.NoError(t, cfg.ApplyDefaults())

	return &env{idp: idp, platform: fake, cfg: cfg}
}

func (e *env) app(t *testing.T, opts ...app.Option) *app.App {
	t.Helper()
	cipher, err := tokenstore.NewCipherFromKeyMaterial("tester@" + e.platform.URL())
	require.NoError(t, err)

	opts = append([]app.Option{
		app.WithProviderEndpoint(e.idp.Endpoint()),
		app.WithIDTokenKeySet(e.idp.KeySet()),
		app.WithBrowser(followInBrowser(t)),
		app.WithStoreOptions(tokenstore.WithCipher(cipher)),
	}, opts...)

	a, err := app.New(e.cfg, opts...)
	require.NoError(t, err)
	return a
}

func TestApp_LoginThenStatus(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	var states []oauthflow.State
	a := e.app(t, app.WithLoginObserver(func(s oauthflow.State) { states = append(states, s) }))
	require.Equal(t, credentials.MethodGoogleSSO, a.Method())

	before, err := a.Status(ctx)
	require.NoError(t, err)
	assert.False(t, before.Authenticated)
	assert.True(t, before.ExpiresAt.IsZero())

	record, err := a.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, "platform-session-1", record.SessionToken)
	assert.Equal(t, oauthflow.StatePersisted, states[len(states)-1])
	assert.Len(t, states, 6)

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Authenticated)
	assert.Equal(t, credentials.MethodGoogleSSO, status.Method)
	assert.Equal(t, e.platform.URL(), status.PlatformURL)
	assert.Equal(t, e.idp.Email, status.Email)
	assert.True(t, status.Refreshable)
	assert.Equal(t, e.cfg.Auth.File, status.StorePath)
	assert.WithinDuration(t, time.Now().Add(14*24*time.Hour), status.ExpiresAt, time.Minute)
}

func TestApp_LoginWithoutClientSecretIsNotRefreshable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.cfg.Auth.ClientSecret = ""
	a := e.app(t)

	_, err := a.Login(ctx)
	require.NoError(t, err)

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Authenticated)
	assert.False(t, status.Refreshable)
}

func TestApp_Logout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.app(t)

	_, err := a.Login(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Logout(ctx))

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Authenticated)

	// logging out twice is fine
	require.NoError(t, a.Logout(ctx))
}

func TestApp_StatusForOtherMethods(t *testing.T) {
	tests := []struct {
		name              string
		configure         func(cfg *app.Config)
		wantMethod        credentials.Method
		wantAuthenticated bool
	}{
		{
			name:       "nothing configured",
			configure:  func(cfg *app.Config) { cfg.Auth.ClientID = "" },
			wantMethod: credentials.MethodNone,
		},
		{
			name:              "api key wins over client id",
			configure:         func(cfg *app.Config) { cfg.Platform.APIKey = "key-123" },
			wantMethod:        credentials.MethodAPIKey,
			wantAuthenticated: true,
		},
		{
			name: "email and password",
			configure: func(cfg *app.Config) {
				cfg.Auth.ClientID = ""
				cfg.Platform.Email = "analyst@example.com"
				cfg.Platform.Password = "secret"
			},
			wantMethod:        credentials.MethodSession,
			wantAuthenticated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			tt.configure(e.cfg)
			a := e.app(t)

			status, err := a.Status(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantMethod, status.Method)
			assert.Equal(t, tt.wantAuthenticated, status.Authenticated)
		})
	}
}

func TestApp_LoginRequiresClientID(t *testing.T) {
	e := newEnv(t)
	e.cfg.Auth.ClientID = ""
	a := e.app(t)

	_, err := a.Login(context.Background())
	assert.ErrorIs(t, err, app.ErrNoCredentials)
}

func TestApp_WhitespaceClientIDIsNotConfigured(t *testing.T) {
	e := newEnv(t)
	e.cfg.Auth.ClientID = " \t\n"
	a := e.app(t)

	assert.Equal(t, credentials.MethodNone, a.Method())
	_, err := a.Login(context.Background())
	assert.ErrorIs(t, err, app.ErrNoCredentials)
}

func expireStoredSession(t *testing.T, e *env) {
	t.Helper()
	cipher, err := tokenstore.NewCipherFromKeyMaterial("tester@" + e.platform.URL())
	require.NoError(t, err)
	store, err := tokenstore.NewFileStore(e.cfg.Auth.File, e.platform.URL(), tokenstore.WithCipher(cipher))
	require.NoError(t, err)
	require.NoError(t, store.UpdateSession(context.Background(), "expired-session",
		tokenstore.WithSessionExpiry(time.Now().Add(-time.Minute)),
	))
}

func TestApp_TokenSourceRefreshVerifiesIDToken(t *testing.T) {
	ctx := context.Background()

	t.Run("matching issuer", func(t *testing.T) {
		e := newEnv(t)
		a := e.app(t)
		_, err := a.Login(ctx)
		require.NoError(t, err)
		expireStoredSession(t, e)

		ts, err := a.TokenSource()
		require.NoError(t, err)
		token, err := ts.Token()
		require.NoError(t, err)
		assert.Equal(t, "platform-session-2", token.AccessToken)
		assert.Equal(t, 1, e.idp.Refreshes())
	})

	t.Run("foreign issuer", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.app(t).Login(ctx)
		require.NoError(t, err)
		expireStoredSession(t, e)

		e.cfg.Auth.Issuer = "https://accounts.other.example.com"
		ts, err := e.app(t).TokenSource()
		require.NoError(t, err)
		_, err = ts.Token()
		require.ErrorIs(t, err, session.ErrReauthenticationRequired)
		assert.Equal(t, 1, e.idp.Refreshes())
		assert.Equal(t, 1, e.platform.Exchanges(), "unverified id_token must not reach the platform")
	})
}

func TestApp_TokenSource(t *testing.T) {
	ctx := context.Background()

	t.Run("api key", func(t *testing.T) {
		e := newEnv(t)
		e.cfg.Platform.APIKey = "key-123"
		ts, err := e.app(t).TokenSource()
		require.NoError(t, err)

		token, err := ts.Token()
		require.NoError(t, err)
		assert.Equal(t, "key-123", token.AccessToken)
		assert.Equal(t, "Bearer", token.TokenType)
	})

	t.Run("federated session", func(t *testing.T) {
		e := newEnv(t)
		a := e.app(t)
		_, err := a.Login(ctx)
		require.NoError(t, err)

		ts, err := a.TokenSource()
		require.NoError(t, err)
		token, err := ts.Token()
		require.NoError(t, err)
		assert.Equal(t, "platform-session-1", token.AccessToken)
		assert.Equal(t, app.SessionTokenType, token.TokenType)
		assert.WithinDuration(t, time.Now().Add(14*24*time.Hour-tokenstore.ExpiryBuffer), token.Expiry, time.Minute)
		assert.Equal(t, 1, e.platform.Exchanges(), "valid session must not be re-exchanged")
	})

	t.Run("federated session without login", func(t *testing.T) {
		e := newEnv(t)
		ts, err := e.app(t).TokenSource()
		require.NoError(t, err)

		_, err = ts.Token()
		assert.Error(t, err)
	})

	t.Run("nothing configured", func(t *testing.T) {
		e := newEnv(t)
		e.cfg.Auth.ClientID = ""
		_, err := e.app(t).TokenSource()
		assert.ErrorIs(t, err, app.ErrNoCredentials)
	})
}

func TestNew_InvalidConfig(t *testing.T) {
	e := newEnv(t)
	e.cfg.Platform.BaseURL = ""
	_, err := app.New(e.cfg)
	assert.Error(t, err)
}
