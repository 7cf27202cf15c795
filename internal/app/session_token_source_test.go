package app_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/insights-cli/internal/app"
	"github.com/florianilch/insights-cli/internal/platform"
	"github.com/florianilch/insights-cli/internal/session"
	"github.com/florianilch/insights-cli/internal/testutil"
	"github.com/florianilch/insights-cli/internal/tokensource"
	"github.com/florianilch/insights-cli/internal/tokenstore"
)

// readOnlyStore refuses to persist refreshed sessions.
type readOnlyStore struct {
	*tokenstore.FileStore
}

func (readOnlyStore) UpdateSession(context.Context, string, ...tokenstore.UpdateOption) error {
	return errors.New("disk full")
}

func TestSessionTokenSource_ExpiryWhenRefreshIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	idp := testutil.NewIdentityProvider(t)
	fake := testutil.NewPlatform(t)

	cipher, err := tokenstore.NewCipherFromKeyMaterial("tester@" + fake.URL())
	require.NoError(t, err)
	store, err := tokenstore.NewFileStore(filepath.Join(t.TempDir(), "auth.enc"), fake.URL(), tokenstore.WithCipher(cipher))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, &tokenstore.StoredAuth{
		Method:           tokenstore.MethodGoogleSSO,
		PlatformURL:      fake.URL(),
		SessionToken:     "stored-session",
		SessionExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
		ProviderTokens:   tokenstore.ProviderTokens{RefreshToken: idp.RefreshToken},
	}))

	client, err := platform.NewClient(fake.URL())
	require.NoError(t, err)
	provider := tokensource.New(idp.ClientID, idp.ClientSecret, tokensource.WithEndpoint(idp.Endpoint()))
	sessions := session.NewManager(readOnlyStore{store}, session.WithRefresh(provider, client))

	ts, err := app.NewSessionTokenSource(sessions)
	require.NoError(t, err)

	token, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "platform-session-1", token.AccessToken)
	assert.False(t, token.Expiry.IsZero(), "a zero expiry would be cached forever")
	assert.WithinDuration(t, time.Now().Add(14*24*time.Hour-tokenstore.ExpiryBuffer), token.Expiry, time.Minute)
}

func TestNewSessionTokenSource_RequiresManager(t *testing.T) {
	_, err := app.NewSessionTokenSource(nil)
	assert.Error(t, err)
}
