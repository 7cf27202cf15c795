package tokenstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	platformA = "https://insights.example.com"
	platformB = "https://insights.other.example.com"
)

var sharedCipher *Cipher

// testCipher returns one cipher for all store tests so that URL scoping is
// exercised by the record check rather than by key derivation.
func testCipher(t *testing.T) *Cipher {
	t.Helper()
	if sharedCipher == nil {
		sharedCipher = newTestCipher(t, "tester@store-tests")
	}
	return sharedCipher
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T, path, platformURL string, clock *fixedClock) *FileStore {
	t.Helper()
	store, err := NewFileStore(path, platformURL, WithCipher(testCipher(t)), WithClock(clock.Now))
	require.NoError(t, err)
	return store
}

func newRecord(platformURL string, sessionExpiry time.Time) *StoredAuth {
	return &StoredAuth{
		Method:           MethodGoogleSSO,
		PlatformURL:      platformURL,
		SessionToken:     "session-token",
		SessionExpiresAt: sessionExpiry.UnixMilli(),
		ProviderTokens: ProviderTokens{
			IDToken:      "id-token",
			AccessToken:  "access-token",
			RefreshToken: "refresh-token",
			ExpiresAt:    sessionExpiry.UnixMilli(),
		},
		Email: "analyst@example.com",
	}
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.UnixMilli(1_700_000_000_000)}
	path := filepath.Join(t.TempDir(), "nested", "dir", "auth.enc")
	store := newTestStore(t, path, platformA, clock)

	record := newRecord(platformA, clock.now.Add(14*24*time.Hour))
	require.NoError(t, store.Save(ctx, record))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, record.SessionToken, loaded.SessionToken)
	assert.Equal(t, record.ProviderTokens, loaded.ProviderTokens)
	assert.Equal(t, clock.now.UnixMilli(), loaded.CreatedAt)
	assert.Equal(t, clock.now.UnixMilli(), loaded.UpdatedAt)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "session-token")
}

func TestFileStore_SaveKeepsCreatedAtAndBumpsUpdatedAt(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.UnixMilli(1_700_000_000_000)}
	store := newTestStore(t, filepath.Join(t.TempDir(), "auth.enc"), platformA, clock)

	record := newRecord(platformA, clock.now.Add(time.Hour*48))
	require.NoError(t, store.Save(ctx, record))
	created := record.CreatedAt

	clock.now = clock.now.Add(10 * time.Minute)
	require.NoError(t, store.Save(ctx, record))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, created, loaded.CreatedAt)
	assert.Equal(t, clock.now.UnixMilli(), loaded.UpdatedAt)
}

func TestFileStore_LoadMissingFile(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "auth.enc"), platformA, &fixedClock{now: time.Now()})

	record, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.False(t, store.Valid(context.Background()))
}

func TestFileStore_LoadSwallowsUnreadableRecords(t *testing.T) {
	tests := []struct {
		name    string
		content func(t *testing.T) string
	}{
		{
			name:    "garbage",
			content: func(t *testing.T) string { return "not-an-encrypted-record" },
		},
		{
			name: "foreign key",
			content: func(t *testing.T) string {
				other := newTestCipher(t, "someone-else@elsewhere")
				sealed, err := other.Encrypt([]byte(`{"method":"google_sso"}`))
				require.NoError(t, err)
				return sealed
			},
		},
		{
			name: "invalid json",
			content: func(t *testing.T) string {
				sealed, err := testCipher(t).Encrypt([]byte("{not json"))
				require.NoError(t, err)
				return sealed
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "auth.enc")
			require.NoError(t, os.WriteFile(path, []byte(tt.content(t)), 0600))
			store := newTestStore(t, path, platformA, &fixedClock{now: time.Now()})

			record, err := store.Load(context.Background())
			require.NoError(t, err)
			assert.Nil(t, record)
		})
	}
}

func TestFileStore_URLScoping(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Now()}
	path := filepath.Join(t.TempDir(), "auth.enc")

	storeA := newTestStore(t, path, platformA, clock)
	require.NoError(t, storeA.Save(ctx, newRecord(platformA, clock.now.Add(24*time.Hour))))

	storeB := newTestStore(t, path, platformB, clock)

	token, ok := storeB.SessionToken(ctx)
	assert.False(t, ok)
	assert.Empty(t, token)
	assert.False(t, storeB.Valid(ctx))
	assert.Nil(t, storeB.ProviderTokens(ctx))

	token, ok = storeA.SessionToken(ctx)
	assert.True(t, ok)
	assert.Equal(t, "session-token", token)
}

func TestFileStore_URLScopingWithDerivedKeys(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "auth.enc")

	storeA, err := NewFileStore(path, platformA)
	require.NoError(t, err)
	require.NoError(t, storeA.Save(ctx, newRecord(platformA, time.Now().Add(24*time.Hour))))

	storeB, err := NewFileStore(path, platformB)
	require.NoError(t, err)

	_, ok := storeB.SessionToken(ctx)
	assert.False(t, ok)
}

func TestFileStore_TrailingSlashIsSamePlatform(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Now()}
	path := filepath.Join(t.TempDir(), "auth.enc")

	store := newTestStore(t, path, platformA+"/", clock)
	require.NoError(t, store.Save(ctx, newRecord(platformA, clock.now.Add(24*time.Hour))))

	assert.True(t, store.Valid(ctx))
	assert.Equal(t, platformA, store.PlatformURL())
}

func TestFileStore_ExpiryBuffer(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.UnixMilli(1_700_000_000_000)}

	tests := []struct {
		name        string
		expiresIn   time.Duration
		wantValid   bool
		wantTokenOK bool
	}{
		{name: "two weeks left", expiresIn: 14 * 24 * time.Hour, wantValid: true, wantTokenOK: true},
		{name: "exactly at buffer", expiresIn: ExpiryBuffer, wantValid: true, wantTokenOK: true},
		{name: "inside buffer", expiresIn: 30 * time.Minute, wantValid: false, wantTokenOK: true},
		{name: "at raw expiry", expiresIn: 0, wantValid: false, wantTokenOK: true},
		{name: "expired", expiresIn: -time.Minute, wantValid: false, wantTokenOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, filepath.Join(t.TempDir(), "auth.enc"), platformA, clock)
			require.NoError(t, store.Save(ctx, newRecord(platformA, clock.now.Add(tt.expiresIn))))

			assert.Equal(t, tt.wantValid, store.Valid(ctx))
			_, ok := store.SessionToken(ctx)
			assert.Equal(t, tt.wantTokenOK, ok)
		})
	}
}

func TestFileStore_UpdateSession(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.UnixMilli(1_700_000_000_000)}
	store := newTestStore(t, filepath.Join(t.TempDir(), "auth.enc"), platformA, clock)

	t.Run("empty store", func(t *testing.T) {
		err := store.UpdateSession(ctx, "new-token")
		assert.ErrorIs(t, err, ErrNoStoredAuth)
	})

	original := newRecord(platformA, clock.now.Add(30*time.Minute))
	require.NoError(t, store.Save(ctx, original))

	t.Run("token only keeps expiry", func(t *testing.T) {
		require.NoError(t, store.UpdateSession(ctx, "token-2"))

		loaded, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "token-2", loaded.SessionToken)
		assert.Equal(t, original.SessionExpiresAt, loaded.SessionExpiresAt)
	})

	t.Run("with expiry and provider tokens", func(t *testing.T) {
		clock.now = clock.now.Add(time.Minute)
		newExpiry := clock.now.Add(14 * 24 * time.Hour)

		require.NoError(t, store.UpdateSession(ctx, "token-3",
			WithSessionExpiry(newExpiry),
			WithProviderTokens(ProviderTokens{IDToken: "id-2", AccessToken: "access-2"}),
		))

		loaded, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "token-3", loaded.SessionToken)
		assert.Equal(t, newExpiry.UnixMilli(), loaded.SessionExpiresAt)
		assert.Equal(t, "id-2", loaded.ProviderTokens.IDToken)
		assert.Equal(t, "refresh-token", loaded.ProviderTokens.RefreshToken, "refresh token kept when provider omits it")
		assert.Equal(t, original.CreatedAt, loaded.CreatedAt)
		assert.Equal(t, clock.now.UnixMilli(), loaded.UpdatedAt)
		assert.True(t, store.Valid(ctx))
	})
}

func TestFileStore_Clear(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Now()}
	path := filepath.Join(t.TempDir(), "auth.enc")
	store := newTestStore(t, path, platformA, clock)

	require.NoError(t, store.Clear(ctx), "clearing an empty store is a no-op")

	require.NoError(t, store.Save(ctx, newRecord(platformA, clock.now.Add(24*time.Hour))))
	require.NoError(t, store.Clear(ctx))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	record, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestFileStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := newTestStore(t, filepath.Join(t.TempDir(), "auth.enc"), platformA, &fixedClock{now: time.Now()})

	assert.ErrorIs(t, store.Save(ctx, newRecord(platformA, time.Now())), context.Canceled)
	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFileStore_Validation(t *testing.T) {
	_, err := NewFileStore("", platformA)
	assert.Error(t, err)

	_, err = NewFileStore(filepath.Join(t.TempDir(), "auth.enc"), " ")
	assert.Error(t, err)
}
