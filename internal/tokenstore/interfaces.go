package tokenstore

import (
	"context"
	"strings"
	"time"
)

// Store persists a single StoredAuth record scoped to one platform URL.
//
// Load never fails for unreadable records: undecryptable or unparsable data is
// reported as no record, so callers fall back to interactive login.
type Store interface {
	// Save stamps CreatedAt (if unset) and UpdatedAt, then persists the record.
	Save(ctx context.Context, record *StoredAuth) error

	// Load returns the stored record, or nil if none is usable.
	Load(ctx context.Context) (*StoredAuth, error)

	// Clear removes the stored record. Clearing an empty store is a no-op.
	Clear(ctx context.Context) error

	// Valid reports whether a record exists for the configured platform URL and
	// its session does not expire within ExpiryBuffer.
	Valid(ctx context.Context) bool

	// SessionToken returns the session token if the record matches the platform
	// URL and the session has not expired. No buffer is applied.
	SessionToken(ctx context.Context) (string, bool)

	// ProviderTokens returns the stored provider tokens, or nil.
	ProviderTokens(ctx context.Context) *ProviderTokens

	// UpdateSession replaces the session token of an existing record.
	// Returns ErrNoStoredAuth if nothing is stored.
	UpdateSession(ctx context.Context, token string, opts ...UpdateOption) error

	// PlatformURL returns the platform URL the store is scoped to.
	PlatformURL() string
}

// UpdateOption modifies a record during UpdateSession.
type UpdateOption func(*StoredAuth)

// WithSessionExpiry sets a new session expiry.
func WithSessionExpiry(expiresAt time.Time) UpdateOption {
	return func(r *StoredAuth) {
		r.SessionExpiresAt = expiresAt.UnixMilli()
	}
}

// WithProviderTokens replaces the stored provider tokens. An empty refresh token
// keeps the previously stored one, since providers often omit it on refresh.
func WithProviderTokens(tokens ProviderTokens) UpdateOption {
	return func(r *StoredAuth) {
		if tokens.RefreshToken == "" {
			tokens.RefreshToken = r.ProviderTokens.RefreshToken
		}
		r.ProviderTokens = tokens
	}
}

// NormalizePlatformURL trims whitespace and trailing slashes so that equivalent
// URLs compare equal.
func NormalizePlatformURL(platformURL string) string {
	return strings.TrimRight(strings.TrimSpace(platformURL), "/")
}
