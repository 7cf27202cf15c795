package tokenstore

import "time"

// MethodGoogleSSO tags records created by the federated-identity login flow.
const MethodGoogleSSO = "google_sso"

// ExpiryBuffer is subtracted from the session expiry when deciding whether a
// stored session is still usable, so sessions are renewed slightly early.
const ExpiryBuffer = time.Hour

// ProviderTokens are the identity provider tokens used to mint a platform session.
type ProviderTokens struct {
	IDToken      string `json:"idToken"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// ExpiresAt is the access token expiry in epoch milliseconds.
	ExpiresAt int64 `json:"expiresAt"`
}

// StoredAuth is the persisted credential record.
// All timestamps are epoch milliseconds.
type StoredAuth struct {
	Method           string         `json:"method"`
	PlatformURL      string         `json:"platformUrl"`
	SessionToken     string         `json:"sessionToken"`
	SessionExpiresAt int64          `json:"sessionExpiresAt"`
	ProviderTokens   ProviderTokens `json:"providerTokens"`
	Email            string         `json:"email,omitempty"`
	CreatedAt        int64          `json:"createdAt,omitempty"`
	UpdatedAt        int64          `json:"updatedAt,omitempty"`
}

// SessionExpiry returns the session expiry as a time.Time.
func (r *StoredAuth) SessionExpiry() time.Time {
	return time.UnixMilli(r.SessionExpiresAt)
}

// CanRefresh reports whether the record carries a provider refresh token.
// A client secret is also required to actually refresh.
func (r *StoredAuth) CanRefresh() bool {
	return r.ProviderTokens.RefreshToken != ""
}
