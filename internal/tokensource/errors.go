package tokensource

import "errors"

// ErrTokenExchange is returned when the identity provider rejects a code
// exchange or refresh (expired code, redirect URI mismatch, revoked grant) or
// returns tokens that fail verification.
var ErrTokenExchange = errors.New("token exchange failed")
