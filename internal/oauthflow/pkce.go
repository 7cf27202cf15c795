package oauthflow

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// stateBytes encodes to 43 base64url characters.
const stateBytes = 32

// generateState returns a random anti-CSRF state value.
func generateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
