package tokensource

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Identity holds the claims of an ID token that are shown to the user.
type Identity struct {
	Subject string
	Email   string
	Name    string
	Expiry  time.Time
}

// IDTokenVerifier checks ID token signature, issuer, audience and expiry.
type IDTokenVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewIDTokenVerifier creates a verifier that fetches signing keys from jwksURL.
// Keys are fetched lazily using ctx.
func NewIDTokenVerifier(ctx context.Context, clientID, issuer, jwksURL string) *IDTokenVerifier {
	return NewIDTokenVerifierWithKeySet(clientID, issuer, oidc.NewRemoteKeySet(ctx, jwksURL))
}

// NewIDTokenVerifierWithKeySet creates a verifier backed by the given key set.
func NewIDTokenVerifierWithKeySet(clientID, issuer string, keySet oidc.KeySet) *IDTokenVerifier {
	return &IDTokenVerifier{
		verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: clientID}),
	}
}

// Verify validates rawIDToken and returns its identity claims.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawIDToken string) (*Identity, error) {
	token, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: verifying id_token: %w", ErrTokenExchange, err)
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decoding id_token claims: %w", ErrTokenExchange, err)
	}

	return &Identity{
		Subject: token.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Expiry:  token.Expiry,
	}, nil
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ParseUnverified extracts identity claims without checking the signature.
// Only for display purposes when verification is disabled.
func ParseUnverified(rawIDToken string) (*Identity, error) {
	claims := &idTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, claims); err != nil {
		return nil, fmt.Errorf("parsing id_token: %w", err)
	}

	identity := &Identity{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
	}
	if claims.ExpiresAt != nil {
		identity.Expiry = claims.ExpiresAt.Time
	}
	return identity, nil
}
