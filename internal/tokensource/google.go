package tokensource

import (
	"golang.org/x/oauth2"
)

const (
	// GoogleIssuer is the issuer of Google ID tokens.
	GoogleIssuer = "https://accounts.google.com"

	// GoogleJWKSURL serves the keys Google signs ID tokens with.
	GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
)

// Endpoint defines the OAuth2 endpoints for Google sign-in.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// scopes requests the identity token plus the email and profile claims
var scopes = []string{"openid", "email", "profile"}
