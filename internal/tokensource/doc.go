// Package tokensource talks to the federated identity provider (Google).
//
// It builds authorization URLs, exchanges authorization codes for provider
// tokens, refreshes them with a stored refresh token, and verifies the ID token
// that is later exchanged for a platform session.
//
// # Provider
//
//	p := tokensource.New(clientID, clientSecret)
//	url := p.AuthCodeURL(state, verifier, redirectURI)
//	tokens, err := p.Exchange(ctx, code, verifier, redirectURI)
//
// PKCE (S256) is always used. The client secret is optional for the
// authorization-code exchange but required by Google to refresh tokens.
//
// # Custom Base Transport
//
// Configure a custom transport for token requests (e.g., for proxies or tests):
//
//	p := tokensource.New(clientID, clientSecret, tokensource.WithTransport(customTransport))
package tokensource
