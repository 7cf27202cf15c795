// Package testutil provides in-process fakes of the identity provider and the
// insights platform for tests.
package testutil

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// IdentityProvider is a fake OAuth2/OIDC provider. Its /auth endpoint behaves
// like a browser consent screen that immediately approves and redirects back
// to the redirect_uri with a fresh code.
type IdentityProvider struct {
	Server       *httptest.Server
	ClientID     string
	ClientSecret string
	Email        string
	RefreshToken string

	// RejectExchange makes the token endpoint fail code exchanges.
	RejectExchange bool
	// RejectRefresh makes the token endpoint fail refresh grants.
	RejectRefresh bool
	// DenyConsent redirects with error=access_denied instead of a code.
	DenyConsent bool

	key *rsa.PrivateKey

	mu          sync.Mutex
	challenges  map[string]pendingCode
	codeCounter int
	exchanges   int
	refreshes   int
}

type pendingCode struct {
	challenge   string
	redirectURI string
}

// NewIdentityProvider starts a fake provider that is closed with the test.
func NewIdentityProvider(t *testing.T) *IdentityProvider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}

	p := &IdentityProvider{
		ClientID:     "test-client.apps.googleusercontent.com",
		ClientSecret: "test-secret",
		Email:        "analyst@example.com",
		RefreshToken: "provider-refresh-token",
		key:          key,
		challenges:   make(map[string]pendingCode),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth", p.handleAuth)
	mux.HandleFunc("POST /token", p.handleToken)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)

	return p
}

// Endpoint returns the OAuth2 endpoints of the fake provider.
func (p *IdentityProvider) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   p.Server.URL + "/auth",
		TokenURL:  p.Server.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// Issuer returns the issuer used in signed ID tokens.
func (p *IdentityProvider) Issuer() string {
	return p.Server.URL
}

// KeySet returns a key set that verifies tokens signed by this provider.
func (p *IdentityProvider) KeySet() oidc.KeySet {
	return &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&p.key.PublicKey}}
}

// Exchanges returns how many authorization codes were redeemed.
func (p *IdentityProvider) Exchanges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

// Refreshes returns how many refresh grants were served.
func (p *IdentityProvider) Refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

// SignIDToken signs an ID token for the configured client and email.
func (p *IdentityProvider) SignIDToken(audience string, expiry time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   p.Issuer(),
		"aud":   audience,
		"sub":   "110169484474386276334",
		"email": p.Email,
		"name":  "Test Analyst",
		"iat":   time.Now().Unix(),
		"exp":   expiry.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.key)
}

func (p *IdentityProvider) handleAuth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("client_id") != p.ClientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}

	params := url.Values{"state": {q.Get("state")}}
	if p.DenyConsent {
		params.Set("error", "access_denied")
		params.Set("error_description", "The user denied access")
	} else {
		p.mu.Lock()
		p.codeCounter++
		code := fmt.Sprintf("code-%d", p.codeCounter)
		p.challenges[code] = pendingCode{challenge: q.Get("code_challenge"), redirectURI: redirectURI}
		p.mu.Unlock()
		params.Set("code", code)
	}

	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *IdentityProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, "invalid_request")
		return
	}
	if r.PostForm.Get("client_id") != p.ClientID {
		writeTokenError(w, "invalid_client")
		return
	}
	if secret := r.PostForm.Get("client_secret"); secret != "" && secret != p.ClientSecret {
		writeTokenError(w, "invalid_client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.exchangeCode(w, r.PostForm)
	case "refresh_token":
		p.refresh(w, r.PostForm)
	default:
		writeTokenError(w, "unsupported_grant_type")
	}
}

func (p *IdentityProvider) exchangeCode(w http.ResponseWriter, form url.Values) {
	p.mu.Lock()
	pending, ok := p.challenges[form.Get("code")]
	delete(p.challenges, form.Get("code"))
	p.mu.Unlock()

	if !ok || p.RejectExchange {
		writeTokenError(w, "invalid_grant")
		return
	}
	if pending.redirectURI != form.Get("redirect_uri") {
		writeTokenError(w, "redirect_uri_mismatch")
		return
	}
	sum := sha256.Sum256([]byte(form.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != pending.challenge {
		writeTokenError(w, "invalid_grant")
		return
	}

	p.mu.Lock()
	p.exchanges++
	p.mu.Unlock()

	p.writeTokens(w, p.RefreshToken)
}

func (p *IdentityProvider) refresh(w http.ResponseWriter, form url.Values) {
	if p.RejectRefresh || form.Get("refresh_token") != p.RefreshToken || form.Get("client_secret") == "" {
		writeTokenError(w, "invalid_grant")
		return
	}

	p.mu.Lock()
	p.refreshes++
	p.mu.Unlock()

	// Google omits the refresh token on refresh responses
	p.writeTokens(w, "")
}

func (p *IdentityProvider) writeTokens(w http.ResponseWriter, refreshToken string) {
	idToken, err := p.SignIDToken(p.ClientID, time.Now().Add(time.Hour))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	body := map[string]any{
		"access_token": "provider-access-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	}
	if refreshToken != "" {
		body["refresh_token"] = refreshToken
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func writeTokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
