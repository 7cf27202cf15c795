package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionPath is the session-exchange endpoint served by Platform.
const SessionPath = "/api/auth/google"

// Platform is a fake insights platform serving the session-exchange endpoint.
type Platform struct {
	Server *httptest.Server

	// SessionTTL is the lifetime of issued sessions (default 14 days).
	SessionTTL time.Duration
	// Reject makes the exchange fail with 403 and an explanatory message.
	Reject bool
	// OmitExpiry leaves expires_at out of successful responses.
	OmitExpiry bool

	mu        sync.Mutex
	exchanges int
	lastToken string
}

// NewPlatform starts a fake platform that is closed with the test.
func NewPlatform(t *testing.T) *Platform {
	t.Helper()

	p := &Platform{SessionTTL: 14 * 24 * time.Hour}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+SessionPath, p.handleExchange)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)

	return p
}

// URL returns the platform base URL.
func (p *Platform) URL() string {
	return p.Server.URL
}

// Exchanges returns how many sessions were issued.
func (p *Platform) Exchanges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

// LastIDToken returns the most recently submitted ID token.
func (p *Platform) LastIDToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastToken
}

func (p *Platform) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IDToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id_token is required"})
		return
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(req.IDToken, claims); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "malformed id_token"})
		return
	}
	email, _ := claims["email"].(string)

	if p.Reject {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": fmt.Sprintf("no insights account is associated with %s", email),
		})
		return
	}

	p.mu.Lock()
	p.exchanges++
	p.lastToken = req.IDToken
	n := p.exchanges
	p.mu.Unlock()

	body := map[string]any{
		"session_token": fmt.Sprintf("platform-session-%d", n),
		"email":         email,
	}
	if !p.OmitExpiry {
		body["expires_at"] = time.Now().Add(p.SessionTTL).UnixMilli()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
