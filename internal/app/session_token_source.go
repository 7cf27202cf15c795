package app

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/florianilch/insights-cli/internal/session"
	"github.com/florianilch/insights-cli/internal/tokenstore"
)

// SessionTokenType is the token type reported for platform session tokens.
const SessionTokenType = "Session"

// SessionTokenSource exposes the federated platform session as an oauth2.TokenSource.
// Every Token call goes through the session manager, which refreshes lazily.
type SessionTokenSource struct {
	sessions *session.Manager
}

// Compile-time check to ensure SessionTokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*SessionTokenSource)(nil)

// NewSessionTokenSource creates a SessionTokenSource. No I/O is performed
// until the first Token call.
func NewSessionTokenSource(sessions *session.Manager) (*SessionTokenSource, error) {
	if sessions == nil {
		return nil, fmt.Errorf("missing session manager")
	}
	return &SessionTokenSource{sessions: sessions}, nil
}

// Token returns a usable session token. Its expiry is moved forward by
// tokenstore.ExpiryBuffer so that caching wrappers such as
// oauth2.ReuseTokenSource come back before the session becomes unusable.
func (s *SessionTokenSource) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter (legacy interface limitation)
	token, err := s.sessions.Token(context.Background())
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken: token.Value,
		TokenType:   SessionTokenType,
		Expiry:      token.ExpiresAt.Add(-tokenstore.ExpiryBuffer),
	}, nil
}
