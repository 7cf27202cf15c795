// Package credentials decides which authentication method is active.
package credentials

import "strings"

// Method identifies an authentication method.
type Method string

const (
	MethodNone      Method = "none"
	MethodAPIKey    Method = "api_key"
	MethodGoogleSSO Method = "google_sso"
	MethodSession   Method = "session"
)

// Inputs are the configured credential values. Blank values count as unset.
type Inputs struct {
	APIKey   string
	ClientID string
	Email    string
	Password string
}

// Resolve selects the active method with fixed priority: API key, then
// federated identity (client id), then email/password. It returns MethodNone
// when nothing usable is configured.
func Resolve(in Inputs) Method {
	switch {
	case isSet(in.APIKey):
		return MethodAPIKey
	case isSet(in.ClientID):
		return MethodGoogleSSO
	case isSet(in.Email) && isSet(in.Password):
		return MethodSession
	default:
		return MethodNone
	}
}

func isSet(v string) bool {
	return strings.TrimSpace(v) != ""
}
