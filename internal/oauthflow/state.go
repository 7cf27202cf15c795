package oauthflow

// State is a step of the login flow.
type State int

const (
	StateIdle State = iota
	StateAwaitingCallback
	StateCodeReceived
	StateProviderTokensExchanged
	StatePlatformSessionExchanged
	StatePersisted
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateCodeReceived:
		return "code_received"
	case StateProviderTokensExchanged:
		return "provider_tokens_exchanged"
	case StatePlatformSessionExchanged:
		return "platform_session_exchanged"
	case StatePersisted:
		return "persisted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StatePersisted || s == StateFailed
}
