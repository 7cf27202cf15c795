// Package oauthflow runs the interactive authorization-code login against the
// identity provider and turns the result into a persisted platform session.
//
// A Coordinator moves through these states:
//
//	Idle → AwaitingCallback → CodeReceived → ProviderTokensExchanged
//	     → PlatformSessionExchanged → Persisted
//
// Any non-terminal state can end in Failed. While AwaitingCallback, a one-shot
// HTTP listener on localhost accepts exactly one request to /callback and is
// shut down as soon as it has been handled, when the callback timeout elapses,
// or when the caller cancels the context. Only one flow runs per Coordinator;
// a second Login while one is active fails with ErrFlowInProgress instead of
// binding the port twice.
package oauthflow
