package oauthflow

import "errors"

var (
	// ErrStateMismatch means the callback's state parameter did not match the
	// value generated for this flow (possible CSRF). The flow stops before any
	// token exchange.
	ErrStateMismatch = errors.New("oauth state mismatch")

	// ErrCallbackTimeout means no callback arrived within the callback timeout.
	ErrCallbackTimeout = errors.New("timed out waiting for oauth callback")

	// ErrFlowInProgress is returned when Login is called while another flow is active.
	ErrFlowInProgress = errors.New("a login flow is already in progress")

	// ErrAuthorizationDenied means the provider redirected back with an error,
	// e.g. the user declined consent.
	ErrAuthorizationDenied = errors.New("authorization denied by provider")

	// ErrInvalidCallback means the callback lacked the code or state parameter.
	ErrInvalidCallback = errors.New("invalid oauth callback")
)
