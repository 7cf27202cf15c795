package oauthflow

import (
	"context"
	"crypto/subtle"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// CallbackPath is the path the provider redirects to.
const CallbackPath = "/callback"

//go:embed templates/callback_success.html
var callbackSuccessHTML string

//go:embed templates/callback_error.html
var callbackErrorHTML string

var (
	successTemplate = template.Must(template.New("success").Parse(callbackSuccessHTML))
	errorTemplate   = template.Must(template.New("error").Parse(callbackErrorHTML))
)

// CallbackResult is the outcome of the single accepted callback request.
// Err is set when the callback must not lead to a token exchange.
type CallbackResult struct {
	Code  string
	State string
	Err   error
}

// CallbackServer is a one-shot local HTTP listener for the OAuth redirect.
// It accepts exactly one request to CallbackPath and is then shut down.
type CallbackServer struct {
	expectedState string
	redirectURI   string

	server   *http.Server
	resultCh chan CallbackResult
	errCh    chan error

	handled  sync.Once
	stopOnce sync.Once
	stopErr  error
}

// StartCallbackServer binds 127.0.0.1:port (0 picks a free port) and starts
// serving in the background. The listener is bound synchronously so that
// port-in-use errors are returned immediately. The caller must call Shutdown.
func StartCallbackServer(port uint16, expectedState string) (*CallbackServer, error) {
	address := net.JoinHostPort("127.0.0.1", strconv.FormatUint(uint64(port), 10))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	boundPort := listener.Addr().(*net.TCPAddr).Port
	s := &CallbackServer{
		expectedState: expectedState,
		redirectURI:   fmt.Sprintf("http://localhost:%d%s", boundPort, CallbackPath),
		resultCh:      make(chan CallbackResult, 1),
		errCh:         make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+CallbackPath, applyMiddlewares(http.HandlerFunc(s.handleCallback),
		Logging(slog.Default()),
		Recovery,
	))

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
	}()

	return s, nil
}

// RedirectURI returns the redirect URI to register in the authorization request.
func (s *CallbackServer) RedirectURI() string {
	return s.redirectURI
}

// Wait blocks until the callback arrives, the server fails, or ctx is done.
// On context expiry it returns context.Cause(ctx).
func (s *CallbackServer) Wait(ctx context.Context) (CallbackResult, error) {
	select {
	case result := <-s.resultCh:
		return result, nil
	case err := <-s.errCh:
		return CallbackResult{}, fmt.Errorf("callback server: %w", err)
	case <-ctx.Done():
		return CallbackResult{}, context.Cause(ctx)
	}
}

// Shutdown stops the server and releases the port. It waits for an in-flight
// callback response to be written. Safe to call more than once.
func (s *CallbackServer) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			s.stopErr = errors.Join(err, s.server.Close())
		}
	})
	return s.stopErr
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	handled := false
	s.handled.Do(func() {
		handled = true
		s.processCallback(w, r)
	})

	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

func (s *CallbackServer) processCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	result := CallbackResult{
		Code:  query.Get("code"),
		State: query.Get("state"),
	}

	// nothing in the query is trusted until the state matches this attempt
	switch {
	case result.State == "":
		result.Err = fmt.Errorf("%w: missing state parameter", ErrInvalidCallback)
		renderError(w, http.StatusBadRequest, "invalid_request", "The callback is missing the state parameter.")
	case subtle.ConstantTimeCompare([]byte(result.State), []byte(s.expectedState)) != 1:
		result.Err = ErrStateMismatch
		renderError(w, http.StatusBadRequest, "state_mismatch", "The sign-in response did not match this login attempt.")
	case query.Get("error") != "":
		result.Err = fmt.Errorf("%w: %s", ErrAuthorizationDenied, query.Get("error"))
		if desc := query.Get("error_description"); desc != "" {
			result.Err = fmt.Errorf("%w: %s (%s)", ErrAuthorizationDenied, query.Get("error"), desc)
		}
		renderError(w, http.StatusBadRequest, query.Get("error"), query.Get("error_description"))
	case result.Code == "":
		result.Err = fmt.Errorf("%w: missing code parameter", ErrInvalidCallback)
		renderError(w, http.StatusBadRequest, "invalid_request", "The callback is missing the code parameter.")
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = successTemplate.Execute(w, nil)
	}

	s.resultCh <- result
}

func renderError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = errorTemplate.Execute(w, map[string]string{
		"Error":       code,
		"Description": description,
	})
}
