package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/insights-cli/internal/app"
	"github.com/florianilch/insights-cli/internal/oauthflow"
	"github.com/florianilch/insights-cli/internal/platform"
	"github.com/florianilch/insights-cli/internal/tokensource"
)

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "sign in with Google and store the platform session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "auth--client-id",
				Usage: "OAuth client id",
			},
			&cli.IntFlag{
				Name:  "auth--callback-port",
				Usage: "local port for the OAuth redirect",
				Value: app.DefaultConfigCallbackPort,
			},
			&cli.DurationFlag{
				Name:  "auth--callback-timeout",
				Usage: "how long to wait for the browser sign-in",
				Value: app.DefaultConfigCallbackTimeout,
			},
			&cli.BoolFlag{
				Name:  "auth--open-browser",
				Usage: "open the sign-in page in the default browser",
				Value: true,
			},
		},
		Action: loginAction,
	}
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	out := cmd.Root().Writer
	progress := newLoginProgress(out)
	defer progress.stop()

	application, cleanup, err := setup(ctx, cmd,
		app.WithPrompt(func(authURL string) {
			fmt.Fprintf(out, "Open this URL to sign in:\n\n  %s\n\n", authURL)
		}),
		app.WithLoginObserver(progress.observe),
	)
	if err != nil {
		return err
	}
	defer cleanup()

	record, err := application.Login(ctx)
	progress.stop()
	if err != nil {
		return explainLoginError(err)
	}

	fmt.Fprintf(out, "%s Signed in to %s as %s\n",
		text.FgGreen.Sprint("✓"), record.PlatformURL, record.Email)
	fmt.Fprintf(out, "  Session expires %s (%s)\n",
		record.SessionExpiry().Local().Format(time.RFC1123), formatExpiry(record.SessionExpiry()))
	if !record.CanRefresh() {
		fmt.Fprintln(out, text.FgYellow.Sprint("  No refresh token was issued, run login again once the session expires."))
	}
	return nil
}

// explainLoginError adds a hint for failures the user can act on.
func explainLoginError(err error) error {
	var hint string
	switch {
	case errors.Is(err, oauthflow.ErrCallbackTimeout):
		hint = "the browser sign-in was not completed in time, run login again"
	case errors.Is(err, oauthflow.ErrStateMismatch):
		hint = "the sign-in response did not belong to this login attempt and was rejected"
	case errors.Is(err, oauthflow.ErrAuthorizationDenied):
		hint = "access was not granted on the consent screen"
	case errors.Is(err, oauthflow.ErrFlowInProgress):
		hint = "another login is already waiting for the browser"
	case errors.Is(err, platform.ErrSessionExchange):
		hint = "your Google account is not allowed on this platform, ask an administrator for access"
	case errors.Is(err, tokensource.ErrTokenExchange):
		hint = "Google rejected the sign-in, check auth.client_id and auth.client_secret"
	case errors.Is(err, app.ErrNoCredentials):
		hint = "set auth.client_id (INSIGHTS_AUTH__CLIENT_ID) to sign in with Google"
	default:
		return fmt.Errorf("login failed: %w", err)
	}
	return fmt.Errorf("login failed: %s: %w", hint, err)
}

// loginProgress shows a spinner while waiting for the browser when out is a terminal.
type loginProgress struct {
	spinner *spinner.Spinner
}

func newLoginProgress(out io.Writer) *loginProgress {
	if !isTerminal(out) {
		return &loginProgress{}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	s.Suffix = " Waiting for browser sign-in..."
	return &loginProgress{spinner: s}
}

func (p *loginProgress) observe(state oauthflow.State) {
	if p.spinner == nil {
		return
	}
	switch {
	case state == oauthflow.StateAwaitingCallback:
		p.spinner.Start()
	case state == oauthflow.StateCodeReceived:
		p.spinner.Lock()
		p.spinner.Suffix = " Completing sign-in..."
		p.spinner.Unlock()
	case state.Terminal():
		p.spinner.Stop()
	}
}

func (p *loginProgress) stop() {
	if p.spinner != nil {
		p.spinner.Stop()
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
