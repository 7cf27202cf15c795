package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/insights-cli/internal/app"
	"github.com/florianilch/insights-cli/internal/credentials"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the authentication method and session state",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print status as JSON",
			},
		},
		Action: statusAction,
	}
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	application, cleanup, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	status, err := application.Status(ctx)
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}

	out := cmd.Root().Writer
	if cmd.Bool("json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	renderStatus(out, status)
	return nil
}

func renderStatus(out io.Writer, status *app.Status) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)

	t.AppendRow(table.Row{text.FgHiCyan.Sprint("Method"), string(status.Method)})
	t.AppendRow(table.Row{text.FgHiCyan.Sprint("Platform"), status.PlatformURL})
	t.AppendRow(table.Row{text.FgHiCyan.Sprint("Authenticated"), yesNo(status.Authenticated)})

	if status.Method == credentials.MethodGoogleSSO {
		if status.Email != "" {
			t.AppendRow(table.Row{text.FgHiCyan.Sprint("Account"), status.Email})
		}
		if !status.ExpiresAt.IsZero() {
			t.AppendRow(table.Row{
				text.FgHiCyan.Sprint("Expires"),
				fmt.Sprintf("%s (%s)", status.ExpiresAt.Local().Format(time.RFC1123), formatExpiry(status.ExpiresAt)),
			})
			t.AppendRow(table.Row{text.FgHiCyan.Sprint("Refresh"), availability(status.Refreshable)})
		}
		t.AppendRow(table.Row{text.FgHiCyan.Sprint("Store"), status.StorePath})
	}

	t.Render()

	switch {
	case status.Method == credentials.MethodNone:
		fmt.Fprintln(out, text.FgYellow.Sprint("No credentials configured. Set auth.client_id and run: insights login"))
	case status.Method == credentials.MethodGoogleSSO && !status.Authenticated && !status.Refreshable:
		fmt.Fprintln(out, text.FgYellow.Sprint("Not signed in. Run: insights login"))
	}
}

func yesNo(ok bool) string {
	if ok {
		return text.FgGreen.Sprint("yes")
	}
	return text.FgRed.Sprint("no")
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "unavailable"
}

// formatExpiry returns a human-readable relative expiry.
func formatExpiry(expiresAt time.Time) string {
	remaining := time.Until(expiresAt)
	if remaining > 0 {
		return "in " + formatDuration(remaining)
	}
	return text.FgYellow.Sprintf("expired %s ago", formatDuration(-remaining))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "< 1 minute"
	case d < time.Hour:
		return plural(int(d.Minutes()), "minute")
	case d < 24*time.Hour:
		return plural(int(d.Hours()), "hour")
	default:
		return plural(int(d.Hours()/24), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
