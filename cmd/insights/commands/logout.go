package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "remove the stored session",
		Action: logoutAction,
	}
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	application, cleanup, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := application.Logout(ctx); err != nil {
		return err
	}

	fmt.Fprintln(cmd.Root().Writer, "Logged out.")
	return nil
}
