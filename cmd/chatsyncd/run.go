package main

import (
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Run the sync engine until interrupted",
	Action: cmdRun,
}

func cmdRun(ctx *cli.Context) error {
	app := fx.New(
		daemon.Module(daemon.Params{Profile: getProfile(ctx)}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}
