package main

import (
	"context"
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/session"
	"github.com/urfave/cli/v2"
)

type contextKey int

const contextKeyProfile contextKey = iota

func getProfile(ctx *cli.Context) string {
	return ctx.Context.Value(contextKeyProfile).(string)
}

func resolveProfile(ctx *cli.Context) error {
	name := session.Resolve(ctx.String("profile"))
	if err := session.ValidateName(name); err != nil {
		return err
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyProfile, name)
	return nil
}

func main() {
	app := &cli.App{
		Name:  "chatsyncd",
		Usage: "Keep a local chat cache in sync with the chat service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "profile",
				Usage:   "profile name (overrides config default)",
				EnvVars: []string{"CHATSYNC_PROFILE"},
			},
		},
		Before: resolveProfile,
		Commands: []*cli.Command{
			runCommand,
			loginCommand,
			logoutCommand,
			resetCommand,
			statusCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
