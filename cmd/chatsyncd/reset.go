package main

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/urfave/cli/v2"
)

var resetCommand = &cli.Command{
	Name:   "reset",
	Usage:  "Drop the local cache and recreate an empty schema",
	Action: cmdReset,
}

func cmdReset(ctx *cli.Context) error {
	profile := getProfile(ctx)
	lk, err := lock.Acquire(session.Dir(profile))
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(session.CachePath(profile))
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := db.Reset(ctx.Context)
	if err != nil {
		return fmt.Errorf("reset cache: %w", err)
	}
	fmt.Printf("Cache for profile %q reset (schema version %d)\n", profile, result.Version)
	return nil
}
