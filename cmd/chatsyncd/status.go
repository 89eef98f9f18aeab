package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	errs "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/urfave/cli/v2"
)

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Show the stored session and cache schema",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "json", Usage: "output in JSON format"},
	},
	Action: cmdStatus,
}

type statusReport struct {
	Profile       string     `json:"profile"`
	DaemonPID     int        `json:"daemonPid,omitempty"`
	LoggedIn      bool       `json:"loggedIn"`
	UserID        string     `json:"userId,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Expired       bool       `json:"expired,omitempty"`
	SchemaVersion uint       `json:"schemaVersion"`
	SchemaDirty   bool       `json:"schemaDirty,omitempty"`
}

func cmdStatus(ctx *cli.Context) error {
	profile := getProfile(ctx)
	report := statusReport{Profile: profile}

	holder, running := lock.Inspect(session.Dir(profile))
	if running {
		report.DaemonPID = holder.PID
	} else if err := readSession(profile, &report); err != nil {
		return err
	}

	if _, err := os.Stat(session.CachePath(profile)); err == nil {
		db, err := store.Open(session.CachePath(profile))
		if err != nil {
			return err
		}
		report.SchemaVersion, report.SchemaDirty, err = db.SchemaVersion(ctx.Context)
		_ = db.Close()
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
	}

	if ctx.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStatus(report, running)
	return nil
}

func readSession(profile string, report *statusReport) error {
	if _, err := os.Stat(session.CredentialsPath(profile)); err != nil {
		return nil
	}
	creds, err := session.OpenStore(session.CredentialsPath(profile))
	if err != nil {
		return err
	}
	defer creds.Close()

	c, err := creds.Load()
	if errors.Is(err, errs.ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}
	report.LoggedIn = true
	report.UserID = c.UserID
	if !c.ExpiresAt.IsZero() {
		exp := c.ExpiresAt
		report.ExpiresAt = &exp
		report.Expired = c.Expired(time.Now())
	}
	return nil
}

func printStatus(r statusReport, running bool) {
	fmt.Printf("Profile:  %s\n", r.Profile)
	if running {
		fmt.Printf("Daemon:   running (PID %d)\n", r.DaemonPID)
	} else {
		fmt.Println("Daemon:   stopped")
		switch {
		case !r.LoggedIn:
			fmt.Println("Session:  none (run chatsyncd login)")
		case r.Expired:
			fmt.Printf("Session:  expired at %s\n", r.ExpiresAt.Format(time.RFC3339))
		default:
			fmt.Printf("Session:  active")
			if r.UserID != "" {
				fmt.Printf(" as %s", r.UserID)
			}
			fmt.Println()
		}
	}
	dirty := ""
	if r.SchemaDirty {
		dirty = " (dirty)"
	}
	fmt.Printf("Schema:   version %d%s\n", r.SchemaVersion, dirty)
}
