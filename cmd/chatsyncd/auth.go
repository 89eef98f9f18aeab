package main

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/urfave/cli/v2"
)

var loginCommand = &cli.Command{
	Name:  "login",
	Usage: "Store the session token issued by the chat service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "token",
			Usage:    "access token",
			EnvVars:  []string{"CHATSYNC_TOKEN"},
			Required: true,
		},
		&cli.StringFlag{
			Name:  "refresh",
			Usage: "refresh token",
		},
		&cli.TimestampFlag{
			Name:   "expires-at",
			Usage:  "token expiry; read from the JWT exp claim when omitted",
			Layout: time.RFC3339,
		},
	},
	Action: cmdLogin,
}

var logoutCommand = &cli.Command{
	Name:   "logout",
	Usage:  "Forget the stored session",
	Action: cmdLogout,
}

// openCredentials refuses to touch the session file while a daemon owns
// the profile.
func openCredentials(profile string) (*session.Store, error) {
	if h, held := lock.Inspect(session.Dir(profile)); held {
		return nil, fmt.Errorf("profile %q is in use by chatsyncd (PID %d); stop it first", profile, h.PID)
	}
	return session.OpenStore(session.CredentialsPath(profile))
}

func cmdLogin(ctx *cli.Context) error {
	profile := getProfile(ctx)
	creds, err := openCredentials(profile)
	if err != nil {
		return err
	}
	defer creds.Close()

	c := session.Credentials{
		AccessToken:  ctx.String("token"),
		RefreshToken: ctx.String("refresh"),
	}
	if exp := ctx.Timestamp("expires-at"); exp != nil {
		c.ExpiresAt = *exp
	}
	if err := creds.Save(c); err != nil {
		return err
	}

	saved, err := creds.Load()
	if err != nil {
		return err
	}
	fmt.Printf("Logged in to profile %q", profile)
	if saved.UserID != "" {
		fmt.Printf(" as %s", saved.UserID)
	}
	if !saved.ExpiresAt.IsZero() {
		fmt.Printf(", token expires %s", saved.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	return nil
}

func cmdLogout(ctx *cli.Context) error {
	profile := getProfile(ctx)
	creds, err := openCredentials(profile)
	if err != nil {
		return err
	}
	defer creds.Close()

	if err := creds.Clear(); err != nil {
		return err
	}
	fmt.Printf("Logged out of profile %q\n", profile)
	return nil
}
