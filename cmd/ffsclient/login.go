package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/jkoelker/ffsclient/auth"
	"github.com/jkoelker/ffsclient/log"
)

var errUnknownStrategy = errors.New("unknown login strategy")

type loginResult struct {
	Account   string    `json:"account"`
	UID       string    `json:"uid,omitempty"`
	Strategy  string    `json:"strategy"`
	Endpoint  string    `json:"endpoint"`
	ExpiresAt time.Time `json:"token_expires_at"`
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Log in to Firefox Accounts and cache the session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "strategy",
				Usage:   "Login strategy (password or refresh-token)",
				Value:   auth.PasswordStrategy{}.Name(),
				Sources: cli.EnvVars("FFSCLIENT_STRATEGY"),
			},
			&cli.StringFlag{Name: "email", Usage: "Account email", Sources: cli.EnvVars("FFSCLIENT_EMAIL")},
			&cli.StringFlag{Name: "password", Usage: "Account password", Sources: cli.EnvVars("FFSCLIENT_PASSWORD")},
			&cli.BoolFlag{Name: "password-stdin", Usage: "Read the password from stdin"},
			&cli.StringFlag{Name: "otp", Usage: "Current two-factor code"},
			&cli.StringFlag{
				Name:    "refresh-token",
				Usage:   "OAuth refresh token (refresh-token strategy)",
				Sources: cli.EnvVars("FFSCLIENT_REFRESH_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "sync-key",
				Usage:   "Hex encoded sync key (refresh-token strategy)",
				Sources: cli.EnvVars("FFSCLIENT_SYNC_KEY"),
			},
			&cli.StringFlag{Name: "key-id", Usage: "Key id of the sync key (refresh-token strategy)"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			strategy, creds, err := loginCredentials(cmd)
			if err != nil {
				return err
			}

			a.auth = a.newAuthClient(strategy)

			token, err := a.auth.Authenticate(ctx, creds)
			if errors.Is(err, auth.ErrTwoFactorRequired) && creds.OTP == "" {
				return fmt.Errorf("%w: pass the current code with --otp", err)
			}

			if err != nil {
				return fmt.Errorf("login: %w", err)
			}

			a.session = a.auth.Session()
			a.setTokens(token)

			if err := a.store.SaveSyncToken(ctx, token, token.ExpiresAt); err != nil {
				log.Warn(ctx, "Failed to cache sync token", "error", err)
			}

			return printResult(cmd, loginResult{
				Account:   a.session.Account,
				UID:       a.session.UID,
				Strategy:  a.session.Strategy,
				Endpoint:  token.Endpoint,
				ExpiresAt: token.ExpiresAt,
			})
		}),
	}
}

// loginCredentials collects the credentials the selected strategy needs.
func loginCredentials(cmd *cli.Command) (auth.Strategy, auth.Credentials, error) {
	creds := auth.Credentials{
		Account: cmd.String("email"),
		OTP:     strings.TrimSpace(cmd.String("otp")),
	}

	switch name := cmd.String("strategy"); name {
	case auth.PasswordStrategy{}.Name():
		password := cmd.String("password")

		if cmd.Bool("password-stdin") {
			line, err := bufio.NewReader(cmd.Root().Reader).ReadString('\n')
			if err != nil && line == "" {
				return nil, creds, fmt.Errorf("read password: %w", err)
			}

			password = strings.TrimRight(line, "\r\n")
		}

		if password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprint(cmd.Root().ErrWriter, "Password: ")

			secret, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(cmd.Root().ErrWriter)

			if err != nil {
				return nil, creds, fmt.Errorf("read password: %w", err)
			}

			password = string(secret)
		}

		creds.Secret = password

		return auth.PasswordStrategy{}, creds, nil
	case auth.RefreshTokenStrategy{}.Name():
		syncKey, err := hex.DecodeString(cmd.String("sync-key"))
		if err != nil {
			return nil, creds, fmt.Errorf("invalid sync key: %w", err)
		}

		creds.Secret = cmd.String("refresh-token")
		creds.SyncKey = syncKey
		creds.KeyID = cmd.String("key-id")

		return auth.RefreshTokenStrategy{}, creds, nil
	default:
		return nil, creds, fmt.Errorf("%w %q", errUnknownStrategy, name)
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Destroy the session and forget all local state",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if a.session == nil {
				return errNotLoggedIn
			}

			a.auth.Logout(ctx)

			if err := a.store.DeleteSession(ctx); err != nil {
				return fmt.Errorf("logout: %w", err)
			}

			log.Info(ctx, "Logged out", "account", a.session.Account)

			return printResult(cmd, map[string]string{"account": a.session.Account, "status": "logged_out"})
		}),
	}
}
