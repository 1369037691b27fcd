package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jkoelker/ffsclient/api"
	"github.com/jkoelker/ffsclient/auth"
	"github.com/jkoelker/ffsclient/health"
)

var errUnhealthy = errors.New("unhealthy")

// tokenSummary describes a sync token without its secrets.
type tokenSummary struct {
	Endpoint  string    `json:"endpoint"`
	UID       int64     `json:"uid"`
	HashAlg   string    `json:"hashalg,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	Valid     bool      `json:"valid"`
}

func summarize(token *auth.SyncToken) *tokenSummary {
	if token == nil {
		return nil
	}

	return &tokenSummary{
		Endpoint:  token.Endpoint,
		UID:       token.UID,
		HashAlg:   token.HashAlg,
		ExpiresAt: token.ExpiresAt,
		Valid:     token.Valid(),
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Inspect or refresh the cached sync token",
		Commands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Show the cached sync token",
				Action: withApp(func(_ context.Context, cmd *cli.Command, a *app) error {
					return printResult(cmd, summarize(a.tokens.Current()))
				}),
			},
			{
				Name:  "refresh",
				Usage: "Exchange the session for a fresh sync token",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					if a.session == nil {
						return errNotLoggedIn
					}

					token, err := a.tokens.Refresh(ctx, a.tokens.Current())
					if err != nil {
						return fmt.Errorf("token refresh: %w", err)
					}

					return printResult(cmd, summarize(token))
				}),
			},
		},
	}
}

type statusResult struct {
	Account string           `json:"account,omitempty"`
	Token   *tokenSummary    `json:"token,omitempty"`
	Marks   map[string]int64 `json:"marks"`
	Quota   *api.Quota       `json:"quota,omitempty"`
	Health  health.Response  `json:"health"`
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Check the session, the token and both servers",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			manager := health.NewManager(health.DefaultConfig().Version)
			manager.AddChecker(health.NewStorageChecker(a.store))
			manager.AddChecker(health.NewTokenChecker(a.tokens))

			result := statusResult{}

			if a.session != nil {
				result.Account = a.session.Account

				manager.AddChecker(health.NewServerChecker("auth_server", a.auth.Status))

				// Checks run in order, so the probe may fill in the result.
				manager.AddChecker(health.NewServerChecker("storage_server", func(ctx context.Context) error {
					quota, err := a.storage.Quota(ctx)
					if err != nil {
						return err //nolint:wrapcheck // Reported by the checker
					}

					result.Quota = &quota

					return nil
				}))
			}

			result.Health = manager.CheckReadiness(ctx)
			result.Token = summarize(a.tokens.Current())

			marks, err := a.store.Marks(ctx)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			result.Marks = marks

			if err := printResult(cmd, result); err != nil {
				return err
			}

			if result.Health.Status == health.StatusUnhealthy {
				return errUnhealthy
			}

			if a.session == nil {
				return errNotLoggedIn
			}

			return nil
		}),
	}
}
