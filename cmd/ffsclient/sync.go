package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jkoelker/ffsclient/engine"
	"github.com/jkoelker/ffsclient/health"
	"github.com/jkoelker/ffsclient/log"
	"github.com/jkoelker/ffsclient/observability"
	"github.com/jkoelker/ffsclient/record"
	tlspkg "github.com/jkoelker/ffsclient/tls"
)

const defaultWatchInterval = 5 * time.Minute

var errBadInterval = errors.New("watch interval must be positive")

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "Fetch and decrypt collections changed since the last sync",
		ArgsUsage: "[collection...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "full", Usage: "Fetch every record, ignoring the stored marks"},
			&cli.BoolFlag{Name: "generate-keys", Usage: "Upload fresh collection keys when the server has none"},
			&cli.BoolFlag{Name: "watch", Usage: "Keep syncing on an interval and serve metrics and health"},
			&cli.DurationFlag{Name: "interval", Usage: "Interval between watch runs", Value: defaultWatchInterval},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "Metrics and health listen address in watch mode (empty to disable)",
				Sources: cli.EnvVars("FFSCLIENT_LISTEN_ADDR"),
			},
			&cli.BoolFlag{Name: "listen-tls", Usage: "Serve the watch endpoint over TLS"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			mode := engine.Incremental
			if cmd.Bool("full") {
				mode = engine.Full
			}

			collections := syncCollections(cmd.Args().Slice())

			eng, err := a.engine(cmd.Bool("generate-keys"), nil)
			if err != nil {
				return err
			}

			if !cmd.Bool("watch") {
				results, syncErr := eng.SyncAll(ctx, collections, mode)
				if err := printResult(cmd, results); err != nil {
					return err
				}

				return syncErr
			}

			interval := cmd.Duration("interval")
			if interval <= 0 {
				return errBadInterval
			}

			listen := a.cfg.ListenAddr
			if cmd.IsSet("listen") {
				listen = cmd.String("listen")
			}

			if cmd.IsSet("listen-tls") {
				a.cfg.ListenTLS = cmd.Bool("listen-tls")
			}

			return watch(ctx, cmd, a, eng, watchOptions{
				collections: collections,
				mode:        mode,
				interval:    interval,
				listen:      listen,
			})
		}),
	}
}

// syncCollections defaults to every supported collection.
func syncCollections(args []string) []string {
	if len(args) > 0 {
		return args
	}

	kinds := record.Kinds()
	collections := make([]string, 0, len(kinds))

	for _, kind := range kinds {
		collections = append(collections, string(kind))
	}

	return collections
}

// endpointTLS loads the endpoint certificate and keeps it fresh, or
// returns nil when TLS is off.
func endpointTLS(ctx context.Context, group *errgroup.Group, a *app) (*tls.Config, error) {
	if !a.cfg.ListenTLS {
		return nil, nil //nolint:nilnil // Plain HTTP
	}

	certs := tlspkg.NewManager(a.cfg.TLSCertPath, a.cfg.TLSKeyPath)
	if err := certs.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	group.Go(func() error {
		return certs.Watch(ctx)
	})

	return certs.Config(), nil
}

type watchOptions struct {
	collections []string
	mode        engine.Mode
	interval    time.Duration
	listen      string
}

// watch syncs on an interval until ctx is done. The first run honours the
// requested mode, later runs are incremental.
func watch(ctx context.Context, cmd *cli.Command, a *app, eng *engine.Engine, opts watchOptions) error {
	syncChecker := health.NewSyncChecker()

	manager := health.NewManager(health.DefaultConfig().Version)
	manager.AddChecker(health.NewStorageChecker(a.store))
	manager.AddChecker(health.NewTokenChecker(a.tokens))
	manager.AddChecker(syncChecker)

	group, ctx := errgroup.WithContext(ctx)

	if opts.listen != "" {
		tlsConfig, err := endpointTLS(ctx, group, a)
		if err != nil {
			return err
		}

		handler := observability.NewHandler(a.otel, health.NewHTTPHandler(manager))

		group.Go(func() error {
			return observability.Serve(ctx, opts.listen, handler, tlsConfig)
		})
	}

	group.Go(func() error {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()

		mode := opts.mode

		for {
			results, err := eng.SyncAll(ctx, opts.collections, mode)

			for _, result := range results {
				syncChecker.Observe(result)
			}

			if ctx.Err() != nil {
				return nil
			}

			if err != nil {
				log.Warn(ctx, "Sync run failed", "error", err)
			}

			if err := printResult(cmd, results); err != nil {
				return err
			}

			mode = engine.Incremental

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	return nil
}
