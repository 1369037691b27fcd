// Command ffsclient reads and writes Firefox Sync collections from the
// command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newCommand().Run(ctx, args)
}

// newCommand builds the command tree.
func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "ffsclient",
		Usage: "Firefox Sync 1.5 client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output format (json or yaml)",
				Sources: cli.EnvVars("FFSCLIENT_OUTPUT"),
				Value:   formatJSON,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if _, err := parseFormat(cmd.String("output")); err != nil {
				return ctx, err
			}

			return ctx, nil
		},
		Commands: []*cli.Command{
			loginCommand(),
			logoutCommand(),
			collectionsCommand(),
			syncCommand(),
			getCommand(),
			putCommand(),
			deleteCommand(),
			tokenCommand(),
			statusCommand(),
		},
	}
}
