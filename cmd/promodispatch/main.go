package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "promodispatch",
		Usage:   "Deliver promotional messages through a chat transport session",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.yaml",
				Usage:   "path to the config file (yaml or json)",
				Sources: cli.EnvVars("PROMODISPATCH_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file loaded before the config (ignored when missing)",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, loadEnvFile(cmd.String("env-file"))
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the dispatcher until SIGINT/SIGTERM",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runDaemon(ctx, cmd.String("config"))
				},
			},
			{
				Name:  "validate",
				Usage: "Check the config file and exit",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runValidate(cmd.String("config"))
				},
			},
			{
				Name:  "status",
				Usage: "Show a message's status and outcome history",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "id",
						Aliases:  []string{"i"},
						Required: true,
						Usage:    "message id",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runStatus(ctx, cmd.String("config"), cmd.String("id"))
				},
			},
			{
				Name:  "send",
				Usage: "Start the dispatcher, enqueue one message and wait for its outcome",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true, Usage: "message id (idempotency key)"},
					&cli.StringFlag{Name: "to", Required: true, Usage: "recipient address"},
					&cli.StringFlag{Name: "text", Required: true, Usage: "message payload"},
					&cli.DurationFlag{Name: "wait", Value: defaultSendWait, Usage: "how long to wait for a final outcome"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runSend(ctx, cmd.String("config"), cmd.String("id"), cmd.String("to"), cmd.String("text"), cmd.Duration("wait"))
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
