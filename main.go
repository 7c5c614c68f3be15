package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"coach-collab/app"
	"coach-collab/pkg/config"
	"coach-collab/pkg/logutils"
)

func main() {
	cmd := &cli.Command{
		Name:  "coach-collab",
		Usage: "collaboration dev relay for the coaching notes editor",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the dev relay server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "listen address (overrides SERVER_HOST/SERVER_PORT)",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg := config.Load()

					log, closer, err := logutils.New(cfg.LogLevel, cfg.LogFile)
					if err != nil {
						return fmt.Errorf("setup logger: %w", err)
					}
					defer closer()

					server, err := app.NewServer(cfg, log)
					if err != nil {
						return fmt.Errorf("setup server: %w", err)
					}
					defer func() { _ = server.Close() }()

					return server.Start(c.String("addr"))
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
