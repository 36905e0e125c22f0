package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"remindbot/internal/app"
)

var version = "dev"

func main() {
	var cfgPath string

	root := &cli.Command{
		Name:    "remindbot",
		Usage:   "Natural-language reminders over HTTP, Telegram and WhatsApp",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (json or yaml)",
				Sources:     cli.EnvVars("REMINDBOT_CONFIG"),
				Value:       "./config.json",
				Destination: &cfgPath,
			},
		},
		Commands: []*cli.Command{
			serveCmd(&cfgPath),
			remindersCmd(&cfgPath),
			tokenCmd(&cfgPath),
			configCmd(&cfgPath),
		},
		DefaultCommand: "serve",
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serveCmd(cfgPath *string) *cli.Command {
	var stopTimeout time.Duration
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the reminder service",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:        "stop-timeout",
				Usage:       "upper bound for graceful shutdown",
				Value:       10 * time.Second,
				Destination: &stopTimeout,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := app.NewApp(*cfgPath)
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			if err := a.Start(ctx); err != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopAppStop
			select {
			case sig := <-sigs:
				reason = app.StopReasonForSignal(sig)
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

func configCmd(cfgPath *string) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Config helpers",
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Parse and validate the config file",
				Action: func(ctx context.Context, c *cli.Command) error {
					st, _, err := app.OpenStore(*cfgPath)
					if err != nil {
						return err
					}
					if err := st.Close(); err != nil {
						return err
					}
					fmt.Fprintln(c.Root().Writer, "config ok:", *cfgPath)
					return nil
				},
			},
		},
	}
}

var errUsage = errors.New("usage error")
