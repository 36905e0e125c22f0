package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"remindbot/internal/app"
	"remindbot/internal/config"
	"remindbot/internal/reminder"
)

func remindersCmd(cfgPath *string) *cli.Command {
	var (
		user  string
		limit int
	)
	return &cli.Command{
		Name:  "reminders",
		Usage: "Inspect and cancel stored reminders",
		Commands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "List reminders (one user, or everything pending)",
				UsageText: "remindbot reminders list [--user ID] [--limit N]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "owner id, e.g. telegram:12345", Destination: &user},
					&cli.IntFlag{Name: "limit", Value: 50, Destination: &limit},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					st, cfg, err := app.OpenStore(*cfgPath)
					if err != nil {
						return err
					}
					defer st.Close()

					var rs []reminder.Reminder
					if strings.TrimSpace(user) != "" {
						rs, err = st.ListByOwner(ctx, user, limit)
					} else {
						rs, err = st.ListPending(ctx, nil)
					}
					if err != nil {
						return fmt.Errorf("list reminders: %w", err)
					}
					loc, err := cfg.Location()
					if err != nil {
						return err
					}

					out := c.Root().Writer
					if len(rs) == 0 {
						fmt.Fprintln(out, "no reminders")
						return nil
					}
					w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tOWNER\tSTATUS\tREMIND AT\tTASK")
					for _, r := range rs {
						fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.OwnerID, r.Status, r.FireAt.In(loc).Format(time.RFC3339), r.Task)
					}
					return w.Flush()
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a pending reminder",
				UsageText: "remindbot reminders cancel ID",
				Action: func(ctx context.Context, c *cli.Command) error {
					id, err := strconv.ParseInt(c.Args().First(), 10, 64)
					if err != nil || id <= 0 {
						return fmt.Errorf("%w: reminder id must be a positive integer", errUsage)
					}
					st, _, err := app.OpenStore(*cfgPath)
					if err != nil {
						return err
					}
					defer st.Close()

					r, err := st.MarkCancelled(ctx, id)
					switch {
					case errors.Is(err, reminder.ErrNotFound):
						return fmt.Errorf("reminder %d not found", id)
					case errors.Is(err, reminder.ErrInvalidTransition):
						return fmt.Errorf("reminder %d is already %s", id, strings.ToLower(string(r.Status)))
					case err != nil:
						return err
					}
					fmt.Fprintf(c.Root().Writer, "cancelled reminder %d (%s)\n", r.ID, r.Task)
					return nil
				},
			},
		},
	}
}

func tokenCmd(cfgPath *string) *cli.Command {
	var (
		user string
		ttl  time.Duration
	)
	return &cli.Command{
		Name:  "token",
		Usage: "Mint an API token for a user",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true, Destination: &user},
			&cli.DurationFlag{Name: "ttl", Value: 30 * 24 * time.Hour, Destination: &ttl},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.NewManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			auth := app.MapAuth(cfg)
			if !auth.Enabled() {
				return errors.New("server.auth.jwt_secret is empty; tokens are not used")
			}
			tok, err := auth.GenerateToken(user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.Root().Writer, tok)
			return nil
		},
	}
}
