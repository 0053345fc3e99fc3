package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func sessionArg(c *cli.Command) (model.SessionID, error) {
	if c.Args().Len() != 1 {
		return "", goerr.New("exactly one session ID is required")
	}
	return model.SessionID(c.Args().First()), nil
}

func historyCommand() *cli.Command {
	var (
		cfg   config
		limit int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Number of most recent messages. 0 shows all",
			Value:       0,
			Destination: &limit,
		},
	}
	flags = append(flags, sessionFlags(&cfg)...)

	return &cli.Command{
		Name:      "history",
		Usage:     "Show messages of a session",
		ArgsUsage: "<session-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := sessionArg(c)
			if err != nil {
				return err
			}
			store, err := cfg.newSessionStore(ctx)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			for _, msg := range store.History(ctx, id, int(limit)) {
				fmt.Fprintf(w, "[%s] %s: %s\n", msg.Timestamp.Format("2006-01-02 15:04:05"), msg.Role.Title(), msg.Content)
			}
			return nil
		},
	}
}

func summaryCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "summary",
		Usage:     "Show statistics and topics of a session",
		ArgsUsage: "<session-id>",
		Flags:     sessionFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := sessionArg(c)
			if err != nil {
				return err
			}
			store, err := cfg.newSessionStore(ctx)
			if err != nil {
				return err
			}
			return printJSON(c.Root().Writer, store.Summary(ctx, id))
		},
	}
}

func deleteCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a session",
		ArgsUsage: "<session-id>",
		Flags:     sessionFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := sessionArg(c)
			if err != nil {
				return err
			}
			store, err := cfg.newSessionStore(ctx)
			if err != nil {
				return err
			}
			if !store.Delete(ctx, id) {
				return goerr.New("failed to delete session", goerr.V("session_id", id))
			}
			fmt.Fprintf(c.Root().Writer, "Deleted session %s\n", id)
			return nil
		},
	}
}

func sweepCommand() *cli.Command {
	var (
		cfg  config
		days int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "days",
			Usage:       "Delete sessions not updated for more than this many days",
			Value:       30,
			Sources:     cli.EnvVars("FINCTX_SWEEP_DAYS"),
			Destination: &days,
		},
	}
	flags = append(flags, sessionFlags(&cfg)...)

	return &cli.Command{
		Name:  "sweep",
		Usage: "Delete old sessions",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			store, err := cfg.newSessionStore(ctx)
			if err != nil {
				return err
			}
			n := store.Sweep(ctx, int(days))
			fmt.Fprintf(c.Root().Writer, "Deleted %d session(s)\n", n)
			return nil
		},
	}
}
