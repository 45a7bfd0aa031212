package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func promoteCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "promote",
		Usage:     "Promote eligible threats to short-term memory. Sweeps all active threats if no ID is given",
		ArgsUsage: "[threat-id]",
		Flags:     globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			orch, closer, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer closer()
			ctx = logging.With(ctx, logging.Default())

			if c.Args().Len() == 0 {
				result, err := orch.PromoteEligible(ctx)
				if err != nil {
					return goerr.Wrap(err, "failed to promote threats")
				}
				return printJSON(c.Root().Writer, result)
			}

			id := model.ThreatID(c.Args().First())
			mem, created, err := orch.Promote(ctx, id)
			if err != nil {
				return goerr.Wrap(err, "failed to promote threat")
			}
			if mem == nil {
				fmt.Fprintf(c.Root().Writer, "Threat %s is not eligible for promotion\n", id)
				return nil
			}
			if !created {
				fmt.Fprintf(c.Root().Writer, "Threat %s was already promoted, refreshed %s\n", id, mem.ID)
				return nil
			}
			return printJSON(c.Root().Writer, mem)
		},
	}
}

func topCommand() *cli.Command {
	var (
		cfg   config
		limit int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Maximum number of memories to show",
			Value:       10,
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "top",
		Usage: "List the highest scoring short-term memories",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			orch, closer, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer closer()
			ctx = logging.With(ctx, logging.Default())

			memories, err := orch.GetTopThreats(ctx, int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to get top threats")
			}

			for _, m := range memories {
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%.2f\t%.2f\t%s\n",
					m.ThreatID, m.Severity, m.Score, m.Confidence, m.PromotedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}
