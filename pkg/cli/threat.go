package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func interactCommand() *cli.Command {
	var (
		cfg        config
		analystID  string
		actionType string
		timeSpent  int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "analyst",
			Usage:       "Analyst ID",
			Required:    true,
			Sources:     cli.EnvVars("THREATMEM_ANALYST"),
			Destination: &analystID,
		},
		&cli.StringFlag{
			Name:        "action",
			Usage:       "Action type (view, escalate, dismiss)",
			Value:       string(model.ActionView),
			Destination: &actionType,
		},
		&cli.IntFlag{
			Name:        "time-spent",
			Usage:       "Seconds the analyst spent on the threat",
			Destination: &timeSpent,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "interact",
		Usage:     "Record an analyst interaction with an active threat",
		ArgsUsage: "<threat-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return goerr.New("threat ID is required")
			}
			id := model.ThreatID(c.Args().First())

			orch, closer, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer closer()
			ctx = logging.With(ctx, logging.Default())

			threat, err := orch.RecordAction(ctx, id, model.AnalystAction{
				AnalystID:        analystID,
				ActionType:       model.ActionType(actionType),
				TimeSpentSeconds: int(timeSpent),
			})
			if err != nil {
				return goerr.Wrap(err, "failed to record interaction")
			}
			return printJSON(c.Root().Writer, threat)
		},
	}
}

func getCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "get",
		Usage:     "Look up a threat in working memory, falling back to short-term memory",
		ArgsUsage: "<threat-id>",
		Flags:     globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return goerr.New("threat ID is required")
			}
			id := model.ThreatID(c.Args().First())

			orch, closer, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer closer()
			ctx = logging.With(ctx, logging.Default())

			result, err := orch.IntelligentGet(ctx, id)
			if err != nil {
				return goerr.Wrap(err, "failed to get threat")
			}
			return printJSON(c.Root().Writer, result)
		},
	}
}
