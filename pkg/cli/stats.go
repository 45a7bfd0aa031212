package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

type statsOutput struct {
	*model.Stats
	Health model.Health `json:"health"`
}

func statsCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "stats",
		Usage: "Show record counts per tier and store health",
		Flags: globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			orch, closer, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer closer()
			ctx = logging.With(ctx, logging.Default())

			stats, err := orch.GetStats(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to get stats")
			}
			return printJSON(c.Root().Writer, statsOutput{
				Stats:  stats,
				Health: orch.GetHealth(),
			})
		},
	}
}
