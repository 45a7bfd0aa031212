package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/export"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func exportCommand() *cli.Command {
	var (
		cfg              config
		target           string
		memoryType       string
		includeShortTerm bool
		minScore         float64
		minConfidence    float64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "target",
			Usage:       "Export target (storage, bigquery, firestore)",
			Value:       "storage",
			Sources:     cli.EnvVars("THREATMEM_EXPORT_TARGET"),
			Destination: &target,
		},
		&cli.StringFlag{
			Name:        "type",
			Usage:       "Export only long-term memories of this type",
			Destination: &memoryType,
		},
		&cli.BoolFlag{
			Name:        "short-term",
			Usage:       "Also export qualifying short-term memories",
			Destination: &includeShortTerm,
		},
		&cli.FloatFlag{
			Name:        "min-score",
			Usage:       "Minimum score of exported short-term memories",
			Value:       0.7,
			Destination: &minScore,
		},
		&cli.FloatFlag{
			Name:        "min-confidence",
			Usage:       "Minimum confidence of exported short-term memories",
			Value:       0.8,
			Destination: &minConfidence,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, exportFlags(&cfg)...)

	return &cli.Command{
		Name:  "export",
		Usage: "Export long-term memory, and optionally short-term memory, to Google Cloud",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			orch, closer, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer closer()
			ctx = logging.With(ctx, logging.Default())

			sink, err := cfg.newSink(ctx, target)
			if err != nil {
				return err
			}
			defer func() {
				if err := sink.Close(); err != nil {
					logging.From(ctx).Warn("failed to close export sink", "error", err)
				}
			}()

			summary, err := export.New(orch).Export(ctx, sink, export.Options{
				MemoryType:       model.MemoryType(memoryType),
				IncludeShortTerm: includeShortTerm,
				MinScore:         minScore,
				MinConfidence:    minConfidence,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to export memories", goerr.V("target", target))
			}
			return printJSON(c.Root().Writer, summary)
		},
	}
}
