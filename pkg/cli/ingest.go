package cli

import (
	"context"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func ingestCommand() *cli.Command {
	var (
		cfg       config
		inputPath string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "Path to JSON file with threats or raw events. Reads stdin if empty",
			Sources:     cli.EnvVars("THREATMEM_INPUT"),
			Destination: &inputPath,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, policyFlags(&cfg)...)

	return &cli.Command{
		Name:  "ingest",
		Usage: "Add threats to working memory from JSON input",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			orch, closer, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer closer()
			ctx = logging.With(ctx, logging.Default())

			var r io.Reader = os.Stdin
			if inputPath != "" {
				f, err := os.Open(inputPath)
				if err != nil {
					return goerr.Wrap(err, "failed to open input file", goerr.V("path", inputPath))
				}
				defer f.Close()
				r = f
			}

			ingester, err := cfg.newIngester(ctx, orch)
			if err != nil {
				return err
			}

			result, err := ingester.IngestJSON(ctx, r)
			if err != nil {
				return goerr.Wrap(err, "failed to ingest threats")
			}
			return printJSON(c.Root().Writer, result)
		},
	}
}
