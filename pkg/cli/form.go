package cli

import (
	"context"
	"encoding/json"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/usecase/cascade"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func formCommand() *cli.Command {
	var (
		cfg          config
		evidencePath string
		threatID     string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "evidence",
			Aliases:     []string{"e"},
			Usage:       "Path to JSON evidence. A full evidence bundle, or corroboration only with --threat-id",
			Required:    true,
			Sources:     cli.EnvVars("THREATMEM_EVIDENCE"),
			Destination: &evidencePath,
		},
		&cli.StringFlag{
			Name:        "threat-id",
			Aliases:     []string{"t"},
			Usage:       "Build the evidence from this promoted threat",
			Destination: &threatID,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "form",
		Usage: "Evaluate evidence and form long-term memory when it qualifies",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			data, err := os.ReadFile(evidencePath)
			if err != nil {
				return goerr.Wrap(err, "failed to read evidence file", goerr.V("path", evidencePath))
			}

			orch, closer, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer closer()
			ctx = logging.With(ctx, logging.Default())

			var result *cascade.FormationResult
			if threatID != "" {
				var input model.EvidenceInput
				if err := json.Unmarshal(data, &input); err != nil {
					return goerr.Wrap(err, "failed to parse evidence", goerr.V("path", evidencePath))
				}
				result, err = orch.FormFromThreat(ctx, model.ThreatID(threatID), input)
			} else {
				var ev model.Evidence
				if err := json.Unmarshal(data, &ev); err != nil {
					return goerr.Wrap(err, "failed to parse evidence", goerr.V("path", evidencePath))
				}
				result, err = orch.Form(ctx, &ev)
			}
			if err != nil {
				return goerr.Wrap(err, "failed to form long-term memory")
			}
			return printJSON(c.Root().Writer, result)
		},
	}
}
