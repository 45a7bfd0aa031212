package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/server"
	"github.com/m-mizutani/threatmem/pkg/usecase/cascade"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg      config
		addr     string
		schedule string
		noSweep  bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Aliases:     []string{"a"},
			Usage:       "HTTP listen address",
			Value:       "127.0.0.1:8080",
			Sources:     cli.EnvVars("THREATMEM_ADDR"),
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "sweep-schedule",
			Usage:       "Cron schedule of the promotion sweep. Overrides the config file",
			Sources:     cli.EnvVars("THREATMEM_SWEEP_SCHEDULE"),
			Destination: &schedule,
		},
		&cli.BoolFlag{
			Name:        "no-sweep",
			Usage:       "Disable the periodic promotion sweep",
			Sources:     cli.EnvVars("THREATMEM_NO_SWEEP"),
			Destination: &noSweep,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, policyFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP server and the promotion sweep",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			orch, closer, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer closer()

			logger := logging.Default()
			ctx = logging.With(ctx, logger)

			ingester, err := cfg.newIngester(ctx, orch)
			if err != nil {
				return err
			}

			if !noSweep {
				if schedule == "" {
					schedule = orch.Config().Sweep.Schedule
				}
				sweeper, err := cascade.NewSweeper(orch, schedule)
				if err != nil {
					return err
				}
				if err := sweeper.Start(ctx); err != nil {
					return err
				}
				defer func() {
					if err := sweeper.Stop(context.Background()); err != nil {
						logger.Warn("failed to stop sweeper", "error", err)
					}
				}()
			}

			srv := server.New(orch,
				server.WithIngester(ingester),
				server.WithLogger(logger),
			)
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				return goerr.Wrap(err, "server stopped")
			}
			return nil
		},
	}
}
