package cli

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	tierconfig "github.com/m-mizutani/threatmem/pkg/config"
	"github.com/m-mizutani/threatmem/pkg/export"
	"github.com/m-mizutani/threatmem/pkg/ingest"
	"github.com/m-mizutani/threatmem/pkg/repository"
	"github.com/m-mizutani/threatmem/pkg/usecase/cascade"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"google.golang.org/api/option"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Store
	redisAddrs    string
	redisPassword string
	redisDB       int64
	configPath    string
	instance      string

	// Ingest
	policyDir string

	// Export
	credentialsFile     string
	bucket              string
	bucketPrefix        string
	bigqueryProject     string
	bigqueryDataset     string
	bigqueryTable       string
	firestoreProject    string
	firestoreDatabase   string
	firestoreCollection string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("THREATMEM_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       string(logging.FormatConsole),
			Sources:     cli.EnvVars("THREATMEM_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "redis-addr",
			Aliases:     []string{"r"},
			Usage:       "Redis address, comma separated for cluster. In-process store is used if empty",
			Sources:     cli.EnvVars("THREATMEM_REDIS_ADDR"),
			Destination: &cfg.redisAddrs,
		},
		&cli.StringFlag{
			Name:        "redis-password",
			Usage:       "Redis password",
			Sources:     cli.EnvVars("THREATMEM_REDIS_PASSWORD"),
			Destination: &cfg.redisPassword,
		},
		&cli.IntFlag{
			Name:        "redis-db",
			Usage:       "Redis database number",
			Sources:     cli.EnvVars("THREATMEM_REDIS_DB"),
			Destination: &cfg.redisDB,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to YAML file with tier thresholds and resilience settings",
			Sources:     cli.EnvVars("THREATMEM_CONFIG"),
			Destination: &cfg.configPath,
		},
		&cli.StringFlag{
			Name:        "instance",
			Usage:       "Instance name used as metrics label. Generated if empty",
			Sources:     cli.EnvVars("THREATMEM_INSTANCE"),
			Destination: &cfg.instance,
		},
	}
}

// policyFlags returns flags for the ingest policy
func policyFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego files mapping raw events to threats (package ingest)",
			Sources:     cli.EnvVars("THREATMEM_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
	}
}

// exportFlags returns flags for export sinks with destination config
func exportFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "credentials-file",
			Usage:       "Google Cloud credentials file. Application default credentials are used if empty",
			Sources:     cli.EnvVars("THREATMEM_CREDENTIALS_FILE"),
			Destination: &cfg.credentialsFile,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for JSONL export",
			Sources:     cli.EnvVars("THREATMEM_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "bucket-prefix",
			Usage:       "Object name prefix in the bucket",
			Value:       "threatmem",
			Sources:     cli.EnvVars("THREATMEM_BUCKET_PREFIX"),
			Destination: &cfg.bucketPrefix,
		},
		&cli.StringFlag{
			Name:        "bigquery-project",
			Usage:       "Google Cloud project ID for BigQuery",
			Sources:     cli.EnvVars("THREATMEM_BIGQUERY_PROJECT"),
			Destination: &cfg.bigqueryProject,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset ID",
			Sources:     cli.EnvVars("THREATMEM_BIGQUERY_DATASET"),
			Destination: &cfg.bigqueryDataset,
		},
		&cli.StringFlag{
			Name:        "bigquery-table",
			Usage:       "BigQuery table ID",
			Value:       "memories",
			Sources:     cli.EnvVars("THREATMEM_BIGQUERY_TABLE"),
			Destination: &cfg.bigqueryTable,
		},
		&cli.StringFlag{
			Name:        "firestore-project",
			Usage:       "Google Cloud project ID for Firestore",
			Sources:     cli.EnvVars("THREATMEM_FIRESTORE_PROJECT"),
			Destination: &cfg.firestoreProject,
		},
		&cli.StringFlag{
			Name:        "firestore-database",
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("THREATMEM_FIRESTORE_DATABASE"),
			Destination: &cfg.firestoreDatabase,
		},
		&cli.StringFlag{
			Name:        "firestore-collection",
			Usage:       "Firestore collection for exported memories",
			Value:       "memories",
			Sources:     cli.EnvVars("THREATMEM_FIRESTORE_COLLECTION"),
			Destination: &cfg.firestoreCollection,
		},
	}
}

// newLogger builds the process logger and installs it as default
func (cfg *config) newLogger() *slog.Logger {
	logger := logging.NewWithFormat(cfg.logLevel, logging.Format(cfg.logFormat), os.Stderr)
	logging.SetDefault(logger)
	return logger
}

// newStore connects to Redis, or falls back to the in-process store
func (cfg *config) newStore(ctx context.Context) (repository.Store, func(), error) {
	if cfg.redisAddrs == "" {
		logging.From(ctx).Warn("redis address is not set, using in-process store")
		return repository.NewMemory(), func() {}, nil
	}

	var addrs []string
	for _, addr := range strings.Split(cfg.redisAddrs, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}

	store, err := repository.DialRedis(ctx, repository.RedisOptions{
		Addrs:    addrs,
		Password: cfg.redisPassword,
		DB:       int(cfg.redisDB),
	})
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := store.Close(); err != nil {
			logging.From(ctx).Warn("failed to close redis", "error", err)
		}
	}
	return store, closer, nil
}

// newOrchestrator wires the store, the tier configuration and the logger together
func (cfg *config) newOrchestrator(ctx context.Context) (*cascade.Orchestrator, func(), error) {
	logger := cfg.newLogger()
	ctx = logging.With(ctx, logger)

	tierCfg, err := tierconfig.Load(cfg.configPath)
	if err != nil {
		return nil, nil, err
	}

	store, closer, err := cfg.newStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	opts := []cascade.Option{
		cascade.WithConfig(tierCfg),
		cascade.WithLogger(logger),
	}
	if cfg.instance != "" {
		opts = append(opts, cascade.WithName(cfg.instance))
	}
	return cascade.New(store, opts...), closer, nil
}

// newIngester creates an ingester, with the Rego policy when a policy directory is set
func (cfg *config) newIngester(ctx context.Context, orch *cascade.Orchestrator) (*ingest.Ingester, error) {
	if cfg.policyDir == "" {
		return ingest.New(orch), nil
	}

	policy, err := ingest.LoadPolicy(ctx, cfg.policyDir)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, goerr.New("no rego files in policy directory", goerr.V("policy_dir", cfg.policyDir))
	}
	return ingest.New(orch, ingest.WithPolicy(policy)), nil
}

func (cfg *config) clientOptions() []option.ClientOption {
	if cfg.credentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.credentialsFile)}
}

// newSink creates the export sink named by target
func (cfg *config) newSink(ctx context.Context, target string) (export.Sink, error) {
	switch target {
	case "storage":
		if cfg.bucket == "" {
			return nil, goerr.New("bucket is required")
		}
		return export.NewStorage(ctx, cfg.bucket, cfg.bucketPrefix, cfg.clientOptions()...)

	case "bigquery":
		if cfg.bigqueryProject == "" || cfg.bigqueryDataset == "" {
			return nil, goerr.New("bigquery-project and bigquery-dataset are required")
		}
		sink, err := export.NewBigQuery(ctx, cfg.bigqueryProject, cfg.bigqueryDataset, cfg.bigqueryTable, cfg.clientOptions()...)
		if err != nil {
			return nil, err
		}
		if err := sink.EnsureTable(ctx); err != nil {
			_ = sink.Close()
			return nil, err
		}
		return sink, nil

	case "firestore":
		if cfg.firestoreProject == "" {
			return nil, goerr.New("firestore-project is required")
		}
		return export.NewFirestore(ctx, cfg.firestoreProject, cfg.firestoreDatabase, cfg.firestoreCollection, cfg.clientOptions()...)

	default:
		return nil, goerr.New("unknown export target", goerr.V("target", target))
	}
}
