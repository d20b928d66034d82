package clicommand

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/claude-batch/batchd/internal/cidx"
	"github.com/claude-batch/batchd/internal/cow"
	"github.com/claude-batch/batchd/internal/executor"
	"github.com/claude-batch/batchd/internal/job"
	"github.com/claude-batch/batchd/internal/repo"
	"github.com/claude-batch/batchd/internal/scheduler"
	"github.com/claude-batch/batchd/internal/server"
	"github.com/claude-batch/batchd/internal/staging"
	"github.com/claude-batch/batchd/internal/workspace"
	"github.com/claude-batch/batchd/logger"
)

const serveDescription = `Usage:

    batchd serve [options...]

Description:

Run the batch execution service: recover persisted jobs, then accept and
schedule assistant runs against registered repositories until interrupted.

Example:

    $ batchd serve --repositories-root /srv/batchd/repos --jobs-root /srv/batchd/jobs`

type ServeConfig struct {
	RepositoriesRoot string `cli:"repositories-root" normalize:"filepath" validate:"required"`
	JobsRoot         string `cli:"jobs-root" normalize:"filepath" validate:"required"`

	MaxConcurrent int           `cli:"max-concurrent"`
	JobTimeout    time.Duration `cli:"job-timeout"`
	MaxJobAge     time.Duration `cli:"max-job-age"`
	RetentionDays int           `cli:"retention-days"`

	AssistantCommand  string `cli:"assistant-command" normalize:"commandpath"`
	CidxCommand       string `cli:"cidx-command" normalize:"commandpath"`
	EmbeddingProvider string `cli:"embedding-provider"`

	MetricsListen string `cli:"metrics-listen"`

	// Global flags
	Config   string `cli:"config"`
	Debug    bool   `cli:"debug"`
	LogLevel string `cli:"log-level"`
	NoColor  bool   `cli:"no-color"`
}

var ServeCommand = cli.Command{
	Name:        "serve",
	Usage:       "Run the batch execution service",
	Description: serveDescription,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:   "repositories-root",
			Usage:  "Directory holding registered repository clones",
			EnvVar: "BATCHD_REPOSITORIES_ROOT",
		},
		cli.StringFlag{
			Name:   "jobs-root",
			Usage:  "Directory holding job workspaces and records",
			EnvVar: "BATCHD_JOBS_ROOT",
		},
		cli.IntFlag{
			Name:   "max-concurrent",
			Value:  scheduler.DefaultMaxConcurrent,
			Usage:  "Maximum jobs running at once",
			EnvVar: "BATCHD_MAX_CONCURRENT",
		},
		cli.DurationFlag{
			Name:   "job-timeout",
			Value:  scheduler.DefaultJobTimeout,
			Usage:  "Default per-job execution timeout",
			EnvVar: "BATCHD_JOB_TIMEOUT",
		},
		cli.DurationFlag{
			Name:   "max-job-age",
			Value:  scheduler.DefaultMaxJobAge,
			Usage:  "Administrative age limit after which jobs are cleaned up",
			EnvVar: "BATCHD_MAX_JOB_AGE",
		},
		cli.IntFlag{
			Name:   "retention-days",
			Value:  30,
			Usage:  "Days to keep terminal job records",
			EnvVar: "BATCHD_RETENTION_DAYS",
		},
		cli.StringFlag{
			Name:   "assistant-command",
			Value:  executor.DefaultCommand,
			Usage:  "Assistant CLI to launch for each job",
			EnvVar: "BATCHD_ASSISTANT_COMMAND",
		},
		cli.StringFlag{
			Name:   "cidx-command",
			Value:  "cidx",
			Usage:  "Semantic indexer CLI",
			EnvVar: "BATCHD_CIDX_COMMAND",
		},
		cli.StringFlag{
			Name:   "embedding-provider",
			Value:  "ollama",
			Usage:  "Embedding provider passed to the indexer's init",
			EnvVar: "BATCHD_EMBEDDING_PROVIDER",
		},
		cli.StringFlag{
			Name:   "metrics-listen",
			Usage:  "Address for the Prometheus metrics listener (empty disables)",
			EnvVar: "BATCHD_METRICS_LISTEN",
		},

		// Global flags
		ConfigFlag,
		DebugFlag,
		LogLevelFlag,
		NoColorFlag,
	},
	Action: func(c *cli.Context) error {
		var cfg ServeConfig
		warnings := loadConfig(c, &cfg)

		l := createLogger(cfg.LogLevel, cfg.Debug, cfg.NoColor)
		for _, w := range warnings {
			l.Warn("%s", w)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, l)
	},
}

func serve(ctx context.Context, cfg ServeConfig, l logger.Logger) error {
	cidxClient := cidx.New(l,
		cidx.WithCommand(cfg.CidxCommand),
		cidx.WithEmbeddingProvider(cfg.EmbeddingProvider),
	)

	registry, err := repo.New(l, cfg.RepositoriesRoot, repo.WithCidxClient(cidxClient))
	if err != nil {
		return fmt.Errorf("initializing repository registry: %w", err)
	}

	store, err := job.NewStore(l, cfg.JobsRoot)
	if err != nil {
		return fmt.Errorf("initializing job store: %w", err)
	}

	probe := cow.NewProbe(l, cfg.RepositoriesRoot)
	fsType, strategy := probe.Detect(ctx)
	l.Info("Repositories root is %s, workspace clones use %s", fsType, strategy)

	cloner := cow.NewCloner(l, probe)
	stag := staging.New(l, staging.RootFor(cfg.JobsRoot))
	exec := executor.New(l, executor.WithCommand(cfg.AssistantCommand))

	reg := prometheus.NewRegistry()
	sched := scheduler.New(l, store, registry, cloner, stag, exec, cidxClient,
		scheduler.WithMaxConcurrent(cfg.MaxConcurrent),
		scheduler.WithJobTimeout(cfg.JobTimeout),
		scheduler.WithMaxJobAge(cfg.MaxJobAge),
		scheduler.WithRetention(time.Duration(cfg.RetentionDays)*24*time.Hour),
		scheduler.WithMetricsRegisterer(reg),
	)

	svc := server.New(l, registry, store, sched, stag, workspace.NewBrowser(l))

	recovered, err := sched.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering persisted jobs: %w", err)
	}
	l.Info("Recovered %d jobs from previous run", len(recovered))

	repos, err := svc.ListRepositories(ctx)
	if err != nil {
		return fmt.Errorf("listing repositories: %w", err)
	}
	l.Info("Serving %d registered repositories from %s", len(repos), cfg.RepositoriesRoot)

	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			l.Info("Metrics listening on %s", cfg.MetricsListen)
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				l.Error("Metrics listener: %v", err)
			}
		}()
	}

	l.Info("batchd is running, send SIGINT or SIGTERM to stop")
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	// Wait for any in-flight registration pipelines before exit.
	registry.Wait()
	l.Info("Shutdown complete")
	return nil
}
