package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/catalog"
	"github.com/fyrsmithlabs/foundry/internal/config"
	"github.com/fyrsmithlabs/foundry/internal/engine"
	"github.com/fyrsmithlabs/foundry/internal/events"
	"github.com/fyrsmithlabs/foundry/internal/logging"
	"github.com/fyrsmithlabs/foundry/internal/pipeline"
	"github.com/fyrsmithlabs/foundry/internal/ratelimit"
	"github.com/fyrsmithlabs/foundry/internal/resilience"
	"github.com/fyrsmithlabs/foundry/internal/taskgraph"
	"github.com/fyrsmithlabs/foundry/internal/team"
	"github.com/fyrsmithlabs/foundry/internal/telemetry"
	"github.com/fyrsmithlabs/foundry/internal/workspace"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// dependencies holds everything a project run needs. Fields are shared by
// all projects of the process.
type dependencies struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	fs        afero.Fs

	catalog  *catalog.Store
	limiter  *ratelimit.Limiter
	manager  *ratelimit.Manager
	breakers *resilience.Breakers
	nats     *events.NATSPublisher
	pipeline *pipeline.Orchestrator
}

// loadConfig reads --config and FOUNDRY_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// initLogger builds the process logger. Commands that write to stdout pass
// stderr so logs stay out of their output.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry, stderr bool) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.Output.Stderr = stderr
	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// initDependencies wires configuration, logging, telemetry, the shared
// rate-limit and resilience primitives, the engine and the pipeline.
func initDependencies(ctx context.Context, stderrLogs bool) (*dependencies, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := initLogger(cfg, tel, stderrLogs)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	d := &dependencies{cfg: cfg, logger: logger, telemetry: tel, fs: afero.NewOsFs()}
	if err := d.wire(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *dependencies) wire() error {
	cfg := d.cfg
	log := d.logger.Underlying()

	store, err := catalog.NewStore(cfg.Catalog.Path, log.Named("catalog"))
	if err != nil {
		return fmt.Errorf("failed to load role catalog: %w", err)
	}
	d.catalog = store

	usage := ratelimit.NewUsageStore(d.fs, cfg.Workspace.BaseDir, log.Named("usage"))
	d.limiter = ratelimit.NewLimiterFromConfig(cfg,
		ratelimit.WithUsageStore(usage),
		ratelimit.WithLogger(log.Named("ratelimit")),
	)
	d.manager = ratelimit.NewManagerFromConfig(cfg, log.Named("concurrency"))
	d.breakers = resilience.NewBreakers(cfg.Breaker, resilience.WithBreakerLogger(log.Named("breaker")))
	retrier := resilience.NewRetrier(resilience.PolicyFromConfig(cfg.Retry), log.Named("retry"))

	runner, err := newRunner(cfg)
	if err != nil {
		return err
	}

	var pub events.Publisher = events.Noop{}
	if cfg.Events.NATSURL != "" {
		nc, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, log.Named("events"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		d.nats = nc
		pub = nc
	}

	dispatcher := engine.NewDispatcher(runner, cfg.Pipeline.EngineProvider, d.manager, d.limiter, d.breakers, retrier,
		engine.WithLogger(log.Named("engine")),
		engine.WithProgress(pipeline.UnitProgress(pub, log)),
	)

	var scanner *workspace.SecretScanner
	if cfg.Workspace.SecretScan {
		scanner, err = workspace.NewSecretScanner()
		if err != nil {
			return fmt.Errorf("failed to initialize secret scanner: %w", err)
		}
	}

	metrics, err := pipeline.NewMetrics(d.telemetry.Meter(pipeline.InstrumentationName))
	if err != nil {
		return fmt.Errorf("failed to create pipeline metrics: %w", err)
	}

	orch, err := pipeline.New(pipeline.Deps{
		Workspaces: workspace.NewManager(cfg.Workspace.BaseDir,
			workspace.WithFs(d.fs),
			workspace.WithLogger(log.Named("workspace")),
		),
		Assembler: team.NewCatalogAssembler(store, log.Named("team")),
		Builder:   taskgraph.TemplateBuilder{},
		Engine:    dispatcher,
		Limiter:   d.limiter,
		Events:    pub,
		Scanner:   scanner,
		Catalog:   store,
	}, pipeline.Settings{
		TeamProvider:     cfg.Pipeline.TeamProvider,
		ExecutionTimeout: cfg.Pipeline.ExecutionTimeout.Duration(),
		OverallTimeout:   cfg.Pipeline.OverallTimeout.Duration(),
		GitSnapshot:      cfg.Workspace.GitSnapshot,
	},
		pipeline.WithLogger(log.Named("pipeline")),
		pipeline.WithTracer(d.telemetry.Tracer(pipeline.InstrumentationName)),
		pipeline.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	d.pipeline = orch

	log.Info("dependencies initialized",
		zap.String("runner", cfg.Engine.Runner),
		zap.String("engine_provider", cfg.Pipeline.EngineProvider),
		zap.Bool("nats_connected", d.nats != nil),
		zap.Bool("secret_scan", scanner != nil),
		zap.String("base_dir", cfg.Workspace.BaseDir))
	return nil
}

// newRunner picks the unit runner named by engine.runner.
func newRunner(cfg *config.Config) (engine.UnitRunner, error) {
	if cfg.Engine.Runner == "command" {
		return engine.NewCommandRunner(cfg.Engine.Command, cfg.Engine.Args...), nil
	}
	runner, err := engine.NewLLMRunner(cfg.Provider(cfg.Pipeline.EngineProvider))
	if err != nil {
		return nil, fmt.Errorf("failed to create llm runner for %s: %w", cfg.Pipeline.EngineProvider, err)
	}
	return runner, nil
}

// Close releases resources in reverse order of creation.
func (d *dependencies) Close() {
	log := d.logger.Underlying()
	if d.nats != nil {
		if err := d.nats.Close(); err != nil {
			log.Warn("failed to close NATS connection", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.telemetry.Shutdown(ctx); err != nil {
		log.Warn("telemetry shutdown failed", zap.Error(err))
	}
	_ = d.logger.Sync()
}
