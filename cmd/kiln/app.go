package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/michaelbrown/kiln/internal/catalog"
	"github.com/michaelbrown/kiln/internal/config"
	"github.com/michaelbrown/kiln/internal/dispatch"
	"github.com/michaelbrown/kiln/internal/logging"
	"github.com/michaelbrown/kiln/internal/observability"
	"github.com/michaelbrown/kiln/internal/sandbox"
	"github.com/michaelbrown/kiln/internal/session"
	"github.com/michaelbrown/kiln/internal/storage"
	"github.com/michaelbrown/kiln/internal/storage/sqlite"
)

// app holds the components shared by every command.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	obs        *observability.Observability
	catalog    *catalog.Catalog
	dispatcher *dispatch.Dispatcher
	engine     *sandbox.Engine
	store      storage.Store
}

type setup struct {
	tools bool // probe configured servers
	store bool // open execution history
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func bootstrap(ctx context.Context, s setup) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	a.obs, err = observability.New(ctx, cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("setting up observability: %w", err)
	}
	tracer := a.obs.Tracer()

	launcher := session.NewLauncher(session.Options{
		Logger:     logger,
		CloseGrace: cfg.Dispatch.CloseGrace,
	}, tracer)

	if s.tools {
		a.catalog = catalog.Build(ctx, cfg.EnabledServers(), launcher,
			catalog.WithLogger(logger),
			catalog.WithProbeTimeout(cfg.Dispatch.ProbeTimeout),
			catalog.WithConcurrency(cfg.Dispatch.ProbeConcurrency),
		)
	} else {
		a.catalog = catalog.New()
	}

	opts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithTracer(tracer),
		dispatch.WithCallTimeout(cfg.Dispatch.CallTimeout),
	}
	if a.obs.Metrics != nil {
		opts = append(opts, dispatch.WithObserver(a.obs.Metrics))
	}
	if cfg.Dispatch.ValidateArguments {
		opts = append(opts, dispatch.WithValidation(dispatch.NewValidator()))
	}
	a.dispatcher = dispatch.New(a.catalog, launcher, opts...)

	engineOpts := []sandbox.Option{
		sandbox.WithPolicy(cfg.Policy()),
		sandbox.WithLogger(logger),
		sandbox.WithTracer(tracer),
	}
	if a.obs.Metrics != nil {
		engineOpts = append(engineOpts, sandbox.WithObserver(a.obs.Metrics))
	}
	a.engine = sandbox.New(a.dispatcher, engineOpts...)

	if s.store && cfg.Storage.Enabled {
		a.store, err = sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening storage: %w", err)
		}
	}
	return a, nil
}

// Close releases the store and flushes telemetry.
func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.obs.Shutdown(ctx)
}

// openStore opens execution history without probing any server.
func openStore() (storage.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Storage.Enabled {
		return nil, fmt.Errorf("execution history is disabled (storage.enabled = false)")
	}
	return sqlite.Open(cfg.Storage.DBPath)
}
