package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rpattn/datacheck/internal/audit"
	"github.com/rpattn/datacheck/internal/config"
	"github.com/rpattn/datacheck/internal/dataset"
	"github.com/rpattn/datacheck/internal/definition"
	"github.com/rpattn/datacheck/internal/extraction"
	"github.com/rpattn/datacheck/internal/lifecycle"
	"github.com/rpattn/datacheck/internal/logging"
	"github.com/rpattn/datacheck/internal/orchestrator"
	"github.com/rpattn/datacheck/internal/pipeline"
	"github.com/rpattn/datacheck/internal/repository"
	"github.com/rpattn/datacheck/internal/results"
	"github.com/rpattn/datacheck/internal/rules"
	"github.com/rpattn/datacheck/internal/storage"
)

// Deps are the collaborators that differ between the server and the CLI.
type Deps struct {
	Repos      repository.Repositories
	Tracker    audit.Tracker
	Registerer prometheus.Registerer
	// Store overrides the configured storage driver.
	Store storage.Storage
}

// App is the fully wired validation service.
type App struct {
	Config       config.Config
	Logger       *slog.Logger
	Store        storage.Storage
	Repos        repository.Repositories
	Tracker      audit.Tracker
	Processor    *definition.Processor
	Lifecycle    *lifecycle.Manager
	Orchestrator *orchestrator.Orchestrator
	Runner       *pipeline.Runner
	Results      *results.Service
}

// New wires every component from cfg.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store := deps.Store
	if store == nil {
		var err error
		store, err = storage.New(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise storage: %w", err)
		}
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = audit.NewSlogTracker(logger)
	}

	var procOpts []definition.Option
	procOpts = append(procOpts, definition.WithLogger(logging.Component(logger, "definition")))
	if cfg.Definition.StrictTypes {
		procOpts = append(procOpts, definition.WithStrictTypes())
	}
	processor := definition.NewProcessor(procOpts...)

	cleaner := lifecycle.NewManager(store, tracker, deps.Repos.Runs, cfg.Retention,
		lifecycle.WithLogger(logging.Component(logger, "lifecycle")))
	orch := orchestrator.New(rules.Default(), deps.Repos,
		orchestrator.StorageOpener(store, cfg.Extraction.ScratchDir, dataset.Options{Debug: cfg.Extraction.DebugSQL}),
		cfg.Orchestrator,
		orchestrator.WithLogger(logging.Component(logger, "orchestrator")),
		orchestrator.WithMetrics(orchestrator.NewMetrics(deps.Registerer)),
		orchestrator.WithTerminalHook(cleaner),
	)
	extractor := extraction.NewService(store, deps.Repos.Diagnostics, tracker, cfg.Extraction,
		extraction.WithLogger(logging.Component(logger, "extraction")))
	runner := pipeline.NewRunner(deps.Repos.Runs, processor, extractor, orch,
		pipeline.WithLogger(logging.Component(logger, "pipeline")))

	return &App{
		Config:       cfg,
		Logger:       logger,
		Store:        store,
		Repos:        deps.Repos,
		Tracker:      tracker,
		Processor:    processor,
		Lifecycle:    cleaner,
		Orchestrator: orch,
		Runner:       runner,
		Results:      results.NewService(deps.Repos, results.WithLogger(logging.Component(logger, "results"))),
	}, nil
}
