// Package app wires the engine from a workspace and its configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wikimetrics/internal/cohort"
	"wikimetrics/internal/config"
	"wikimetrics/internal/db"
	"wikimetrics/internal/engine"
	"wikimetrics/internal/executor"
	"wikimetrics/internal/logger"
	"wikimetrics/internal/metric"
	"wikimetrics/internal/migrate"
	"wikimetrics/internal/projects"
	"wikimetrics/internal/results"
	"wikimetrics/internal/telemetry"
)

// App owns every long-lived resource of one process.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Log       logger.Logger
	Telemetry *telemetry.Metrics

	jobs    *executor.Pool
	tasks   *executor.Pool
	closers []func() error
}

// LoadConfig reads wikimetrics.yml, falling back to the defaults when the
// workspace has none.
func LoadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// Open builds the app and migrates the database. Executors are started
// separately so one-shot commands that only read do not spin up workers.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*App, error) {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: workspace, Config: cfg, Log: log, Telemetry: telemetry.New()}
	a.closers = append(a.closers, func() error {
		// stderr sync fails on some terminals
		_ = log.Sync()
		return nil
	})

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, a.fail(err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return nil, a.fail(fmt.Errorf("migrate: %w", err))
	}

	projs, err := projects.Open(cfg.ProjectPaths(workspace))
	if err != nil {
		return nil, a.fail(err)
	}
	a.closers = append(a.closers, projs.Close)

	store, err := a.resultStore(ctx, conn)
	if err != nil {
		return nil, a.fail(err)
	}

	registry := metric.NewRegistry()
	registry.Register(metric.EditsID, metric.EditsFactory(projs))

	q := cfg.Queue
	a.jobs = executor.NewPool(executor.Config{Name: "jobs", Workers: q.Workers, QueueSize: q.QueueSize, Retention: q.Retention}, log, a.Telemetry)
	a.tasks = executor.NewPool(executor.Config{Name: "tasks", Workers: q.TaskWorkers, QueueSize: q.QueueSize, Retention: q.Retention}, log, a.Telemetry)

	a.Engine = engine.New(engine.Options{
		DB:        conn,
		Config:    cfg,
		Projects:  projs,
		Metrics:   registry,
		Directory: cohort.SQLDirectory{DBs: projs},
		Results:   store,
		Jobs:      a.jobs,
		Tasks:     a.tasks,
		Log:       log,
		Telemetry: a.Telemetry,
	})
	log.Info("Workspace opened",
		logger.String("workspace", workspace),
		logger.String("results_backend", cfg.Results.Backend),
		logger.Any("projects", projs.Names()),
	)
	return a, nil
}

func (a *App) resultStore(ctx context.Context, conn *sql.DB) (results.Store, error) {
	switch a.Config.Results.Backend {
	case config.BackendRedis:
		rs, err := results.NewRedisStore(ctx, a.Config.Results.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		return rs, nil
	default:
		return results.SQLStore{DB: conn}, nil
	}
}

// Start launches both executors.
func (a *App) Start() {
	a.jobs.Start()
	a.tasks.Start()
}

// Close stops the executors, then releases resources in reverse order.
func (a *App) Close() error {
	if a.tasks != nil {
		a.tasks.Stop()
	}
	if a.jobs != nil {
		a.jobs.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) fail(err error) error {
	return errors.Join(err, a.Close())
}
