package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"wikimetrics/internal/cohort"
	"wikimetrics/internal/config"
	"wikimetrics/internal/events"
	"wikimetrics/internal/executor"
	"wikimetrics/internal/logger"
	"wikimetrics/internal/metric"
	"wikimetrics/internal/report"
	"wikimetrics/internal/repo"
	"wikimetrics/internal/results"
	"wikimetrics/internal/scheduler"
	"wikimetrics/internal/telemetry"
)

var (
	ErrInvalidCohort      = errors.New("invalid cohort")
	ErrInvalidReport      = errors.New("invalid report")
	ErrCohortNotValidated = errors.New("cohort validation is not complete")
	ErrResultNotReady     = errors.New("report result is not ready")
	ErrCohortInUse        = errors.New("cohort is in use")
)

// Projects is the set of configured projects.
type Projects interface {
	Known(project string) bool
	Names() []string
}

// Options carries the collaborators the app wires in.
type Options struct {
	DB        *sql.DB
	Config    *config.Config
	Projects  Projects
	Metrics   *metric.Registry
	Directory cohort.Directory
	Results   results.Store
	// Jobs runs metric jobs, Tasks runs reports and validations. They must be
	// distinct so a report waiting on its jobs never holds the workers they need.
	Jobs      executor.Executor
	Tasks     executor.Executor
	Log       logger.Logger
	Telemetry *telemetry.Metrics
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	Jobs      executor.Executor
	Tasks     executor.Executor
	Projects  Projects
	Metrics   *metric.Registry
	Results   results.Store
	Runner    *report.Runner
	Validator *cohort.Validator
	Scheduler *scheduler.Scheduler
	Log       logger.Logger
	Telemetry *telemetry.Metrics
}

func New(opts Options) Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = logger.NewNop()
	}
	r := repo.New(opts.DB)
	e := Engine{
		DB:        opts.DB,
		Repo:      r,
		Events:    r.Events,
		Config:    cfg,
		Now:       time.Now,
		Jobs:      opts.Jobs,
		Tasks:     opts.Tasks,
		Projects:  opts.Projects,
		Metrics:   opts.Metrics,
		Results:   opts.Results,
		Log:       log,
		Telemetry: opts.Telemetry,
	}
	e.Runner = report.NewRunner(report.RunnerConfig{
		Jobs:      opts.Jobs,
		Metrics:   opts.Metrics,
		Projects:  opts.Projects,
		Store:     opts.Results,
		Timeout:   cfg.Queue.ResultTimeout,
		Log:       log.With(logger.String("component", "report")),
		Telemetry: opts.Telemetry,
	})
	e.Validator = cohort.NewValidator(opts.Directory, opts.Projects, log.With(logger.String("component", "cohort")), opts.Telemetry)
	// config validation already rejected unknown orders
	order, _ := scheduler.ParseOrder(cfg.Queue.CatchUpOrder)
	e.Scheduler = scheduler.New(e.Repo, e, e.Events, scheduler.Config{
		MaxParallel:  cfg.Queue.MaxParallelPerRun,
		MaxInstances: cfg.Queue.MaxInstancesPerRecurrentReport,
		Order:        order,
	}, log.With(logger.String("component", "scheduler")), opts.Telemetry)
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RunRecurring performs one scheduler pass, optionally limited to one report.
func (e Engine) RunRecurring(ctx context.Context, reportID *int64) (scheduler.Summary, error) {
	return e.Scheduler.RunOnce(ctx, reportID)
}

// ProjectNames lists the configured projects.
func (e Engine) ProjectNames() []string {
	if e.Projects == nil {
		return nil
	}
	return e.Projects.Names()
}
