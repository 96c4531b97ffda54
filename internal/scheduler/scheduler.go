// Package scheduler materializes missed occurrences of recurrent reports and
// submits them with bounded parallelism.
//
// The periodic trigger lives outside this package; RunOnce is one pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"wikimetrics/internal/logger"
	"wikimetrics/internal/telemetry"
)

const (
	defaultMaxParallel  = 4
	defaultMaxInstances = 10
)

// Template is a recurrent report as stored.
type Template struct {
	ReportID     int64
	Anchor       string
	Interval     string
	MaxInstances int
}

// Run is one materialized occurrence and the child report created for it.
type Run struct {
	ReportID     int64
	RunReportID  int64
	ScheduledFor time.Time
	Recurrence   Recurrence
}

// Store is the persistence the scheduler needs. The (report, scheduled time)
// pair must be unique so concurrent passes cannot materialize an occurrence twice.
type Store interface {
	RecurrentReports(ctx context.Context, only *int64) ([]Template, error)
	LastOccurrence(ctx context.Context, reportID int64) (*time.Time, error)
	// Materialize records the occurrence and creates its child report in one
	// transaction. created is false when the occurrence already exists.
	Materialize(ctx context.Context, reportID int64, at time.Time) (runReportID int64, created bool, err error)
}

// Submitter hands a materialized run to the executor.
type Submitter interface {
	SubmitRun(ctx context.Context, run Run) error
}

// Notifier records policy events such as truncated catch-up.
type Notifier interface {
	Emit(ctx context.Context, evtType, entityKind, entityID string, payload map[string]any) error
}

type Config struct {
	// MaxParallel bounds how many submissions are issued at once.
	MaxParallel int
	// MaxInstances is the cap for reports that do not set their own.
	MaxInstances int
	Order        Order
}

func (c *Config) setDefaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = defaultMaxParallel
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = defaultMaxInstances
	}
	if c.Order == "" {
		c.Order = OldestFirst
	}
}

// Summary reports what one pass did.
type Summary struct {
	Reports      int `json:"reports"`
	Materialized int `json:"materialized"`
	Skipped      int `json:"skipped"`
	Truncated    int `json:"truncated"`
	Failed       int `json:"failed"`
	Submitted    int `json:"submitted"`
	Groups       int `json:"groups"`
	// RunReportIDs are the child reports created by this pass.
	RunReportIDs []int64 `json:"run_report_ids,omitempty"`
}

type Scheduler struct {
	store     Store
	submitter Submitter
	notifier  Notifier
	cfg       Config
	log       logger.Logger
	metrics   *telemetry.Metrics
	Now       func() time.Time
}

func New(store Store, submitter Submitter, notifier Notifier, cfg Config, log logger.Logger, metrics *telemetry.Metrics) *Scheduler {
	cfg.setDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	return &Scheduler{
		store:     store,
		submitter: submitter,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		Now:       time.Now,
	}
}

// RunOnce performs one scheduling pass, optionally limited to one report.
// A report whose catch-up fails is logged and skipped. Failing to list the
// recurrent reports is an error, and so is ctx ending before every run is
// submitted; runs left unsubmitted stay materialized with their reports pending.
func (s *Scheduler) RunOnce(ctx context.Context, only *int64) (Summary, error) {
	var sum Summary
	templates, err := s.store.RecurrentReports(ctx, only)
	if err != nil {
		return sum, fmt.Errorf("list recurrent reports: %w", err)
	}
	now := s.Now().UTC()
	var runs []Run
	for _, tpl := range templates {
		sum.Reports++
		created, truncated, skipped, err := s.catchUpReport(ctx, tpl, now)
		sum.Truncated += truncated
		sum.Skipped += skipped
		sum.Materialized += len(created)
		runs = append(runs, created...)
		for _, run := range created {
			sum.RunReportIDs = append(sum.RunReportIDs, run.RunReportID)
		}
		if err != nil {
			sum.Failed++
			if s.metrics != nil {
				s.metrics.SchedulerFailures.Inc()
			}
			s.log.Error("Recurrent report skipped", logger.Int64("report_id", tpl.ReportID), logger.Error(err))
		}
	}

	groups := chunk(runs, s.cfg.MaxParallel)
	var stopped error
	for i, group := range groups {
		var submitted atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.MaxParallel)
		for _, run := range group {
			run := run
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := s.submitter.SubmitRun(gctx, run); err != nil {
					s.log.Error("Scheduled run submission failed",
						logger.Int64("report_id", run.ReportID),
						logger.Int64("run_report_id", run.RunReportID),
						logger.Time("scheduled_for", run.ScheduledFor),
						logger.Error(err),
					)
					// a failed run does not hold back its siblings
					return ctx.Err()
				}
				submitted.Add(1)
				return nil
			})
		}
		stopped = g.Wait()
		sum.Submitted += int(submitted.Load())
		sum.Groups++
		s.log.Debug("Scheduled group submitted", logger.Int("group", i), logger.Int("runs", len(group)))
		if stopped != nil {
			break
		}
	}
	if stopped != nil {
		s.log.Warn("Scheduler pass interrupted",
			logger.Int("materialized", sum.Materialized),
			logger.Int("submitted", sum.Submitted),
			logger.Error(stopped),
		)
		return sum, fmt.Errorf("submit scheduled runs: %w", stopped)
	}
	s.log.Info("Scheduler pass finished",
		logger.Int("reports", sum.Reports),
		logger.Int("materialized", sum.Materialized),
		logger.Int("truncated", sum.Truncated),
		logger.Int("failed", sum.Failed),
		logger.Int("submitted", sum.Submitted),
	)
	return sum, nil
}

func (s *Scheduler) catchUpReport(ctx context.Context, tpl Template, now time.Time) (runs []Run, truncated, skipped int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("catch-up panicked: %v", r)
		}
	}()
	rec, err := ParseRecurrence(tpl.Anchor, tpl.Interval, tpl.MaxInstances)
	if err != nil {
		return nil, 0, 0, err
	}
	last, err := s.store.LastOccurrence(ctx, tpl.ReportID)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("last occurrence: %w", err)
	}
	limit := s.cfg.MaxInstances
	if rec.MaxInstances > 0 {
		limit = rec.MaxInstances
	}
	due, truncated, err := catchUp(rec, last, now, limit, s.cfg.Order)
	if err != nil {
		return nil, 0, 0, err
	}
	if truncated > 0 {
		s.truncated(ctx, tpl.ReportID, truncated, len(due), limit)
	}
	for _, at := range due {
		runID, created, err := s.store.Materialize(ctx, tpl.ReportID, at)
		if err != nil {
			return runs, truncated, skipped, fmt.Errorf("materialize %s: %w", at.Format(time.RFC3339), err)
		}
		if !created {
			skipped++
			continue
		}
		if s.metrics != nil {
			s.metrics.RunsMaterialized.Inc()
		}
		runs = append(runs, Run{ReportID: tpl.ReportID, RunReportID: runID, ScheduledFor: at, Recurrence: rec})
	}
	return runs, truncated, skipped, nil
}

func (s *Scheduler) truncated(ctx context.Context, reportID int64, dropped, kept, limit int) {
	if s.metrics != nil {
		s.metrics.OccurrencesTruncated.Add(float64(dropped))
	}
	s.log.Warn("Catch-up truncated",
		logger.Int64("report_id", reportID),
		logger.Int("dropped", dropped),
		logger.Int("kept", kept),
		logger.Int("cap", limit),
		logger.String("order", string(s.cfg.Order)),
	)
	if s.notifier == nil {
		return
	}
	payload := map[string]any{"dropped": dropped, "kept": kept, "cap": limit, "order": string(s.cfg.Order)}
	if err := s.notifier.Emit(ctx, "scheduler.truncated", "report", strconv.FormatInt(reportID, 10), payload); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("Record truncation event failed", logger.Int64("report_id", reportID), logger.Error(err))
	}
}

func chunk(runs []Run, size int) [][]Run {
	var groups [][]Run
	for len(runs) > 0 {
		n := size
		if n > len(runs) {
			n = len(runs)
		}
		groups = append(groups, runs[:n])
		runs = runs[n:]
	}
	return groups
}
