// Package report fans a cohort's metrics out into jobs, one per metric and
// project, and folds the per-user results into aggregate views.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wikimetrics/internal/executor"
	"wikimetrics/internal/job"
	"wikimetrics/internal/logger"
	"wikimetrics/internal/metric"
	"wikimetrics/internal/results"
	"wikimetrics/internal/telemetry"
)

var (
	ErrAllJobsFailed = errors.New("every job of the report failed")
	ErrNoJobs        = errors.New("report has no member on a known project")
)

// Member is one validated cohort user.
type Member struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	Project  string `json:"project"`
}

// Definition is everything a run needs. Params override the parameters of every metric.
type Definition struct {
	ReportID     int64
	Members      []Member
	Metrics      []metric.Spec
	Aggregations []Aggregation
	Params       map[string]string
}

// ProjectSet tells which projects have a backing database.
type ProjectSet interface {
	Known(project string) bool
}

// View is one aggregation of one project: rows for Individual, a summary otherwise.
type View struct {
	Rows    map[int64]metric.Row `json:"rows,omitempty"`
	Summary *Summary             `json:"summary,omitempty"`
}

type Exclusion struct {
	UserID  int64  `json:"user_id"`
	Project string `json:"project"`
	Reason  string `json:"reason"`
}

// Failure is a user whose computation failed, or a whole job when UserID is nil.
type Failure struct {
	Metric  string `json:"metric"`
	Project string `json:"project"`
	UserID  *int64 `json:"user_id,omitempty"`
	Error   string `json:"error"`
}

type Coverage struct {
	Users     int `json:"users"`
	Succeeded int `json:"succeeded"`
}

// Result maps aggregation to project to view.
type Result struct {
	ReportID     int64                           `json:"report_id"`
	Aggregations []Aggregation                   `json:"aggregations"`
	Views        map[Aggregation]map[string]View `json:"views"`
	Excluded     []Exclusion                     `json:"excluded,omitempty"`
	Failures     []Failure                       `json:"failures,omitempty"`
	Coverage     map[string]Coverage             `json:"coverage"`
}

type RunnerConfig struct {
	Jobs     executor.Executor
	Metrics  *metric.Registry
	Projects ProjectSet
	Store    results.Store
	// Timeout is the one deadline shared by every child job of a run.
	Timeout   time.Duration
	Log       logger.Logger
	Telemetry *telemetry.Metrics
}

// Runner executes report definitions against the jobs executor.
type Runner struct {
	cfg RunnerConfig
	log logger.Logger

	mu      sync.Mutex
	pending map[int64][]executor.Handle
}

func NewRunner(cfg RunnerConfig) *Runner {
	log := cfg.Log
	if log == nil {
		log = logger.NewNop()
	}
	return &Runner{cfg: cfg, log: log, pending: make(map[int64][]executor.Handle)}
}

type child struct {
	spec    metric.Spec
	project string
	key     results.Key
	handle  executor.Handle
	result  job.Result
	err     error
}

// Run submits every job of def, waits for all of them and builds the result.
// It fails only when no job succeeded.
func (r *Runner) Run(ctx context.Context, def Definition) (*Result, error) {
	built := make([]metric.Metric, len(def.Metrics))
	for i, spec := range def.Metrics {
		m, err := r.cfg.Metrics.Build(spec.WithParams(def.Params))
		if err != nil {
			return nil, err
		}
		built[i] = m
	}
	aggs := def.Aggregations
	if len(aggs) == 0 {
		aggs = []Aggregation{Individual}
	}

	res := &Result{
		ReportID:     def.ReportID,
		Aggregations: aggs,
		Views:        make(map[Aggregation]map[string]View, len(aggs)),
		Coverage:     map[string]Coverage{},
	}
	users := map[string][]int64{}
	for _, m := range def.Members {
		if !r.cfg.Projects.Known(m.Project) {
			res.Excluded = append(res.Excluded, Exclusion{UserID: m.UserID, Project: m.Project, Reason: "invalid project: " + m.Project})
			continue
		}
		users[m.Project] = append(users[m.Project], m.UserID)
	}
	projects := make([]string, 0, len(users))
	for p := range users {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	if len(projects) == 0 || len(built) == 0 {
		return nil, ErrNoJobs
	}

	children := r.submit(ctx, def, built, projects, users)
	r.track(def.ReportID, children)
	defer r.untrack(def.ReportID)
	r.wait(ctx, children)

	succeeded := 0
	for _, c := range children {
		if c.err == nil {
			succeeded++
			continue
		}
		res.Failures = append(res.Failures, Failure{Metric: c.spec.ID, Project: c.project, Error: c.err.Error()})
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllJobsFailed, children[0].err)
	}

	for _, p := range projects {
		rows := map[int64]metric.Row{}
		for _, c := range children {
			if c.project != p || c.err != nil {
				continue
			}
			for _, id := range c.result.UserIDs() {
				o := c.result[id]
				if o.Failed() {
					uid := id
					res.Failures = append(res.Failures, Failure{Metric: c.spec.ID, Project: p, UserID: &uid, Error: o.Error})
					continue
				}
				merged, ok := rows[id]
				if !ok {
					merged = metric.Row{}
					rows[id] = merged
				}
				for col, v := range o.Row {
					merged[col] = v
				}
			}
		}
		res.Coverage[p] = Coverage{Users: len(users[p]), Succeeded: len(rows)}
		for _, a := range aggs {
			view, err := buildView(a, rows)
			if err != nil {
				return nil, err
			}
			if res.Views[a] == nil {
				res.Views[a] = map[string]View{}
			}
			res.Views[a][p] = view
		}
	}

	covered := 0
	for _, cov := range res.Coverage {
		covered += cov.Succeeded
	}
	if covered == 0 {
		reason := "no user produced a row"
		if len(res.Failures) > 0 {
			reason = "every user failed, first: " + res.Failures[0].Error
		}
		return nil, fmt.Errorf("%w: %s", ErrAllJobsFailed, reason)
	}

	if r.cfg.Store != nil {
		err := r.cfg.Store.Put(context.WithoutCancel(ctx), results.ReportKey(def.ReportID), res)
		if errors.Is(err, results.ErrExists) {
			r.log.Warn("Report result already stored, keeping the first", logger.Int64("report_id", def.ReportID))
		} else if err != nil {
			return nil, err
		}
	}
	r.log.Info("Report computed",
		logger.Int64("report_id", def.ReportID),
		logger.Int("jobs", len(children)),
		logger.Int("failed_jobs", len(children)-succeeded),
		logger.Int("excluded", len(res.Excluded)),
	)
	return res, nil
}

func buildView(a Aggregation, rows map[int64]metric.Row) (View, error) {
	switch a {
	case Individual:
		return View{Rows: rows}, nil
	case Sum, Average, StandardDeviation:
		s, err := summarize(a, rows)
		if err != nil {
			return View{}, err
		}
		return View{Summary: &s}, nil
	default:
		return View{}, fmt.Errorf("invalid aggregation %d", int(a))
	}
}

func (r *Runner) submit(ctx context.Context, def Definition, built []metric.Metric, projects []string, users map[string][]int64) []*child {
	var children []*child
	for i, m := range built {
		for _, p := range projects {
			c := &child{
				spec:    def.Metrics[i],
				project: p,
				key:     results.Key{Metric: def.Metrics[i].ID, Project: p, Report: def.ReportID},
			}
			children = append(children, c)
			j, err := job.New(m, p, users[p], c.key)
			if err != nil {
				c.err = err
				continue
			}
			c.handle, c.err = r.cfg.Jobs.Submit(ctx, job.Unit{
				Job:     j,
				Store:   r.cfg.Store,
				Log:     r.log,
				Metrics: r.cfg.Telemetry,
			})
		}
	}
	return children
}

// wait blocks on every submitted child under one deadline. Jobs still running
// when it passes are asked to cancel.
func (r *Runner) wait(ctx context.Context, children []*child) {
	waitCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	for _, c := range children {
		if c.err != nil {
			continue
		}
		v, err := r.cfg.Jobs.Result(waitCtx, c.handle, 0)
		if errors.Is(err, executor.ErrUnknownHandle) && r.cfg.Store != nil {
			// The handle expired but the job wrote its result under its key.
			if gerr := r.cfg.Store.Get(ctx, c.key, &c.result); gerr == nil {
				continue
			}
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				err = fmt.Errorf("%w: job %s after %s", executor.ErrTimeout, c.key, r.cfg.Timeout)
			}
			if cerr := r.cfg.Jobs.Cancel(c.handle); cerr != nil && !errors.Is(cerr, executor.ErrUnknownHandle) {
				r.log.Warn("Cancel job failed", logger.String("key", c.key.String()), logger.Error(cerr))
			}
			c.err = err
			continue
		}
		out, ok := v.(job.Result)
		if !ok {
			c.err = fmt.Errorf("job %s returned %T", c.key, v)
			continue
		}
		c.result = out
	}
}

func (r *Runner) track(reportID int64, children []*child) {
	handles := make([]executor.Handle, 0, len(children))
	for _, c := range children {
		if c.handle != "" {
			handles = append(handles, c.handle)
		}
	}
	r.mu.Lock()
	r.pending[reportID] = handles
	r.mu.Unlock()
}

func (r *Runner) untrack(reportID int64) {
	r.mu.Lock()
	delete(r.pending, reportID)
	r.mu.Unlock()
}

// Cancel asks every child job of a running report to stop and returns how many
// were not terminal yet. Jobs already running may still complete.
func (r *Runner) Cancel(reportID int64) int {
	r.mu.Lock()
	handles := append([]executor.Handle(nil), r.pending[reportID]...)
	r.mu.Unlock()
	n := 0
	for _, h := range handles {
		st, err := r.cfg.Jobs.Status(h)
		if err != nil || st.Terminal() {
			continue
		}
		if err := r.cfg.Jobs.Cancel(h); err == nil {
			n++
		}
	}
	if n > 0 {
		r.log.Info("Report cancellation requested", logger.Int64("report_id", reportID), logger.Int("jobs", n))
	}
	return n
}

// Tracker persists the lifecycle of a report run.
type Tracker interface {
	MarkStarted(ctx context.Context, reportID int64) error
	MarkFinished(ctx context.Context, reportID int64, status executor.Status, errMsg string) error
}

// Unit runs one report on the tasks executor.
type Unit struct {
	Runner    *Runner
	Def       Definition
	Tracker   Tracker
	Telemetry *telemetry.Metrics
}

func (u Unit) Name() string { return fmt.Sprintf("report:%d", u.Def.ReportID) }

func (u Unit) Run(ctx context.Context) (any, error) {
	persist := context.WithoutCancel(ctx)
	if u.Tracker != nil {
		if err := u.Tracker.MarkStarted(persist, u.Def.ReportID); err != nil {
			return nil, err
		}
	}
	res, runErr := u.Runner.Run(ctx, u.Def)
	status := executor.StatusSuccess
	msg := ""
	if runErr != nil {
		status = executor.StatusFailure
		msg = runErr.Error()
	}
	if u.Telemetry != nil {
		u.Telemetry.ReportsCompleted.WithLabelValues(string(status)).Inc()
	}
	if u.Tracker != nil {
		if err := u.Tracker.MarkFinished(persist, u.Def.ReportID, status, msg); err != nil {
			return nil, errors.Join(runErr, err)
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	return res, nil
}
