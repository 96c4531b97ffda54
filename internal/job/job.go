// Package job evaluates one metric over one project's users.
package job

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"wikimetrics/internal/logger"
	"wikimetrics/internal/metric"
	"wikimetrics/internal/results"
	"wikimetrics/internal/telemetry"
)

// Outcome is the value or the error computed for one user.
type Outcome struct {
	Row   metric.Row `json:"row,omitempty"`
	Error string     `json:"error,omitempty"`
}

func (o Outcome) Failed() bool { return o.Error != "" }

// Result maps every user id of a job to its outcome.
type Result map[int64]Outcome

// Failures returns the number of users whose computation failed.
func (r Result) Failures() int {
	n := 0
	for _, o := range r {
		if o.Failed() {
			n++
		}
	}
	return n
}

// UserIDs returns the user ids of r in ascending order.
func (r Result) UserIDs() []int64 {
	ids := make([]int64, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Job is immutable once built.
type Job struct {
	metric  metric.Metric
	users   []int64
	project string
	key     results.Key
}

// New builds a job. Duplicate user ids are dropped, keeping the first.
func New(m metric.Metric, project string, users []int64, key results.Key) (*Job, error) {
	if m == nil {
		return nil, errors.New("metric is required")
	}
	if project == "" {
		return nil, errors.New("project is required")
	}
	seen := make(map[int64]struct{}, len(users))
	ordered := make([]int64, 0, len(users))
	for _, id := range users {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	return &Job{metric: m, users: ordered, project: project, key: key}, nil
}

func (j *Job) MetricID() string { return j.metric.ID() }
func (j *Job) Project() string { return j.project }
func (j *Job) Key() results.Key { return j.key }

// Users returns a copy of the job's ordered user ids.
func (j *Job) Users() []int64 {
	return append([]int64(nil), j.users...)
}

// Compute runs the metric for every user. A failing user never stops the
// others; once ctx is done the remaining users record the context error.
func (j *Job) Compute(ctx context.Context) Result {
	out := make(Result, len(j.users))
	for _, id := range j.users {
		if err := ctx.Err(); err != nil {
			out[id] = Outcome{Error: err.Error()}
			continue
		}
		row, err := j.computeOne(ctx, id)
		if err != nil {
			out[id] = Outcome{Error: err.Error()}
			continue
		}
		out[id] = Outcome{Row: row}
	}
	return out
}

func (j *Job) computeOne(ctx context.Context, userID int64) (row metric.Row, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("metric %s panicked for user %d: %v", j.metric.ID(), userID, r)
		}
	}()
	row, err = j.metric.Compute(ctx, j.project, userID)
	if err == nil && row == nil {
		row = metric.Row{}
	}
	return row, err
}

// Unit submits a job to an executor and persists its result once.
type Unit struct {
	Job     *Job
	Store   results.Store
	Log     logger.Logger
	Metrics *telemetry.Metrics
}

func (u Unit) Name() string { return "job:" + u.Job.Key().String() }

func (u Unit) Run(ctx context.Context) (any, error) {
	log := u.Log
	if log == nil {
		log = logger.NewNop()
	}
	res := u.Job.Compute(ctx)
	failed := res.Failures()
	if u.Metrics != nil {
		u.Metrics.JobsCompleted.WithLabelValues(u.Job.MetricID()).Inc()
		u.Metrics.UserFailures.WithLabelValues(u.Job.MetricID()).Add(float64(failed))
	}
	if u.Store != nil {
		// a cancelled job still records what it computed
		err := u.Store.Put(context.WithoutCancel(ctx), u.Job.Key(), res)
		switch {
		case errors.Is(err, results.ErrExists):
			log.Warn("Job result already stored, keeping the first", logger.String("key", u.Job.Key().String()))
		case err != nil:
			return nil, err
		}
	}
	log.Info("Job computed",
		logger.String("key", u.Job.Key().String()),
		logger.Int("users", len(res)),
		logger.Int("failed_users", failed),
	)
	return res, nil
}
