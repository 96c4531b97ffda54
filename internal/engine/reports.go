package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wikimetrics/internal/domain"
	"wikimetrics/internal/executor"
	"wikimetrics/internal/logger"
	"wikimetrics/internal/metric"
	"wikimetrics/internal/report"
	"wikimetrics/internal/repo"
	"wikimetrics/internal/results"
	"wikimetrics/internal/scheduler"
)

// recentReports is how far back ListReports looks.
const recentReports = 30 * 24 * time.Hour

var _ scheduler.Submitter = Engine{}

type ReportCreateOptions struct {
	Name         string
	Owner        string
	CohortID     int64
	Metrics      []metric.Spec
	Aggregations []string
	Recurrent    bool
	Recurrence   *domain.Recurrence
	ActorID      string
}

// CreateReport validates the definition and stores it. One-off reports are
// submitted right away; recurrent ones are templates the scheduler runs.
func (e Engine) CreateReport(ctx context.Context, opts ReportCreateOptions) (domain.Report, error) {
	c, err := e.Repo.GetCohort(ctx, opts.CohortID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Report{}, fmt.Errorf("%w: cohort %d not found", ErrInvalidReport, opts.CohortID)
		}
		return domain.Report{}, err
	}
	v, err := e.rollUp(ctx, c)
	if err != nil {
		return domain.Report{}, err
	}
	if v.ValidatedCount != v.TotalCount {
		return domain.Report{}, fmt.Errorf("%w: cohort %d has %d of %d records validated", ErrCohortNotValidated, c.ID, v.ValidatedCount, v.TotalCount)
	}
	if len(opts.Metrics) == 0 {
		return domain.Report{}, fmt.Errorf("%w: at least one metric is required", ErrInvalidReport)
	}
	seen := make(map[string]bool, len(opts.Metrics))
	for _, spec := range opts.Metrics {
		if seen[spec.ID] {
			return domain.Report{}, fmt.Errorf("%w: metric %s is listed twice", ErrInvalidReport, spec.ID)
		}
		seen[spec.ID] = true
		if _, err := e.Metrics.Build(spec); err != nil {
			return domain.Report{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
		}
	}
	aggs, err := parseAggregations(opts.Aggregations)
	if err != nil {
		return domain.Report{}, err
	}
	labels := make([]string, len(aggs))
	for i, a := range aggs {
		labels[i] = a.String()
	}
	if opts.Recurrent {
		if opts.Recurrence == nil {
			return domain.Report{}, fmt.Errorf("%w: a recurrent report needs a recurrence", ErrInvalidReport)
		}
		if _, err := scheduler.ParseRecurrence(opts.Recurrence.Anchor, opts.Recurrence.Interval, opts.Recurrence.MaxInstances); err != nil {
			return domain.Report{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
		}
	} else if opts.Recurrence != nil {
		return domain.Report{}, fmt.Errorf("%w: recurrence given for a one-off report", ErrInvalidReport)
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = fmt.Sprintf("%s report", c.Name)
	}
	owner := opts.Owner
	if owner == "" {
		owner = opts.ActorID
	}
	rep, err := e.Repo.InsertReport(ctx, domain.Report{
		Name:         name,
		Owner:        owner,
		CohortID:     c.ID,
		Metrics:      opts.Metrics,
		Aggregations: labels,
		Recurrent:    opts.Recurrent,
		Recurrence:   opts.Recurrence,
	}, opts.ActorID)
	if err != nil {
		return domain.Report{}, err
	}
	if rep.Recurrent {
		return rep, nil
	}
	if err := e.submitReport(ctx, &rep, nil); err != nil {
		return rep, err
	}
	return rep, nil
}

// parseAggregations defaults to Individual and rejects duplicates.
func parseAggregations(in []string) ([]report.Aggregation, error) {
	if len(in) == 0 {
		return []report.Aggregation{report.Individual}, nil
	}
	aggs := make([]report.Aggregation, 0, len(in))
	seen := make(map[report.Aggregation]bool, len(in))
	for _, s := range in {
		a, err := report.ParseAggregation(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
		}
		if seen[a] {
			return nil, fmt.Errorf("%w: aggregation %s is listed twice", ErrInvalidReport, a)
		}
		seen[a] = true
		aggs = append(aggs, a)
	}
	return aggs, nil
}

// submitReport hands a run to the tasks executor. A run that cannot be
// submitted is marked FAILURE so it does not stay PENDING forever.
func (e Engine) submitReport(ctx context.Context, rep *domain.Report, params map[string]string) error {
	def, err := e.definition(ctx, *rep, params)
	if err == nil {
		var h executor.Handle
		h, err = e.Tasks.Submit(ctx, report.Unit{Runner: e.Runner, Def: def, Tracker: e.Repo, Telemetry: e.Telemetry})
		if err == nil {
			if err := e.Repo.SetReportHandle(ctx, rep.ID, string(h)); err != nil {
				return err
			}
			rep.Handle = string(h)
			e.Log.Info("Report submitted", logger.Int64("report_id", rep.ID), logger.String("handle", rep.Handle))
			return nil
		}
	}
	err = fmt.Errorf("submit report %d: %w", rep.ID, err)
	if markErr := e.Repo.MarkFinished(context.WithoutCancel(ctx), rep.ID, executor.StatusFailure, err.Error()); markErr != nil {
		return errors.Join(err, markErr)
	}
	rep.Status = domain.StatusFailure
	rep.Error = err.Error()
	return err
}

func (e Engine) definition(ctx context.Context, rep domain.Report, params map[string]string) (report.Definition, error) {
	aggs, err := parseAggregations(rep.Aggregations)
	if err != nil {
		return report.Definition{}, err
	}
	members, err := e.Repo.Members(ctx, rep.CohortID)
	if err != nil {
		return report.Definition{}, err
	}
	def := report.Definition{
		ReportID:     rep.ID,
		Members:      make([]report.Member, len(members)),
		Metrics:      rep.Metrics,
		Aggregations: aggs,
		Params:       params,
	}
	for i, m := range members {
		def.Members[i] = report.Member{UserID: m.UserID, UserName: m.UserName, Project: m.Project}
	}
	return def, nil
}

// SubmitRun submits the child report of one occurrence. The run covers the
// window that ends at the occurrence.
func (e Engine) SubmitRun(ctx context.Context, run scheduler.Run) error {
	rep, err := e.Repo.GetReport(ctx, run.RunReportID)
	if err != nil {
		return err
	}
	return e.submitReport(ctx, &rep, window(run.Recurrence, run.ScheduledFor))
}

// window is [at - interval, at) in the form the metrics read.
func window(r scheduler.Recurrence, at time.Time) map[string]string {
	return map[string]string{
		"start": at.Add(-r.Interval).UTC().Format(time.RFC3339),
		"end":   at.UTC().Format(time.RFC3339),
	}
}

// runParams recomputes the parameters a scheduled run was submitted with.
func (e Engine) runParams(ctx context.Context, rep domain.Report) (map[string]string, error) {
	if rep.ParentID == nil || rep.ScheduledFor == "" {
		return nil, nil
	}
	parent, err := e.Repo.GetReport(ctx, *rep.ParentID)
	if err != nil {
		return nil, err
	}
	if parent.Recurrence == nil {
		return nil, nil
	}
	rec, err := scheduler.ParseRecurrence(parent.Recurrence.Anchor, parent.Recurrence.Interval, parent.Recurrence.MaxInstances)
	if err != nil {
		return nil, err
	}
	at, err := time.Parse(time.RFC3339, rep.ScheduledFor)
	if err != nil {
		return nil, err
	}
	return window(rec, at), nil
}

func (e Engine) GetReport(ctx context.Context, id int64) (domain.Report, error) {
	return e.Repo.GetReport(ctx, id)
}

// ReportStatus prefers the stored status once terminal, then the executor's
// view of the handle. A handle lost to a restart falls back to the store.
func (e Engine) ReportStatus(ctx context.Context, id int64) (domain.Report, error) {
	rep, err := e.Repo.GetReport(ctx, id)
	if err != nil {
		return rep, err
	}
	if executor.Status(rep.Status).Terminal() || rep.Handle == "" {
		return rep, nil
	}
	if st, err := e.Tasks.Status(executor.Handle(rep.Handle)); err == nil {
		rep.Status = string(st)
	}
	return rep, nil
}

// ReportResult is a finished run's aggregate and the parameters it ran with.
type ReportResult struct {
	Report     domain.Report     `json:"report"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Result     *report.Result    `json:"result"`
}

func (e Engine) ReportResult(ctx context.Context, id int64) (ReportResult, error) {
	rep, err := e.ReportStatus(ctx, id)
	if err != nil {
		return ReportResult{}, err
	}
	if rep.Status != domain.StatusSuccess {
		return ReportResult{Report: rep}, fmt.Errorf("%w: report %d is %s", ErrResultNotReady, id, rep.Status)
	}
	var res report.Result
	if err := e.Results.Get(ctx, results.ReportKey(id), &res); err != nil {
		return ReportResult{Report: rep}, err
	}
	params, err := e.runParams(ctx, rep)
	if err != nil {
		return ReportResult{Report: rep}, err
	}
	return ReportResult{Report: rep, Parameters: params, Result: &res}, nil
}

// WaitReport blocks until the run is terminal or timeout elapses.
func (e Engine) WaitReport(ctx context.Context, id int64, timeout time.Duration) (domain.Report, error) {
	rep, err := e.Repo.GetReport(ctx, id)
	if err != nil {
		return rep, err
	}
	if executor.Status(rep.Status).Terminal() || rep.Handle == "" {
		return rep, nil
	}
	// a failed run is reported through its status, not as an error
	_, err = e.Tasks.Result(ctx, executor.Handle(rep.Handle), timeout)
	if err != nil && (errors.Is(err, executor.ErrTimeout) || ctx.Err() != nil) {
		return rep, err
	}
	return e.ReportStatus(ctx, id)
}

// CancelOutcome is what a cancel request reached.
type CancelOutcome struct {
	Report domain.Report `json:"report"`
	// Jobs counts child jobs that were asked to stop.
	Jobs int `json:"cancelled_jobs"`
}

// CancelReport requests cancellation of a run and its pending jobs. It is
// advisory: a running job may still complete.
func (e Engine) CancelReport(ctx context.Context, id int64) (CancelOutcome, error) {
	rep, err := e.Repo.GetReport(ctx, id)
	if err != nil {
		return CancelOutcome{}, err
	}
	if rep.Recurrent {
		return CancelOutcome{Report: rep}, fmt.Errorf("%w: report %d is a recurrent template", ErrInvalidReport, id)
	}
	out := CancelOutcome{Jobs: e.Runner.Cancel(id)}
	if rep.Handle != "" {
		if err := e.Tasks.Cancel(executor.Handle(rep.Handle)); err != nil && !errors.Is(err, executor.ErrUnknownHandle) {
			return out, err
		}
	}
	if rep.Status == domain.StatusPending {
		// a unit cancelled before it starts never reports back
		if err := e.Repo.MarkFinished(ctx, id, executor.StatusFailure, context.Canceled.Error()); err != nil {
			return out, err
		}
	}
	e.Log.Info("Report cancellation requested", logger.Int64("report_id", id), logger.Int("jobs", out.Jobs))
	out.Report, err = e.ReportStatus(ctx, id)
	return out, err
}

// ListReports lists the owner's reports of the last 30 days.
func (e Engine) ListReports(ctx context.Context, owner string) ([]domain.Report, error) {
	return e.Repo.ListReports(ctx, repo.ReportFilters{Owner: owner, Since: e.now().Add(-recentReports)})
}

// ScheduledRuns lists the occurrences materialized for a template.
func (e Engine) ScheduledRuns(ctx context.Context, id int64) ([]domain.ScheduledRun, error) {
	if _, err := e.Repo.GetReport(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListScheduledRuns(ctx, id)
}
