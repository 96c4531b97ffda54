package repo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"wikimetrics/internal/domain"
	"wikimetrics/internal/events"
)

// LastOccurrence returns the newest materialized occurrence of a template, or nil.
func (r Repo) LastOccurrence(ctx context.Context, reportID int64) (*time.Time, error) {
	var last string
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(scheduled_for),'') FROM scheduled_runs WHERE report_id=?`, reportID).Scan(&last); err != nil {
		return nil, err
	}
	if last == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, last)
	if err != nil {
		return nil, fmt.Errorf("parse scheduled_for %q: %w", last, err)
	}
	return &t, nil
}

// Materialize creates the child report of one occurrence and its scheduled
// run record in one transaction. The UNIQUE(report_id, scheduled_for)
// constraint decides between concurrent callers; the loser rolls back its
// child report and gets created=false.
func (r Repo) Materialize(ctx context.Context, reportID int64, at time.Time) (int64, bool, error) {
	ts := at.UTC().Format(time.RFC3339)
	now := r.now()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO reports(name,owner,cohort_id,metrics_json,aggregations_json,recurrent,parent_id,scheduled_for,status,created_at,updated_at)
SELECT name || ' @ ' || ?, owner, cohort_id, metrics_json, aggregations_json, 0, id, ?, ?, ?, ? FROM reports WHERE id=? AND recurrent=1`,
		ts, ts, domain.StatusPending, now, now, reportID)
	if err != nil {
		return 0, false, fmt.Errorf("insert scheduled report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, fmt.Errorf("recurrent report %d: %w", reportID, ErrNotFound)
	}
	runReportID, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	res, err = tx.ExecContext(ctx, `INSERT INTO scheduled_runs(report_id,scheduled_for,run_report_id,created_at) VALUES (?,?,?,?) ON CONFLICT(report_id,scheduled_for) DO NOTHING`,
		reportID, ts, runReportID, now)
	if err != nil {
		return 0, false, fmt.Errorf("insert scheduled run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}
	if err := r.Events.Append(ctx, tx, "scheduler.materialized", "report", strconv.FormatInt(reportID, 10), events.SystemActor,
		events.EventPayload{"scheduled_for": ts, "run_report_id": runReportID}); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return runReportID, true, nil
}

func (r Repo) ListScheduledRuns(ctx context.Context, reportID int64) ([]domain.ScheduledRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,report_id,scheduled_for,run_report_id,created_at FROM scheduled_runs WHERE report_id=? ORDER BY scheduled_for`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduledRun
	for rows.Next() {
		var s domain.ScheduledRun
		if err := rows.Scan(&s.ID, &s.ReportID, &s.ScheduledFor, &s.RunReportID, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
