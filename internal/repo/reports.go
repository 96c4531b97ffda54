package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"wikimetrics/internal/domain"
	"wikimetrics/internal/events"
	"wikimetrics/internal/executor"
	"wikimetrics/internal/report"
	"wikimetrics/internal/scheduler"
)

var (
	_ report.Tracker  = Repo{}
	_ scheduler.Store = Repo{}
)

const reportColumns = `id,name,owner,cohort_id,metrics_json,aggregations_json,recurrent,
COALESCE(recurrence_anchor,''),COALESCE(recurrence_interval,''),COALESCE(recurrence_max_instances,0),
parent_id,COALESCE(scheduled_for,''),status,COALESCE(handle,''),COALESCE(error,''),created_at,updated_at`

func scanReport(row interface{ Scan(...any) error }) (domain.Report, error) {
	var (
		rep          domain.Report
		metricsJSON  string
		aggsJSON     string
		anchor       string
		interval     string
		maxInstances int
		parentID     sql.NullInt64
	)
	err := row.Scan(&rep.ID, &rep.Name, &rep.Owner, &rep.CohortID, &metricsJSON, &aggsJSON, &rep.Recurrent,
		&anchor, &interval, &maxInstances, &parentID, &rep.ScheduledFor, &rep.Status, &rep.Handle, &rep.Error,
		&rep.CreatedAt, &rep.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	if err := json.Unmarshal([]byte(metricsJSON), &rep.Metrics); err != nil {
		return rep, fmt.Errorf("decode metrics of report %d: %w", rep.ID, err)
	}
	if err := json.Unmarshal([]byte(aggsJSON), &rep.Aggregations); err != nil {
		return rep, fmt.Errorf("decode aggregations of report %d: %w", rep.ID, err)
	}
	if anchor != "" || interval != "" {
		rep.Recurrence = &domain.Recurrence{Anchor: anchor, Interval: interval, MaxInstances: maxInstances}
	}
	if parentID.Valid {
		id := parentID.Int64
		rep.ParentID = &id
	}
	return rep, nil
}

func (r Repo) InsertReport(ctx context.Context, rep domain.Report, actorID string) (domain.Report, error) {
	metricsJSON, err := json.Marshal(rep.Metrics)
	if err != nil {
		return domain.Report{}, err
	}
	aggsJSON, err := json.Marshal(rep.Aggregations)
	if err != nil {
		return domain.Report{}, err
	}
	var anchor, interval, maxInstances any
	if rep.Recurrence != nil {
		anchor, interval = rep.Recurrence.Anchor, rep.Recurrence.Interval
		if rep.Recurrence.MaxInstances > 0 {
			maxInstances = rep.Recurrence.MaxInstances
		}
	}
	if rep.Status == "" {
		rep.Status = domain.StatusPending
	}
	rep.CreatedAt = r.now()
	rep.UpdatedAt = rep.CreatedAt

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `INSERT INTO reports(name,owner,cohort_id,metrics_json,aggregations_json,recurrent,recurrence_anchor,recurrence_interval,recurrence_max_instances,parent_id,scheduled_for,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rep.Name, rep.Owner, rep.CohortID, string(metricsJSON), string(aggsJSON), rep.Recurrent, anchor, interval, maxInstances,
		nullableInt64Ptr(rep.ParentID), nullable(rep.ScheduledFor), rep.Status, rep.CreatedAt, rep.UpdatedAt)
	if err != nil {
		return domain.Report{}, fmt.Errorf("insert report: %w", err)
	}
	if rep.ID, err = res.LastInsertId(); err != nil {
		return domain.Report{}, err
	}
	if err := r.Events.Append(ctx, tx, "report.create", "report", strconv.FormatInt(rep.ID, 10), actorID, events.EventPayload{"recurrent": rep.Recurrent}); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return rep, nil
}

func (r Repo) GetReport(ctx context.Context, id int64) (domain.Report, error) {
	return scanReport(r.DB.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id=?`, id))
}

// ReportFilters narrows ListReports. Zero values match everything.
type ReportFilters struct {
	Owner    string
	Since    time.Time
	ParentID *int64
}

// ListReports returns reports newest first.
func (r Repo) ListReports(ctx context.Context, f ReportFilters) ([]domain.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE 1=1`
	var args []any
	if f.Owner != "" {
		query += ` AND owner=?`
		args = append(args, f.Owner)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at>=?`
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if f.ParentID != nil {
		query += ` AND parent_id=?`
		args = append(args, *f.ParentID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

func (r Repo) SetReportHandle(ctx context.Context, id int64, handle string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE reports SET handle=?, updated_at=? WHERE id=?`, nullable(handle), r.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkStarted(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE reports SET status=?, updated_at=? WHERE id=? AND status=?`,
		domain.StatusStarted, r.now(), id, domain.StatusPending)
	return err
}

// MarkFinished stores the terminal status of a run. It never overwrites another terminal status.
func (r Repo) MarkFinished(ctx context.Context, id int64, status executor.Status, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE reports SET status=?, error=?, updated_at=? WHERE id=? AND status IN (?,?)`,
		string(status), nullable(errMsg), r.now(), id, domain.StatusPending, domain.StatusStarted)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	payload := events.EventPayload{"status": string(status)}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if err := r.Events.Append(ctx, tx, "report.finished", "report", strconv.FormatInt(id, 10), events.SystemActor, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// RecurrentReports lists recurrent templates, optionally only one.
func (r Repo) RecurrentReports(ctx context.Context, only *int64) ([]scheduler.Template, error) {
	query := `SELECT id,COALESCE(recurrence_anchor,''),COALESCE(recurrence_interval,''),COALESCE(recurrence_max_instances,0) FROM reports WHERE recurrent=1`
	var args []any
	if only != nil {
		query += ` AND id=?`
		args = append(args, *only)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []scheduler.Template
	for rows.Next() {
		var t scheduler.Template
		if err := rows.Scan(&t.ReportID, &t.Anchor, &t.Interval, &t.MaxInstances); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
