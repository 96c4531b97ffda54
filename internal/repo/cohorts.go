package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"wikimetrics/internal/cohort"
	"wikimetrics/internal/domain"
	"wikimetrics/internal/events"
)

var _ cohort.Store = Repo{}

const cohortColumns = `id,name,COALESCE(description,''),owner,COALESCE(default_project,''),COALESCE(validation_handle,''),created_at`

func scanCohort(row interface{ Scan(...any) error }) (domain.Cohort, error) {
	var c domain.Cohort
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Owner, &c.DefaultProject, &c.ValidationHandle, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// CreateCohort inserts the cohort and one pending record per uploaded row.
func (r Repo) CreateCohort(ctx context.Context, c domain.Cohort, records []domain.ValidationRecord, actorID string) (domain.Cohort, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cohort{}, err
	}
	defer tx.Rollback()
	c.CreatedAt = r.now()
	res, err := tx.ExecContext(ctx, `INSERT INTO cohorts(name,description,owner,default_project,created_at) VALUES (?,?,?,?,?)`,
		c.Name, nullable(c.Description), c.Owner, nullable(c.DefaultProject), c.CreatedAt)
	if err != nil {
		return domain.Cohort{}, fmt.Errorf("insert cohort: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return domain.Cohort{}, err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO validation_records(cohort_id,raw_id,project) VALUES (?,?,?)`)
	if err != nil {
		return domain.Cohort{}, err
	}
	defer stmt.Close()
	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, c.ID, rec.RawID, rec.Project); err != nil {
			return domain.Cohort{}, fmt.Errorf("insert validation record: %w", err)
		}
	}
	if err := r.Events.Append(ctx, tx, "cohort.create", "cohort", strconv.FormatInt(c.ID, 10), actorID, events.EventPayload{"records": len(records)}); err != nil {
		return domain.Cohort{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Cohort{}, err
	}
	return c, nil
}

func (r Repo) GetCohort(ctx context.Context, id int64) (domain.Cohort, error) {
	return scanCohort(r.DB.QueryRowContext(ctx, `SELECT `+cohortColumns+` FROM cohorts WHERE id=?`, id))
}

func (r Repo) GetCohortByName(ctx context.Context, name string) (domain.Cohort, error) {
	return scanCohort(r.DB.QueryRowContext(ctx, `SELECT `+cohortColumns+` FROM cohorts WHERE name=?`, name))
}

func (r Repo) ListCohorts(ctx context.Context, owner string) ([]domain.Cohort, error) {
	query := `SELECT ` + cohortColumns + ` FROM cohorts`
	var args []any
	if owner != "" {
		query += ` WHERE owner=?`
		args = append(args, owner)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cohort
	for rows.Next() {
		c, err := scanCohort(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// DeleteCohort removes the cohort with its records and members. A cohort that
// a report still names is kept and ErrInUse returned.
func (r Repo) DeleteCohort(ctx context.Context, id int64, actorID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var reports int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE cohort_id=?`, id).Scan(&reports); err != nil {
		return err
	}
	if reports > 0 {
		return fmt.Errorf("%w: cohort %d by %d reports", ErrInUse, id, reports)
	}
	members, err := tx.ExecContext(ctx, `DELETE FROM cohort_members WHERE cohort_id=?`, id)
	if err != nil {
		return fmt.Errorf("delete cohort members: %w", err)
	}
	records, err := tx.ExecContext(ctx, `DELETE FROM validation_records WHERE cohort_id=?`, id)
	if err != nil {
		return fmt.Errorf("delete validation records: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cohorts WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete cohort: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	nm, _ := members.RowsAffected()
	nr, _ := records.RowsAffected()
	payload := events.EventPayload{"members": nm, "records": nr}
	if err := r.Events.Append(ctx, tx, "cohort.delete", "cohort", strconv.FormatInt(id, 10), actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) SetValidationHandle(ctx context.Context, cohortID int64, handle string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE cohorts SET validation_handle=? WHERE id=?`, nullable(handle), cohortID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingRecords returns the records the validator has not resolved yet, in upload order.
func (r Repo) PendingRecords(ctx context.Context, cohortID int64) ([]cohort.Record, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,raw_id,project FROM validation_records WHERE cohort_id=? AND valid IS NULL ORDER BY id`, cohortID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []cohort.Record
	for rows.Next() {
		var rec cohort.Record
		if err := rows.Scan(&rec.ID, &rec.Raw, &rec.Project); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Resolve makes a pending record terminal and, for a valid one, adds the
// member. A username already in the cohort keeps its first member; the drop
// is recorded as an event.
func (r Repo) Resolve(ctx context.Context, cohortID int64, out cohort.Outcome) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var userID any
	var userName any
	if out.Valid {
		userID, userName = out.User.ID, out.User.Name
	}
	res, err := tx.ExecContext(ctx, `UPDATE validation_records SET valid=?, reason=?, user_id=?, user_name=?, validated_at=? WHERE id=? AND cohort_id=? AND valid IS NULL`,
		out.Valid, nullable(out.Reason), userID, userName, r.now(), out.Record.ID, cohortID)
	if err != nil {
		return false, fmt.Errorf("update validation record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("%w: %d", ErrAlreadyResolved, out.Record.ID)
	}
	added := false
	if out.Valid {
		res, err := tx.ExecContext(ctx, `INSERT INTO cohort_members(cohort_id,user_name,user_id,project,record_id) VALUES (?,?,?,?,?) ON CONFLICT(cohort_id,user_name) DO NOTHING`,
			cohortID, out.User.Name, out.User.ID, out.Record.Project, out.Record.ID)
		if err != nil {
			return false, fmt.Errorf("insert cohort member: %w", err)
		}
		n, _ := res.RowsAffected()
		added = n > 0
		if !added {
			payload := events.EventPayload{"record_id": out.Record.ID, "user_name": out.User.Name, "project": out.Record.Project}
			if err := r.Events.Append(ctx, tx, "cohort.duplicate_dropped", "cohort", strconv.FormatInt(cohortID, 10), events.SystemActor, payload); err != nil {
				return false, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return added, nil
}

// Progress counts the cohort's records. Valid counts members, so duplicates
// are validated but neither valid nor invalid.
func (r Repo) Progress(ctx context.Context, cohortID int64) (cohort.Progress, error) {
	var p cohort.Progress
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(valid), COALESCE(SUM(CASE WHEN valid=0 THEN 1 ELSE 0 END),0) FROM validation_records WHERE cohort_id=?`, cohortID).
		Scan(&p.Total, &p.Validated, &p.Invalid)
	if err != nil {
		return p, err
	}
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM cohort_members WHERE cohort_id=?`, cohortID).Scan(&p.Valid); err != nil {
		return p, err
	}
	return p, nil
}

// InvalidRecords lists records rejected by the validator.
func (r Repo) InvalidRecords(ctx context.Context, cohortID int64) ([]domain.ValidationRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,cohort_id,raw_id,project,COALESCE(reason,''),COALESCE(validated_at,'') FROM validation_records WHERE cohort_id=? AND valid=0 ORDER BY id`, cohortID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationRecord
	for rows.Next() {
		rec := domain.ValidationRecord{Valid: new(bool)}
		if err := rows.Scan(&rec.ID, &rec.CohortID, &rec.RawID, &rec.Project, &rec.Reason, &rec.ValidatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Members lists the deduplicated valid users of a cohort.
func (r Repo) Members(ctx context.Context, cohortID int64) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT cohort_id,user_id,user_name,project FROM cohort_members WHERE cohort_id=? ORDER BY record_id`, cohortID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.CohortID, &m.UserID, &m.UserName, &m.Project); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
