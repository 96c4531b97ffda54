// Package cohort reconciles uploaded (identifier, project) records against the
// per-project user directory.
package cohort

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"wikimetrics/internal/executor"
	"wikimetrics/internal/logger"
	"wikimetrics/internal/telemetry"
)

var ErrUserNotFound = errors.New("user not found")

// User is a canonical directory entry.
type User struct {
	ID   int64  `json:"user_id"`
	Name string `json:"user_name"`
}

// Directory resolves users within one project.
type Directory interface {
	LookupByName(ctx context.Context, name, project string) (User, error)
	LookupByID(ctx context.Context, id int64, project string) (User, error)
}

type ProjectSet interface {
	Known(project string) bool
}

// Record is one uploaded row awaiting validation.
type Record struct {
	ID      int64  `json:"id"`
	Raw     string `json:"raw_id"`
	Project string `json:"project"`
}

// Outcome is the terminal classification of a record.
type Outcome struct {
	Record Record `json:"record"`
	Valid  bool   `json:"valid"`
	User   User   `json:"user"`
	Reason string `json:"reason,omitempty"`
}

func invalidProject(p string) string { return "invalid project: " + p }
func invalidUser(raw string) string { return "invalid user_name / user_id: " + raw }

type Validator struct {
	dir      Directory
	projects ProjectSet
	log      logger.Logger
	metrics  *telemetry.Metrics
}

func NewValidator(dir Directory, projects ProjectSet, log logger.Logger, metrics *telemetry.Metrics) *Validator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Validator{dir: dir, projects: projects, log: log, metrics: metrics}
}

// Classify resolves one record: by username first, then by numeric id.
// The error is reserved for directory failures; an unresolved record is an
// invalid Outcome, not an error.
func (v *Validator) Classify(ctx context.Context, rec Record) (Outcome, error) {
	out := Outcome{Record: rec}
	if !v.projects.Known(rec.Project) {
		out.Reason = invalidProject(rec.Project)
		v.count("invalid")
		return out, nil
	}
	raw := strings.TrimSpace(rec.Raw)
	u, err := v.dir.LookupByName(ctx, raw, rec.Project)
	if errors.Is(err, ErrUserNotFound) {
		if id, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			u, err = v.dir.LookupByID(ctx, id, rec.Project)
		}
	}
	switch {
	case err == nil:
		out.Valid = true
		out.User = u
		v.count("valid")
	case errors.Is(err, ErrUserNotFound):
		out.Reason = invalidUser(rec.Raw)
		v.count("invalid")
	default:
		return Outcome{}, fmt.Errorf("lookup %q on %s: %w", rec.Raw, rec.Project, err)
	}
	return out, nil
}

// Validation is the classified set; Valid holds one entry per canonical username.
type Validation struct {
	Valid      []Outcome
	Invalid    []Outcome
	Duplicates int
}

// Validate classifies every record and drops later valid records whose
// canonical username was already seen.
func (v *Validator) Validate(ctx context.Context, records []Record) (Validation, error) {
	var res Validation
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		out, err := v.Classify(ctx, rec)
		if err != nil {
			return res, err
		}
		if !out.Valid {
			res.Invalid = append(res.Invalid, out)
			continue
		}
		if _, dup := seen[out.User.Name]; dup {
			res.Duplicates++
			continue
		}
		seen[out.User.Name] = struct{}{}
		res.Valid = append(res.Valid, out)
	}
	if res.Duplicates > 0 {
		v.dropped(v.log, res.Duplicates)
	}
	return res, nil
}

func (v *Validator) count(outcome string) {
	if v.metrics != nil {
		v.metrics.RecordsValidated.WithLabelValues(outcome).Inc()
	}
}

func (v *Validator) dropped(log logger.Logger, n int) {
	if v.metrics != nil {
		v.metrics.DuplicatesDropped.Add(float64(n))
	}
	log.Info("Dropped duplicate cohort users", logger.Int("duplicates", n))
}

// Store persists validation progress of one cohort.
type Store interface {
	PendingRecords(ctx context.Context, cohortID int64) ([]Record, error)
	// Resolve makes out terminal and, when valid, adds the member in the same
	// transaction. added is false when the username already belongs to the cohort.
	Resolve(ctx context.Context, cohortID int64, out Outcome) (added bool, err error)
}

// Summary counts what one validation pass did.
type Summary struct {
	Valid      int `json:"valid"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
	Pending    int `json:"pending"`
}

// Unit validates the pending records of a cohort on the tasks executor.
// Records that hit a directory error stay pending for the next pass.
type Unit struct {
	CohortID  int64
	Validator *Validator
	Store     Store
}

func (u Unit) Name() string { return fmt.Sprintf("validate:%d", u.CohortID) }

func (u Unit) Run(ctx context.Context) (any, error) {
	log := u.Validator.log.With(logger.Int64("cohort_id", u.CohortID))
	records, err := u.Store.PendingRecords(ctx, u.CohortID)
	if err != nil {
		return nil, err
	}
	var (
		sum      Summary
		firstErr error
	)
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			sum.Pending += len(records) - i
			return sum, err
		}
		out, err := u.Validator.Classify(ctx, rec)
		if err == nil {
			var added bool
			added, err = u.Store.Resolve(context.WithoutCancel(ctx), u.CohortID, out)
			if err == nil {
				switch {
				case !out.Valid:
					sum.Invalid++
				case added:
					sum.Valid++
				default:
					sum.Duplicates++
				}
				continue
			}
		}
		sum.Pending++
		if firstErr == nil {
			firstErr = err
		}
		log.Warn("Record left pending", logger.Int64("record_id", rec.ID), logger.Error(err))
	}
	if sum.Duplicates > 0 {
		u.Validator.dropped(log, sum.Duplicates)
	}
	log.Info("Cohort validated",
		logger.Int("valid", sum.Valid),
		logger.Int("invalid", sum.Invalid),
		logger.Int("duplicates", sum.Duplicates),
		logger.Int("pending", sum.Pending),
	)
	if firstErr != nil {
		return sum, fmt.Errorf("%d records left pending: %w", sum.Pending, firstErr)
	}
	return sum, nil
}

// Progress is the stored state of a cohort's records.
type Progress struct {
	Total     int `json:"total_count"`
	Validated int `json:"validated_count"`
	Valid     int `json:"valid_count"`
	Invalid   int `json:"invalid_count"`
}

// RollUp derives the cohort's validation status. Once every record is
// terminal it is SUCCESS; otherwise the executor's view of the running unit
// wins, and an unknown handle means PENDING.
func RollUp(p Progress, ex executor.Executor, h executor.Handle) executor.Status {
	if p.Validated == p.Total {
		return executor.StatusSuccess
	}
	if ex == nil || h == "" {
		return executor.StatusPending
	}
	st, err := ex.Status(h)
	if err != nil {
		return executor.StatusPending
	}
	return st
}
