package engine

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"wikimetrics/internal/cohort"
	"wikimetrics/internal/domain"
	"wikimetrics/internal/executor"
	"wikimetrics/internal/logger"
	"wikimetrics/internal/repo"
)

// RecordInput is one uploaded row: a username or numeric id and its project.
type RecordInput struct {
	Raw     string `json:"raw_id"`
	Project string `json:"project,omitempty"`
}

var headerNames = map[string]bool{"user": true, "username": true, "user_name": true, "user_id": true, "raw_id": true}

// ParseRecords reads an upload of "user,project" lines. The project column
// may be left out and a leading header row is skipped.
func ParseRecords(r io.Reader) ([]RecordInput, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	var out []RecordInput
	for first := true; ; first = false {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCohort, err)
		}
		if first && headerNames[strings.ToLower(strings.TrimSpace(rec[0]))] {
			continue
		}
		if len(rec) > 2 {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("%w: line %d has %d columns, want user and optional project", ErrInvalidCohort, line, len(rec))
		}
		in := RecordInput{Raw: strings.TrimSpace(rec[0])}
		if len(rec) == 2 {
			in.Project = strings.TrimSpace(rec[1])
		}
		out = append(out, in)
	}
	return out, nil
}

type CohortCreateOptions struct {
	Name           string
	Description    string
	Owner          string
	DefaultProject string
	Records        []RecordInput
	ActorID        string
}

// CreateCohort stores the cohort with every record pending and submits its
// validation. Records naming an unconfigured project are kept and later
// marked invalid by the validator.
func (e Engine) CreateCohort(ctx context.Context, opts CohortCreateOptions) (domain.Cohort, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Cohort{}, fmt.Errorf("%w: name is required", ErrInvalidCohort)
	}
	if len(opts.Records) == 0 {
		return domain.Cohort{}, fmt.Errorf("%w: at least one record is required", ErrInvalidCohort)
	}
	if _, err := e.Repo.GetCohortByName(ctx, name); err == nil {
		return domain.Cohort{}, fmt.Errorf("%w: name %q is already used", ErrInvalidCohort, name)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Cohort{}, err
	}
	defaultProject := strings.TrimSpace(opts.DefaultProject)
	records := make([]domain.ValidationRecord, 0, len(opts.Records))
	for i, in := range opts.Records {
		raw := strings.TrimSpace(in.Raw)
		if raw == "" {
			return domain.Cohort{}, fmt.Errorf("%w: record %d has no user name or id", ErrInvalidCohort, i+1)
		}
		project := strings.TrimSpace(in.Project)
		if project == "" {
			project = defaultProject
		}
		if project == "" {
			return domain.Cohort{}, fmt.Errorf("%w: record %d has no project and the cohort has no default project", ErrInvalidCohort, i+1)
		}
		records = append(records, domain.ValidationRecord{RawID: raw, Project: project})
	}
	owner := opts.Owner
	if owner == "" {
		owner = opts.ActorID
	}
	c, err := e.Repo.CreateCohort(ctx, domain.Cohort{
		Name:           name,
		Description:    opts.Description,
		Owner:          owner,
		DefaultProject: defaultProject,
	}, records, opts.ActorID)
	if err != nil {
		return domain.Cohort{}, err
	}
	h, err := e.submitValidation(ctx, c.ID)
	if err != nil {
		return c, err
	}
	c.ValidationHandle = string(h)
	return c, nil
}

func (e Engine) submitValidation(ctx context.Context, cohortID int64) (executor.Handle, error) {
	h, err := e.Tasks.Submit(ctx, cohort.Unit{CohortID: cohortID, Validator: e.Validator, Store: e.Repo})
	if err != nil {
		return "", fmt.Errorf("submit validation of cohort %d: %w", cohortID, err)
	}
	if err := e.Repo.SetValidationHandle(ctx, cohortID, string(h)); err != nil {
		return "", err
	}
	e.Log.Info("Cohort validation submitted", logger.Int64("cohort_id", cohortID), logger.String("handle", string(h)))
	return h, nil
}

// ValidateCohort submits a new pass over the cohort's pending records unless
// every record is terminal or a pass is still queued or running.
func (e Engine) ValidateCohort(ctx context.Context, cohortID int64) (domain.CohortValidation, error) {
	c, err := e.Repo.GetCohort(ctx, cohortID)
	if err != nil {
		return domain.CohortValidation{}, err
	}
	v, err := e.rollUp(ctx, c)
	if err != nil {
		return v, err
	}
	if v.ValidatedCount == v.TotalCount {
		return v, nil
	}
	switch executor.Status(v.ValidationStatus) {
	case executor.StatusStarted:
		return v, nil
	case executor.StatusPending:
		// RollUp also says PENDING for a handle the executor no longer knows
		if _, err := e.Tasks.Status(executor.Handle(c.ValidationHandle)); err == nil {
			return v, nil
		}
	}
	if _, err := e.submitValidation(ctx, cohortID); err != nil {
		return v, err
	}
	return e.CohortValidation(ctx, cohortID)
}

// CohortValidation returns the roll-up computed from the stored records.
func (e Engine) CohortValidation(ctx context.Context, cohortID int64) (domain.CohortValidation, error) {
	c, err := e.Repo.GetCohort(ctx, cohortID)
	if err != nil {
		return domain.CohortValidation{}, err
	}
	return e.rollUp(ctx, c)
}

func (e Engine) rollUp(ctx context.Context, c domain.Cohort) (domain.CohortValidation, error) {
	p, err := e.Repo.Progress(ctx, c.ID)
	if err != nil {
		return domain.CohortValidation{}, err
	}
	st := cohort.RollUp(p, e.Tasks, executor.Handle(c.ValidationHandle))
	return domain.CohortValidation{
		CohortID:         c.ID,
		ValidationStatus: string(st),
		TotalCount:       p.Total,
		ValidatedCount:   p.Validated,
		ValidCount:       p.Valid,
		InvalidCount:     p.Invalid,
	}, nil
}

func (e Engine) GetCohort(ctx context.Context, id int64) (domain.Cohort, error) {
	return e.Repo.GetCohort(ctx, id)
}

// LookupCohort resolves ref as a numeric id, otherwise as a cohort name.
func (e Engine) LookupCohort(ctx context.Context, ref string) (domain.Cohort, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		return e.Repo.GetCohort(ctx, id)
	}
	return e.Repo.GetCohortByName(ctx, ref)
}

// ListCohorts lists the owner's cohorts. Unless includeInvalid is set only
// cohorts whose validation succeeded with at least one member are listed.
func (e Engine) ListCohorts(ctx context.Context, owner string, includeInvalid bool) ([]domain.Cohort, error) {
	items, err := e.Repo.ListCohorts(ctx, owner)
	if err != nil || includeInvalid {
		return items, err
	}
	usable := items[:0]
	for _, c := range items {
		v, err := e.rollUp(ctx, c)
		if err != nil {
			return nil, err
		}
		if v.ValidationStatus == domain.StatusSuccess && v.ValidCount > 0 {
			usable = append(usable, c)
		}
	}
	return usable, nil
}

// CohortNameAvailable reports whether a new cohort may take name.
func (e Engine) CohortNameAvailable(ctx context.Context, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, nil
	}
	_, err := e.Repo.GetCohortByName(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return true, nil
	}
	return false, err
}

// ProjectAllowed reports whether records may name project.
func (e Engine) ProjectAllowed(project string) bool {
	project = strings.TrimSpace(project)
	return project != "" && e.Projects != nil && e.Projects.Known(project)
}

// DeleteCohort removes a cohort with its records and members. Cohorts still
// being validated or named by a report are refused with ErrCohortInUse.
func (e Engine) DeleteCohort(ctx context.Context, id int64, actorID string) error {
	c, err := e.Repo.GetCohort(ctx, id)
	if err != nil {
		return err
	}
	if c.ValidationHandle != "" {
		if st, err := e.Tasks.Status(executor.Handle(c.ValidationHandle)); err == nil && !st.Terminal() {
			return fmt.Errorf("%w: cohort %d validation is %s", ErrCohortInUse, id, st)
		}
	}
	if err := e.Repo.DeleteCohort(ctx, id, actorID); err != nil {
		if errors.Is(err, repo.ErrInUse) {
			return fmt.Errorf("%w: %v", ErrCohortInUse, err)
		}
		return err
	}
	e.Log.Info("Cohort deleted", logger.Int64("cohort_id", id), logger.String("name", c.Name), logger.String("actor", actorID))
	return nil
}

func (e Engine) InvalidRecords(ctx context.Context, cohortID int64) ([]domain.ValidationRecord, error) {
	if _, err := e.Repo.GetCohort(ctx, cohortID); err != nil {
		return nil, err
	}
	return e.Repo.InvalidRecords(ctx, cohortID)
}

func (e Engine) CohortMembers(ctx context.Context, cohortID int64) ([]domain.Member, error) {
	if _, err := e.Repo.GetCohort(ctx, cohortID); err != nil {
		return nil, err
	}
	return e.Repo.Members(ctx, cohortID)
}
