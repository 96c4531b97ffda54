package domain

import "wikimetrics/internal/metric"

const (
	StatusPending = "PENDING"
	StatusStarted = "STARTED"
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

type Cohort struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	Owner            string `json:"owner"`
	DefaultProject   string `json:"default_project,omitempty"`
	ValidationHandle string `json:"validation_handle,omitempty"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

// ValidationRecord is one uploaded row. Valid is nil until the validator has run.
type ValidationRecord struct {
	ID          int64  `json:"id"`
	CohortID    int64  `json:"cohort_id"`
	RawID       string `json:"raw_id"`
	Project     string `json:"project"`
	UserID      *int64 `json:"user_id,omitempty"`
	UserName    string `json:"user_name,omitempty"`
	Valid       *bool  `json:"valid,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ValidatedAt string `json:"validated_at,omitempty" format:"date-time"`
}

type Member struct {
	CohortID int64  `json:"cohort_id"`
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	Project  string `json:"project"`
}

type CohortValidation struct {
	CohortID         int64  `json:"cohort_id"`
	ValidationStatus string `json:"validation_status" enum:"PENDING,STARTED,SUCCESS,FAILURE"`
	TotalCount       int    `json:"total_count"`
	ValidatedCount   int    `json:"validated_count"`
	ValidCount       int    `json:"valid_count"`
	InvalidCount     int    `json:"invalid_count"`
}

type Recurrence struct {
	Anchor       string `json:"anchor" format:"date-time"`
	Interval     string `json:"interval" doc:"Go duration, e.g. 24h"`
	MaxInstances int    `json:"max_instances_per_run,omitempty"`
}

// Report is either a one-off run, a recurrent template, or a scheduled run
// of a template (ParentID set).
type Report struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	Owner        string        `json:"owner"`
	CohortID     int64         `json:"cohort_id"`
	Metrics      []metric.Spec `json:"metrics"`
	Aggregations []string      `json:"aggregations"`
	Recurrent    bool          `json:"recurrent"`
	Recurrence   *Recurrence   `json:"recurrence,omitempty"`
	ParentID     *int64        `json:"parent_id,omitempty"`
	ScheduledFor string        `json:"scheduled_for,omitempty" format:"date-time"`
	Status       string        `json:"status" enum:"PENDING,STARTED,SUCCESS,FAILURE"`
	Handle       string        `json:"handle,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    string        `json:"created_at" format:"date-time"`
	UpdatedAt    string        `json:"updated_at" format:"date-time"`
}

type ScheduledRun struct {
	ID           int64  `json:"id"`
	ReportID     int64  `json:"report_id"`
	ScheduledFor string `json:"scheduled_for" format:"date-time"`
	RunReportID  int64  `json:"run_report_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
