package server

import (
	"encoding/json"
	"strings"

	"wikimetrics/internal/domain"
	"wikimetrics/internal/engine"
	"wikimetrics/internal/metric"
)

// Request payloads

type CohortRecordRequest struct {
	Raw     string `json:"raw_id" doc:"Username or numeric user id"`
	Project string `json:"project,omitempty"`
}

type CreateCohortRequest struct {
	Name           string                `json:"name"`
	Description    string                `json:"description,omitempty"`
	DefaultProject string                `json:"default_project,omitempty"`
	Records        []CohortRecordRequest `json:"records,omitempty"`
	CSV            string                `json:"csv,omitempty" doc:"user,project lines; used when records is empty"`
}

type MetricRequest struct {
	ID     string            `json:"id" example:"edits"`
	Params map[string]string `json:"params,omitempty"`
}

type RecurrenceRequest struct {
	Anchor       string `json:"anchor" format:"date-time"`
	Interval     string `json:"interval" example:"24h"`
	MaxInstances int    `json:"max_instances_per_run,omitempty"`
}

type CreateReportRequest struct {
	Name         string             `json:"name,omitempty"`
	CohortID     int64              `json:"cohort_id"`
	Metrics      []MetricRequest    `json:"metrics"`
	Aggregations []string           `json:"aggregations,omitempty" doc:"Labels or ind, sum, avg, std; defaults to ind"`
	Recurrent    bool               `json:"recurrent,omitempty"`
	Recurrence   *RecurrenceRequest `json:"recurrence,omitempty"`
}

type SchedulerRunRequest struct {
	ReportID *int64 `json:"report_id,omitempty"`
}

// Response payloads

type HealthResponse struct {
	Status   string   `json:"status" example:"ok"`
	Projects []string `json:"projects"`
}

type CohortResponse struct {
	domain.Cohort
	Validation domain.CohortValidation `json:"validation"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

// Converters

func (r CreateCohortRequest) records() ([]engine.RecordInput, error) {
	if len(r.Records) == 0 && r.CSV != "" {
		return engine.ParseRecords(strings.NewReader(r.CSV))
	}
	out := make([]engine.RecordInput, len(r.Records))
	for i, rec := range r.Records {
		out[i] = engine.RecordInput{Raw: rec.Raw, Project: rec.Project}
	}
	return out, nil
}

func (r CreateReportRequest) options(actor string) engine.ReportCreateOptions {
	opts := engine.ReportCreateOptions{
		Name:         r.Name,
		CohortID:     r.CohortID,
		Metrics:      make([]metric.Spec, len(r.Metrics)),
		Aggregations: r.Aggregations,
		Recurrent:    r.Recurrent,
		ActorID:      actor,
	}
	for i, m := range r.Metrics {
		opts.Metrics[i] = metric.Spec{ID: m.ID, Params: m.Params}
	}
	if r.Recurrence != nil {
		opts.Recurrence = &domain.Recurrence{
			Anchor:       r.Recurrence.Anchor,
			Interval:     r.Recurrence.Interval,
			MaxInstances: r.Recurrence.MaxInstances,
		}
	}
	return opts
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
