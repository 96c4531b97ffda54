package wikimetricssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal wikimetrics HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 30 * time.Second,
	}
}

// Record is one uploaded cohort row.
type Record struct {
	Raw     string `json:"raw_id"`
	Project string `json:"project,omitempty"`
}

// Validation is the roll-up of a cohort's validation.
type Validation struct {
	CohortID         int64  `json:"cohort_id"`
	ValidationStatus string `json:"validation_status"`
	TotalCount       int    `json:"total_count"`
	ValidatedCount   int    `json:"validated_count"`
	ValidCount       int    `json:"valid_count"`
	InvalidCount     int    `json:"invalid_count"`
}

// Cohort represents the API cohort model (partial).
type Cohort struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Owner          string     `json:"owner"`
	DefaultProject string     `json:"default_project"`
	Validation     Validation `json:"validation"`
}

// Metric names a metric and its parameters.
type Metric struct {
	ID     string            `json:"id"`
	Params map[string]string `json:"params,omitempty"`
}

// Recurrence schedules a recurrent report.
type Recurrence struct {
	Anchor       string `json:"anchor"`
	Interval     string `json:"interval"`
	MaxInstances int    `json:"max_instances_per_run,omitempty"`
}

// ReportRequest creates a report.
type ReportRequest struct {
	Name         string      `json:"name,omitempty"`
	CohortID     int64       `json:"cohort_id"`
	Metrics      []Metric    `json:"metrics"`
	Aggregations []string    `json:"aggregations,omitempty"`
	Recurrent    bool        `json:"recurrent,omitempty"`
	Recurrence   *Recurrence `json:"recurrence,omitempty"`
}

// Report represents the API report model (partial).
type Report struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	Owner        string   `json:"owner"`
	CohortID     int64    `json:"cohort_id"`
	Metrics      []Metric `json:"metrics"`
	Aggregations []string `json:"aggregations"`
	Recurrent    bool     `json:"recurrent"`
	ParentID     *int64   `json:"parent_id,omitempty"`
	ScheduledFor string   `json:"scheduled_for,omitempty"`
	Status       string   `json:"status"`
	Error        string   `json:"error,omitempty"`
}

// Result is a finished report's aggregate, kept as raw JSON views.
type Result struct {
	Report     Report            `json:"report"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Result     json.RawMessage   `json:"result"`
}

// SchedulerSummary reports what one scheduler pass did.
type SchedulerSummary struct {
	Reports      int     `json:"reports"`
	Materialized int     `json:"materialized"`
	Truncated    int     `json:"truncated"`
	Failed       int     `json:"failed"`
	Submitted    int     `json:"submitted"`
	RunReportIDs []int64 `json:"run_report_ids"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateCohort uploads a cohort. Validation runs in the background.
func (c *Client) CreateCohort(ctx context.Context, name, defaultProject string, records []Record) (Cohort, error) {
	body := map[string]any{
		"name":            name,
		"default_project": defaultProject,
		"records":         records,
	}
	var resp Cohort
	err := c.do(ctx, http.MethodPost, "cohorts", body, &resp)
	return resp, err
}

// CohortValidation returns the validation progress of a cohort.
func (c *Client) CohortValidation(ctx context.Context, id int64) (Validation, error) {
	var resp Validation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("cohorts/%d/validation", id), nil, &resp)
	return resp, err
}

// DeleteCohort removes a cohort. Cohorts named by a report or still being
// validated are refused with a cohort_in_use conflict.
func (c *Client) DeleteCohort(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("cohorts/%d", id), nil, nil)
}

// CohortNameAvailable reports whether no cohort uses name yet.
func (c *Client) CohortNameAvailable(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := c.do(ctx, http.MethodGet, "cohorts/validate/name?"+url.Values{"name": {name}}.Encode(), nil, &ok)
	return ok, err
}

// CreateReport creates a report; one-off reports start right away.
func (c *Client) CreateReport(ctx context.Context, req ReportRequest) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, "reports", req, &resp)
	return resp, err
}

// ReportStatus returns the live status, blocking up to wait for it to finish.
func (c *Client) ReportStatus(ctx context.Context, id int64, wait time.Duration) (Report, error) {
	endpoint := fmt.Sprintf("reports/%d/status", id)
	if wait > 0 {
		endpoint = fmt.Sprintf("%s?wait=%d", endpoint, int(wait.Seconds()))
	}
	var resp Report
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReportResult returns the aggregate of a finished report.
func (c *Client) ReportResult(ctx context.Context, id int64) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("reports/%d/result.json", id), nil, &resp)
	return resp, err
}

// CancelReport requests cancellation and returns how many jobs were asked to stop.
func (c *Client) CancelReport(ctx context.Context, id int64) (int, error) {
	var resp struct {
		Jobs int `json:"cancelled_jobs"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("reports/%d/cancel", id), nil, &resp)
	return resp.Jobs, err
}

// RunScheduler runs one scheduler pass, over one report when reportID is set.
func (c *Client) RunScheduler(ctx context.Context, reportID *int64) (SchedulerSummary, error) {
	body := map[string]any{}
	if reportID != nil {
		body["report_id"] = *reportID
	}
	var resp SchedulerSummary
	err := c.do(ctx, http.MethodPost, "scheduler/run", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
