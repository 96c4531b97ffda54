package server

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"wikimetrics/internal/domain"
	"wikimetrics/internal/engine"
	"wikimetrics/internal/report"
	"wikimetrics/internal/scheduler"
)

type reportPath struct {
	ID int64 `path:"id"`
}

func registerReports(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Create a report; one-off reports start right away",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ActorID string `header:"X-Actor-Id"`
		Body    CreateReportRequest
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		rep, err := h.e.CreateReport(ctx, input.Body.options(actorOrDefault(input.ActorID)))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List reports of the last 30 days",
	}, func(ctx context.Context, input *struct {
		ActorID string `header:"X-Actor-Id"`
		Owner   string `query:"owner" doc:"Defaults to the calling actor"`
	}) (*struct {
		Body listResponse[domain.Report] `json:"body"`
	}, error) {
		owner := input.Owner
		if owner == "" {
			owner = actorOrDefault(input.ActorID)
		}
		items, err := h.e.ListReports(ctx, owner)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body listResponse[domain.Report] `json:"body"`
		}{Body: listResponse[domain.Report]{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get a report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		rep, err := h.e.GetReport(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report-status",
		Method:      http.MethodGet,
		Path:        "/reports/{id}/status",
		Summary:     "Get the live status of a report run",
		Errors:      []int{http.StatusNotFound, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Wait int   `query:"wait" minimum:"0" maximum:"3600" doc:"Seconds to block for the run to finish"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		var (
			rep domain.Report
			err error
		)
		if input.Wait > 0 {
			rep, err = h.e.WaitReport(ctx, input.ID, time.Duration(input.Wait)*time.Second)
		} else {
			rep, err = h.e.ReportStatus(ctx, input.ID)
		}
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report-result",
		Method:      http.MethodGet,
		Path:        "/reports/{id}/result.json",
		Summary:     "Get the aggregated result of a finished run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body engine.ReportResult `json:"body"`
	}, error) {
		res, err := h.e.ReportResult(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.ReportResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report-result-csv",
		Method:      http.MethodGet,
		Path:        "/reports/{id}/result.csv",
		Summary:     "Get the aggregated result of a finished run as CSV",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *reportPath) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		res, err := h.e.ReportResult(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		var buf bytes.Buffer
		if err := report.WriteCSV(&buf, res.Result); err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "text/csv", Body: buf.Bytes()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-report-runs",
		Method:      http.MethodGet,
		Path:        "/reports/{id}/runs",
		Summary:     "List occurrences materialized for a recurrent report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body listResponse[domain.ScheduledRun] `json:"body"`
	}, error) {
		items, err := h.e.ScheduledRuns(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body listResponse[domain.ScheduledRun] `json:"body"`
		}{Body: listResponse[domain.ScheduledRun]{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-report",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/cancel",
		Summary:     "Request cancellation of a report run",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body engine.CancelOutcome `json:"body"`
	}, error) {
		out, err := h.e.CancelReport(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.CancelOutcome `json:"body"`
		}{Body: out}, nil
	})
}

func registerScheduler(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "run-scheduler",
		Method:      http.MethodPost,
		Path:        "/scheduler/run",
		Summary:     "Run one scheduler pass over recurrent reports",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body *SchedulerRunRequest `required:"false"`
	}) (*struct {
		Body scheduler.Summary `json:"body"`
	}, error) {
		var only *int64
		if input.Body != nil {
			only = input.Body.ReportID
		}
		if only != nil {
			if _, err := h.e.GetReport(ctx, *only); err != nil {
				return nil, h.handleError(err)
			}
		}
		sum, err := h.e.RunRecurring(ctx, only)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body scheduler.Summary `json:"body"`
		}{Body: sum}, nil
	})
}
