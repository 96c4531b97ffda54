package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"wikimetrics/internal/domain"
	"wikimetrics/internal/engine"
)

type cohortPath struct {
	ID int64 `path:"id"`
}

func registerCohorts(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cohort",
		Method:        http.MethodPost,
		Path:          "/cohorts",
		Summary:       "Upload a cohort and start its validation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ActorID string `header:"X-Actor-Id"`
		Body    CreateCohortRequest
	}) (*struct {
		Body CohortResponse `json:"body"`
	}, error) {
		records, err := input.Body.records()
		if err != nil {
			return nil, h.handleError(err)
		}
		actor := actorOrDefault(input.ActorID)
		c, err := h.e.CreateCohort(ctx, engine.CohortCreateOptions{
			Name:           input.Body.Name,
			Description:    input.Body.Description,
			Owner:          actor,
			DefaultProject: input.Body.DefaultProject,
			Records:        records,
			ActorID:        actor,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp, err := h.cohortResponse(ctx, c)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body CohortResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cohorts",
		Method:      http.MethodGet,
		Path:        "/cohorts",
		Summary:     "List cohorts of an owner",
	}, func(ctx context.Context, input *struct {
		ActorID        string `header:"X-Actor-Id"`
		Owner          string `query:"owner" doc:"Defaults to the calling actor"`
		IncludeInvalid bool   `query:"include_invalid" doc:"Also list cohorts still validating or without valid members"`
	}) (*struct {
		Body listResponse[domain.Cohort] `json:"body"`
	}, error) {
		owner := input.Owner
		if owner == "" {
			owner = actorOrDefault(input.ActorID)
		}
		items, err := h.e.ListCohorts(ctx, owner, input.IncludeInvalid)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body listResponse[domain.Cohort] `json:"body"`
		}{Body: listResponse[domain.Cohort]{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cohort",
		Method:      http.MethodGet,
		Path:        "/cohorts/{id}",
		Summary:     "Get a cohort by id or name",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"id" doc:"Cohort id, or its name when not numeric"`
	}) (*struct {
		Body CohortResponse `json:"body"`
	}, error) {
		c, err := h.e.LookupCohort(ctx, input.Ref)
		if err != nil {
			return nil, h.handleError(err)
		}
		resp, err := h.cohortResponse(ctx, c)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body CohortResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-cohort",
		Method:      http.MethodDelete,
		Path:        "/cohorts/{id}",
		Summary:     "Delete a cohort with its records and members",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActorID string `header:"X-Actor-Id"`
		ID      int64  `path:"id"`
	}) (*struct{}, error) {
		if err := h.e.DeleteCohort(ctx, input.ID, actorOrDefault(input.ActorID)); err != nil {
			return nil, h.handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-cohort-name",
		Method:      http.MethodGet,
		Path:        "/cohorts/validate/name",
		Summary:     "Tell whether a cohort name is still available",
	}, func(ctx context.Context, input *struct {
		Name string `query:"name"`
	}) (*struct {
		Body bool `json:"body"`
	}, error) {
		ok, err := h.e.CohortNameAvailable(ctx, input.Name)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body bool `json:"body"`
		}{Body: ok}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-cohort-project",
		Method:      http.MethodGet,
		Path:        "/cohorts/validate/project",
		Summary:     "Tell whether records may name a project",
	}, func(ctx context.Context, input *struct {
		Project string `query:"project"`
	}) (*struct {
		Body bool `json:"body"`
	}, error) {
		return &struct {
			Body bool `json:"body"`
		}{Body: h.e.ProjectAllowed(input.Project)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cohort-validation",
		Method:      http.MethodGet,
		Path:        "/cohorts/{id}/validation",
		Summary:     "Get validation progress of a cohort",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *cohortPath) (*struct {
		Body domain.CohortValidation `json:"body"`
	}, error) {
		v, err := h.e.CohortValidation(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.CohortValidation `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-cohort",
		Method:      http.MethodPost,
		Path:        "/cohorts/{id}/validate",
		Summary:     "Resubmit validation of a cohort",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *cohortPath) (*struct {
		Body domain.CohortValidation `json:"body"`
	}, error) {
		v, err := h.e.ValidateCohort(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.CohortValidation `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-invalid-records",
		Method:      http.MethodGet,
		Path:        "/cohorts/{id}/invalid",
		Summary:     "List records that failed validation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *cohortPath) (*struct {
		Body listResponse[domain.ValidationRecord] `json:"body"`
	}, error) {
		items, err := h.e.InvalidRecords(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body listResponse[domain.ValidationRecord] `json:"body"`
		}{Body: listResponse[domain.ValidationRecord]{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cohort-members",
		Method:      http.MethodGet,
		Path:        "/cohorts/{id}/members",
		Summary:     "List validated members of a cohort",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *cohortPath) (*struct {
		Body listResponse[domain.Member] `json:"body"`
	}, error) {
		items, err := h.e.CohortMembers(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body listResponse[domain.Member] `json:"body"`
		}{Body: listResponse[domain.Member]{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List configured projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listResponse[string] `json:"body"`
	}, error) {
		return &struct {
			Body listResponse[string] `json:"body"`
		}{Body: listResponse[string]{Items: nonNilSlice(h.e.ProjectNames())}}, nil
	})
}

func (h handlers) cohortResponse(ctx context.Context, c domain.Cohort) (CohortResponse, error) {
	v, err := h.e.CohortValidation(ctx, c.ID)
	if err != nil {
		return CohortResponse{}, err
	}
	return CohortResponse{Cohort: c, Validation: v}, nil
}
