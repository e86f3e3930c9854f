package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cadence/internal/engine"
	"cadence/internal/repo"
)

func registerParticipants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-participant",
		Method:        http.MethodPost,
		Path:          "/participants",
		Summary:       "Register participant",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterParticipantRequest `json:"body"`
	}) (*struct {
		Body ParticipantResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ParticipantCreateOptions{
			ProgramID: e.Config.Program.ID,
			Type:      input.Body.Type,
			Name:      input.Body.Name,
			Email:     input.Body.Email,
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.AccountID != nil {
			opts.AccountID = *input.Body.AccountID
		}
		p, err := e.RegisterParticipant(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ParticipantResponse `json:"body"`
		}{Body: participantResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/participants",
		Summary:     "List participants",
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type" enum:"juror,startup,"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ParticipantResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListParticipants(ctx, repo.ParticipantFilters{
			ProgramID: e.Config.Program.ID,
			Type:      input.Type,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ParticipantResponse `json:"body"`
		}{Body: mapParticipants(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-participant",
		Method:      http.MethodGet,
		Path:        "/participants/{id}",
		Summary:     "Get participant",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ParticipantResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetParticipant(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ParticipantResponse `json:"body"`
		}{Body: participantResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-participant-status",
		Method:      http.MethodPut,
		Path:        "/participants/{id}/status",
		Summary:     "Set participant round status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                      `path:"id"`
		Body SetParticipantStatusRequest `json:"body"`
	}) (*struct {
		Body ParticipantStatusResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Round == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "round is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		prs, err := e.SetParticipantStatus(ctx, e.Config.Program.ID, input.ID, input.Body.Round, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ParticipantStatusResponse `json:"body"`
		}{Body: ParticipantStatusResponse{
			ParticipantID: prs.ParticipantID,
			RoundID:       prs.RoundID,
			Status:        prs.Status,
			UpdatedAt:     prs.UpdatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "participant-stage-progress",
		Method:      http.MethodGet,
		Path:        "/participants/{id}/progress",
		Summary:     "Stage progress timeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StageProgressResponse `json:"body"`
	}, error) {
		entries, err := e.StageProgress(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageProgressResponse `json:"body"`
		}{Body: StageProgressResponse{ParticipantID: input.ID, Stages: entries}}, nil
	})
}
