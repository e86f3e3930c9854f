package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cadence/internal/engine"
)

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "post-event",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Submit application event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body PostEventRequest `json:"body"`
	}) (*struct {
		Body engine.EventResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		if input.Body.ParticipantID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "participant_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.HandleEvent(ctx, engine.EventOptions{
			Type:          input.Body.Type,
			ProgramID:     e.Config.Program.ID,
			ParticipantID: input.Body.ParticipantID,
			Payload:       input.Body.Payload,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EventResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []WorkflowResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkflows(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]WorkflowResponse, 0, len(items))
		for _, w := range items {
			res = append(res, workflowResponse(w))
		}
		return &struct {
			Body []WorkflowResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{participant_id}/{participant_type}",
		Summary:     "Get workflow by participant",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ParticipantID   string `path:"participant_id"`
		ParticipantType string `path:"participant_type" enum:"juror,startup"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		wf, err := e.Repo.GetWorkflowByParticipant(ctx, input.ParticipantID, input.ParticipantType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(wf)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-communication",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/retry",
		Summary:     "Retry failed communication",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AttemptResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RetryCommunication(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttemptResponse `json:"body"`
		}{Body: attemptResponse(a)}, nil
	})
}
