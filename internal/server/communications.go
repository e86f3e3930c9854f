package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"cadence/internal/engine"
	"cadence/internal/repo"
	"cadence/internal/sweep"
)

func registerCommunications(api huma.API, e engine.Engine, s sweep.Sweeper) {
	huma.Register(api, huma.Operation{
		OperationID: "list-attempts",
		Method:      http.MethodGet,
		Path:        "/attempts",
		Summary:     "List communication attempts",
	}, func(ctx context.Context, input *struct {
		WorkflowID string `query:"workflow_id"`
		Status     string `query:"status" enum:"pending,in_progress,sent,failed,"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []AttemptResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAttempts(ctx, repo.AttemptFilters{
			WorkflowID: input.WorkflowID,
			Status:     input.Status,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AttemptResponse `json:"body"`
		}{Body: mapAttempts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-attempt",
		Method:      http.MethodGet,
		Path:        "/attempts/{id}",
		Summary:     "Get communication attempt",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AttemptResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAttempt(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttemptResponse `json:"body"`
		}{Body: attemptResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "List messages",
	}, func(ctx context.Context, input *struct {
		Recipient string `query:"recipient"`
		Status    string `query:"status" enum:"pending,sent,failed,delivered,opened,clicked,bounced,"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []MessageResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListMessages(ctx, repo.MessageFilters{
			RecipientAddress: input.Recipient,
			Status:           input.Status,
			Limit:            input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MessageResponse `json:"body"`
		}{Body: mapMessages(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-message",
		Method:      http.MethodGet,
		Path:        "/messages/{id}",
		Summary:     "Get message",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		m, err := e.Repo.GetMessage(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "message-delivery-event",
		Method:      http.MethodPost,
		Path:        "/messages/{id}/delivery",
		Summary:     "Record provider delivery event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body DeliveryEventRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ts := time.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.RecordDeliveryEvent(ctx, input.ID, input.Body.Kind, ts); err != nil {
			return nil, handleError(err)
		}
		m, err := e.Repo.GetMessage(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Run one sweep pass now",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body sweep.Result `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := s.RunOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sweep.Result `json:"body"`
		}{Body: res}, nil
	})
}
