package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cadence/internal/config"
	"cadence/internal/engine"
)

func registerPrograms(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-program",
		Method:      http.MethodGet,
		Path:        "/program",
		Summary:     "Get program",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProgramResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProgram(ctx, e.Config.Program.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgramResponse `json:"body"`
		}{Body: programResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-program-config",
		Method:      http.MethodGet,
		Path:        "/program/config",
		Summary:     "Get program config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetProgramConfig(ctx, e.Config.Program.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-program-config",
		Method:      http.MethodPut,
		Path:        "/program/config",
		Summary:     "Replace program config",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body config.Config `json:"body"`
	}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		cfg := input.Body
		if err := e.Repo.UpsertProgramConfig(ctx, e.Config.Program.ID, &cfg); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetProgramConfig(ctx, e.Config.Program.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: stored}, nil
	})
}

func registerRounds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rounds",
		Method:      http.MethodGet,
		Path:        "/rounds",
		Summary:     "List rounds",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RoundResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRounds(ctx, e.Config.Program.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RoundResponse `json:"body"`
		}{Body: mapRounds(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-round",
		Method:      http.MethodGet,
		Path:        "/rounds/{name}",
		Summary:     "Round with status counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body RoundSummaryResponse `json:"body"`
	}, error) {
		rd, err := e.Repo.GetRoundByName(ctx, e.Config.Program.ID, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountRoundStatuses(ctx, rd.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoundSummaryResponse `json:"body"`
		}{Body: RoundSummaryResponse{Round: roundResponse(rd), StatusCounts: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-round",
		Method:      http.MethodPost,
		Path:        "/rounds/{name}/activate",
		Summary:     "Activate round",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body RoundResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rd, err := e.ActivateRound(ctx, e.Config.Program.ID, input.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoundResponse `json:"body"`
		}{Body: roundResponse(rd)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-round",
		Method:      http.MethodPost,
		Path:        "/rounds/{name}/complete",
		Summary:     "Complete round",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body RoundResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rd, err := e.CompleteRound(ctx, e.Config.Program.ID, input.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoundResponse `json:"body"`
		}{Body: roundResponse(rd)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-round",
		Method:      http.MethodPost,
		Path:        "/rounds/{name}/reopen",
		Summary:     "Reopen most recently completed round",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body RoundResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rd, err := e.ReopenRound(ctx, e.Config.Program.ID, input.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoundResponse `json:"body"`
		}{Body: roundResponse(rd)}, nil
	})
}
