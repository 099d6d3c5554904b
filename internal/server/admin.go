package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"techo/internal/domain"
	"techo/internal/engine"
)

var adminErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusBadGateway,
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Describe the authenticated caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.Actor.ID, Name: p.Actor.Name, Role: string(p.Actor.Role), Source: p.Source}}, nil
	})
}

func registerActors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-actor",
		Method:        http.MethodPost,
		Path:          "/actors",
		Summary:       "Register an actor or change its role",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterActorRequest `json:"body"`
	}) (*struct {
		Body domain.Actor `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RegisterActor(ctx, actor, strings.TrimSpace(input.Body.ID), input.Body.Name, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Actor `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List actors, optionally by role",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body []domain.Actor `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actors, err := e.ListActors(ctx, actor, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Actor `json:"body"`
		}{Body: actors}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-api-key",
		Method:        http.MethodPost,
		Path:          "/actors/{id}/api-keys",
		Summary:       "Issue an API key for an actor",
		Description:   "The plain key is returned once and never stored.",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body *IssueAPIKeyRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var name string
		if input.Body != nil {
			name = input.Body.Name
		}
		key, plain, err := e.IssueAPIKey(ctx, actor, input.ID, name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{Key: plain, APIKey: key}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create a housing project",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, actor, engine.ProjectDraft{Name: input.Body.Name, Address: input.Body.Address})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List housing projects",
		Errors:      adminErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		projects, err := e.ListProjects(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		if projects == nil {
			projects = []domain.Project{}
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: projects}, nil
	})
}

type unitOutput struct {
	Body domain.HousingUnit `json:"body"`
}

func registerHousingUnits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-housing-unit",
		Method:        http.MethodPost,
		Path:          "/housing-units",
		Summary:       "Create a housing unit inside a project",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateHousingUnitRequest `json:"body"`
	}) (*unitOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.CreateHousingUnit(ctx, actor, engine.HousingUnitDraft{
			ProjectID:     input.Body.ProjectID,
			BeneficiaryID: input.Body.BeneficiaryID,
			Address:       input.Body.Address,
			HandoverAt:    input.Body.HandoverAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &unitOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-housing-units",
		Method:      http.MethodGet,
		Path:        "/housing-units",
		Summary:     "List housing units, optionally inside one project",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body []domain.HousingUnit `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		units, err := e.ListHousingUnits(ctx, actor, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if units == nil {
			units = []domain.HousingUnit{}
		}
		return &struct {
			Body []domain.HousingUnit `json:"body"`
		}{Body: units}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-beneficiary",
		Method:      http.MethodPut,
		Path:        "/housing-units/{id}/beneficiary",
		Summary:     "Link or unlink the unit's beneficiary",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body AssignBeneficiaryRequest `json:"body"`
	}) (*unitOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var beneficiaryID string
		if input.Body.BeneficiaryID != nil {
			beneficiaryID = strings.TrimSpace(*input.Body.BeneficiaryID)
		}
		u, err := e.AssignBeneficiary(ctx, actor, input.ID, beneficiaryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &unitOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ensure-form",
		Method:      http.MethodPost,
		Path:        "/housing-units/{id}/form",
		Summary:     "Open the unit's checklist, or return the existing one",
		Description: "Responds 201 when a new checklist was created and 200 when one already existed.",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Status int
		Body   FormResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, created, err := e.EnsureForm(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return &struct {
			Status int
			Body   FormResponse `json:"body"`
		}{Status: status, Body: formResponse(f)}, nil
	})
}

func registerTechnicians(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-technicians",
		Method:      http.MethodGet,
		Path:        "/technicians",
		Summary:     "Technicians with their active workload",
		Errors:      adminErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Technician `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		techs, err := e.ListTechnicians(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		if techs == nil {
			techs = []domain.Technician{}
		}
		return &struct {
			Body []domain.Technician `json:"body"`
		}{Body: techs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suggest-technician",
		Method:      http.MethodGet,
		Path:        "/technicians/suggestion",
		Summary:     "The least loaded technician",
		Errors:      adminErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Technician `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tech, ok, err := e.SuggestTechnician(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no technicians registered", nil)
		}
		return &struct {
			Body domain.Technician `json:"body"`
		}{Body: tech}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Incident counts by status, technician load and recent activity",
		Errors:      adminErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Dashboard `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Dashboard(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Dashboard `json:"body"`
		}{Body: d}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Every history event after a cursor, oldest first",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" minimum:"0"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body eventsTail `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.TailEvents(ctx, actor, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		next := input.After
		if len(items) > 0 {
			next = items[len(items)-1].ID
		}
		return &struct {
			Body eventsTail `json:"body"`
		}{Body: eventsTail{Items: nonNilEvents(items), NextCursor: next}}, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev/token",
		Summary:     "Mint a development bearer token",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevTokenRequest `json:"body"`
	}) (*struct {
		Body DevTokenResponse `json:"body"`
	}, error) {
		actorID := strings.TrimSpace(input.Body.ActorID)
		if actorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "actor_id is required", nil)
		}
		token, err := SignDevToken(cfg.JWTSecret, actorID, input.Body.Name, input.Body.Role)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevTokenResponse `json:"body"`
		}{Body: DevTokenResponse{Token: token}}, nil
	})
}
