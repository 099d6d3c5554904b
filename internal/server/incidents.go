package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"techo/internal/domain"
	"techo/internal/engine"
	"techo/internal/report"
	"techo/internal/repo"
)

var incidentErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusBadGateway,
}

type incidentPath struct {
	ID string `path:"id"`
}

type incidentOutput struct {
	Body domain.Incident `json:"body"`
}

type fileOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

type uploadInput struct {
	ID          string `path:"id"`
	Filename    string `query:"filename" doc:"Original file name, used for the stored object's extension"`
	ContentType string `header:"Content-Type"`
	RawBody     []byte
}

func (in uploadInput) upload() engine.Upload {
	return engine.Upload{Filename: in.Filename, ContentType: in.ContentType, Data: in.RawBody}
}

func categoryPtr(raw *string) *domain.Category {
	if raw == nil {
		return nil
	}
	c := domain.Category(strings.TrimSpace(*raw))
	return &c
}

func priorityPtr(raw *string) *domain.Priority {
	if raw == nil {
		return nil
	}
	p := domain.Priority(strings.TrimSpace(*raw))
	return &p
}

func registerIncidents(api huma.API, e engine.Engine, reports report.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-incident",
		Method:        http.MethodPost,
		Path:          "/incidents",
		Summary:       "Report an incident on a housing unit",
		DefaultStatus: http.StatusCreated,
		Errors:        incidentErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateIncidentRequest `json:"body"`
	}) (*incidentOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inc, err := e.CreateIncident(ctx, actor, engine.IncidentDraft{
			HousingUnitID: input.Body.HousingUnitID,
			Description:   input.Body.Description,
			Category:      categoryPtr(input.Body.Category),
			Priority:      priorityPtr(input.Body.Priority),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-incidents",
		Method:      http.MethodGet,
		Path:        "/incidents",
		Summary:     "List incidents visible to the caller, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status"`
		Category      string `query:"category"`
		Priority      string `query:"priority"`
		AssigneeID    string `query:"assignee_id"`
		Unassigned    bool   `query:"unassigned"`
		HousingUnitID string `query:"housing_unit_id"`
		Query         string `query:"q" doc:"Case-insensitive text search in the description"`
		Limit         int    `query:"limit" default:"50"`
		Offset        int    `query:"offset"`
	}) (*struct {
		Body paginatedIncidents `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Offset < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "offset must not be negative", nil)
		}
		items, more, err := e.ListIncidents(ctx, actor, repo.IncidentFilter{
			Status:        input.Status,
			Category:      input.Category,
			Priority:      input.Priority,
			AssigneeID:    input.AssigneeID,
			Unassigned:    input.Unassigned,
			HousingUnitID: input.HousingUnitID,
			Text:          input.Query,
			Limit:         normalizeLimit(input.Limit),
			Offset:        input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedIncidents `json:"body"`
		}{Body: paginatedIncidents{Items: nonNilIncidents(items), HasMore: more}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-incidents",
		Method:      http.MethodGet,
		Path:        "/incidents/export.xlsx",
		Summary:     "Export incidents to an Excel workbook",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status"`
		Category      string `query:"category"`
		Priority      string `query:"priority"`
		AssigneeID    string `query:"assignee_id"`
		HousingUnitID string `query:"housing_unit_id"`
	}) (*fileOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		data, err := reports.ExportIncidents(ctx, actor, repo.IncidentFilter{
			Status:        input.Status,
			Category:      input.Category,
			Priority:      input.Priority,
			AssigneeID:    input.AssigneeID,
			HousingUnitID: input.HousingUnitID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &fileOutput{
			ContentType:        "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			ContentDisposition: attachment("incidencias.xlsx"),
			Body:               data,
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-incident",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}",
		Summary:     "Get incident with its media",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *incidentPath) (*incidentOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inc, err := e.GetIncident(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-incident",
		Method:      http.MethodPatch,
		Path:        "/incidents/{id}",
		Summary:     "Edit description, category or priority",
		Errors:      incidentErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateIncidentRequest `json:"body"`
	}) (*incidentOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		patch := engine.IncidentPatch{
			Description: input.Body.Description,
			Category:    categoryPtr(input.Body.Category),
			Priority:    priorityPtr(input.Body.Priority),
		}
		if isNullRaw(rawBodyMap(ctx)["category"]) {
			cleared := domain.Category("")
			patch.Category = &cleared
		}
		inc, err := e.EditIncident(ctx, actor, input.ID, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-incident-transitions",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}/transitions",
		Summary:     "Status changes the caller may make next",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *incidentPath) (*struct {
		Body []TransitionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inc, err := e.GetIncident(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TransitionResponse `json:"body"`
		}{Body: transitionResponses(engine.AllowedTransitions(inc.Status, actor.Role))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-incident",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/transitions",
		Summary:     "Move an incident to another status",
		Errors:      incidentErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*incidentOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inc, err := e.TransitionIncident(ctx, actor, input.ID, domain.IncidentStatus(input.Body.To), input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "comment-incident",
		Method:        http.MethodPost,
		Path:          "/incidents/{id}/comments",
		Summary:       "Comment on an incident",
		DefaultStatus: http.StatusCreated,
		Errors:        incidentErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body CommentRequest `json:"body"`
	}) (*struct {
		Body domain.HistoryEvent `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evt, err := e.CommentIncident(ctx, actor, input.ID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HistoryEvent `json:"body"`
		}{Body: evt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-incident",
		Method:      http.MethodPut,
		Path:        "/incidents/{id}/assignee",
		Summary:     "Assign or unassign the responsible technician",
		Errors:      incidentErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body AssigneeRequest `json:"body"`
	}) (*incidentOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inc, err := e.AssignIncident(ctx, actor, input.ID, input.Body.TechnicianID)
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-incident-media",
		Method:        http.MethodPost,
		Path:          "/incidents/{id}/media",
		Summary:       "Attach a photo; the request body is the raw file",
		DefaultStatus: http.StatusCreated,
		Errors:        incidentErrors,
	}, func(ctx context.Context, input *uploadInput) (*struct {
		Body domain.Media `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AddIncidentMedia(ctx, actor, input.ID, input.upload())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Media `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "incident-history",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}/history",
		Summary:     "Incident history, oldest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Offset int    `query:"offset"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, more, err := e.IncidentHistory(ctx, actor, input.ID, normalizeLimit(input.Limit), input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: nonNilEvents(items), HasMore: more}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "incident-deadlines",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}/deadlines",
		Summary:     "Response and warranty deadlines",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *incidentPath) (*struct {
		Body domain.Deadlines `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.IncidentDeadlines(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deadlines `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "incident-report-html",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}/report.html",
		Summary:     "Incident dossier as HTML",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *incidentPath) (*fileOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		html, err := reports.IncidentHTML(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &fileOutput{ContentType: "text/html; charset=utf-8", Body: html}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "incident-report",
		Method:        http.MethodPost,
		Path:          "/incidents/{id}/report",
		Summary:       "Render the incident dossier to PDF and store it",
		DefaultStatus: http.StatusCreated,
		Errors:        incidentErrors,
	}, func(ctx context.Context, input *incidentPath) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		obj, err := reports.IncidentPDF(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: ReportResponse{Path: obj.Path, URL: obj.URL}}, nil
	})
}

func attachment(name string) string {
	return fmt.Sprintf("attachment; filename=%q", name)
}
