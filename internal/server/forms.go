package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"techo/internal/domain"
	"techo/internal/engine"
	"techo/internal/report"
	"techo/internal/repo"
)

type formOutput struct {
	Body FormResponse `json:"body"`
}

type itemOutput struct {
	Body domain.ChecklistItem `json:"body"`
}

type itemUploadInput struct {
	ID          string `path:"id"`
	ItemID      string `path:"item_id"`
	Filename    string `query:"filename"`
	ContentType string `header:"Content-Type"`
	RawBody     []byte
}

func registerForms(api huma.API, e engine.Engine, reports report.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-forms",
		Method:      http.MethodGet,
		Path:        "/forms",
		Summary:     "List checklist forms, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status" enum:"borrador,enviada,revisada,"`
		HousingUnitID string `query:"housing_unit_id"`
		BeneficiaryID string `query:"beneficiary_id"`
		Limit         int    `query:"limit" default:"50"`
		Offset        int    `query:"offset"`
	}) (*struct {
		Body []domain.ChecklistForm `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		forms, err := e.ListForms(ctx, actor, repo.FormFilter{
			Status:        input.Status,
			HousingUnitID: input.HousingUnitID,
			BeneficiaryID: input.BeneficiaryID,
			Limit:         normalizeLimit(input.Limit),
			Offset:        input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if forms == nil {
			forms = []domain.ChecklistForm{}
		}
		return &struct {
			Body []domain.ChecklistForm `json:"body"`
		}{Body: forms}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-form",
		Method:      http.MethodGet,
		Path:        "/forms/{id}",
		Summary:     "Get a checklist form with its items and progress",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*formOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.GetForm(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &formOutput{Body: formResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-form-item",
		Method:      http.MethodPatch,
		Path:        "/forms/{id}/items/{item_id}",
		Summary:     "Answer one checklist item",
		Description: "item_id accepts the item id or its template code. Items are frozen once the form is submitted.",
		Errors:      incidentErrors,
	}, func(ctx context.Context, input *struct {
		ID     string            `path:"id"`
		ItemID string            `path:"item_id"`
		Body   UpdateItemRequest `json:"body"`
	}) (*itemOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw := rawBodyMap(ctx)
		patch := engine.ItemPatch{
			OK:             input.Body.OK,
			ClearOK:        isNullRaw(raw["ok"]),
			Comment:        input.Body.Comment,
			CreateIncident: input.Body.CreateIncident,
		}
		if input.Body.Severity != nil {
			sev := domain.Severity(*input.Body.Severity)
			patch.Severity = &sev
		}
		if _, ok := raw["photos"]; ok {
			photos := input.Body.Photos
			if photos == nil {
				photos = []string{}
			}
			patch.Photos = &photos
		}
		item, err := e.UpdateFormItem(ctx, actor, input.ID, input.ItemID, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemOutput{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-item-photo",
		Method:        http.MethodPost,
		Path:          "/forms/{id}/items/{item_id}/photos",
		Summary:       "Attach a photo to a checklist item; the request body is the raw file",
		DefaultStatus: http.StatusCreated,
		Errors:        incidentErrors,
	}, func(ctx context.Context, input *itemUploadInput) (*itemOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.AddItemPhoto(ctx, actor, input.ID, input.ItemID, engine.Upload{
			Filename:    input.Filename,
			ContentType: input.ContentType,
			Data:        input.RawBody,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &itemOutput{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-form",
		Method:      http.MethodPost,
		Path:        "/forms/{id}/submit",
		Summary:     "Submit a fully answered checklist",
		Errors:      incidentErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*formOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.SubmitForm(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &formOutput{Body: formResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-form",
		Method:      http.MethodPost,
		Path:        "/forms/{id}/review",
		Summary:     "Review a submitted checklist, opening incidents for failing items",
		Errors:      incidentErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *ReviewRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.ReviewResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var comment string
		if input.Body != nil {
			comment = input.Body.Comment
		}
		res, err := e.ReviewForm(ctx, actor, input.ID, comment)
		if err != nil {
			return nil, handleError(err)
		}
		if res.Incidents == nil {
			res.Incidents = []domain.Incident{}
		}
		return &struct {
			Body engine.ReviewResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "form-history",
		Method:      http.MethodGet,
		Path:        "/forms/{id}/history",
		Summary:     "Checklist history, oldest first",
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
		items, more, err := e.FormHistory(ctx, actor, input.ID, normalizeLimit(input.Limit), input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: nonNilEvents(items), HasMore: more}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "form-report",
		Method:        http.MethodPost,
		Path:          "/forms/{id}/report",
		Summary:       "Render the checklist to PDF and store it",
		DefaultStatus: http.StatusCreated,
		Errors:        incidentErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		obj, err := reports.FormPDF(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: ReportResponse{Path: obj.Path, URL: obj.URL}}, nil
	})
}
