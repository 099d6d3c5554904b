package server

import (
	"techo/internal/domain"
	"techo/internal/engine"
)

// Request payloads

type RegisterActorRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role" doc:"Role label; synonyms such as Técnico or vecina are accepted"`
}

type IssueAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type CreateProjectRequest struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

type CreateHousingUnitRequest struct {
	ProjectID     string `json:"project_id"`
	BeneficiaryID string `json:"beneficiary_id,omitempty"`
	Address       string `json:"address,omitempty"`
	HandoverAt    string `json:"handover_at,omitempty" doc:"Handover date, YYYY-MM-DD"`
}

type AssignBeneficiaryRequest struct {
	BeneficiaryID *string `json:"beneficiary_id" required:"false" nullable:"true" doc:"null unlinks the current beneficiary"`
}

type CreateIncidentRequest struct {
	HousingUnitID string  `json:"housing_unit_id"`
	Description   string  `json:"description"`
	Category      *string `json:"category,omitempty" enum:"electrica,plomeria,estructural,otra"`
	Priority      *string `json:"priority,omitempty" enum:"alta,media,baja"`
}

type UpdateIncidentRequest struct {
	Description *string `json:"description,omitempty"`
	Category    *string `json:"category,omitempty" required:"false" nullable:"true" doc:"null clears the category"`
	Priority    *string `json:"priority,omitempty" enum:"alta,media,baja"`
}

type TransitionRequest struct {
	To      string `json:"to" enum:"abierta,en_proceso,en_espera,resuelta,cerrada,descartada"`
	Comment string `json:"comment,omitempty"`
}

type CommentRequest struct {
	Comment string `json:"comment"`
}

type AssigneeRequest struct {
	TechnicianID *string `json:"technician_id" required:"false" nullable:"true" doc:"null unassigns"`
}

type UpdateItemRequest struct {
	OK             *bool    `json:"ok,omitempty" required:"false" nullable:"true" doc:"null resets the answer"`
	Severity       *string  `json:"severity,omitempty" enum:"mayor,media,menor"`
	Comment        *string  `json:"comment,omitempty"`
	CreateIncident *bool    `json:"create_incident,omitempty"`
	Photos         []string `json:"photos,omitempty"`
}

type ReviewRequest struct {
	Comment string `json:"comment,omitempty"`
}

type DevTokenRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role"`
}

// Response payloads

type ErrorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Source  string `json:"source"`
}

type APIKeyResponse struct {
	Key    string        `json:"key" doc:"Shown once"`
	APIKey domain.APIKey `json:"api_key"`
}

type paginatedIncidents struct {
	Items   []domain.Incident `json:"items"`
	HasMore bool              `json:"has_more"`
}

type paginatedEvents struct {
	Items   []domain.HistoryEvent `json:"items"`
	HasMore bool                  `json:"has_more"`
}

type TransitionResponse struct {
	To              string   `json:"to"`
	Action          string   `json:"action"`
	CommentRequired bool     `json:"comment_required"`
	Roles           []string `json:"roles"`
}

type FormResponse struct {
	domain.ChecklistForm
	Progress engine.FormProgress `json:"progress"`
}

type ReportResponse struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

type DevTokenResponse struct {
	Token string `json:"token"`
}

type eventsTail struct {
	Items      []domain.HistoryEvent `json:"items"`
	NextCursor int64                 `json:"next_cursor"`
}

func transitionResponses(ts []engine.Transition) []TransitionResponse {
	out := make([]TransitionResponse, 0, len(ts))
	for _, t := range ts {
		roles := make([]string, 0, len(t.Roles))
		for _, r := range t.Roles {
			roles = append(roles, string(r))
		}
		out = append(out, TransitionResponse{To: string(t.To), Action: t.Action, CommentRequired: t.CommentRequired, Roles: roles})
	}
	return out
}

func formResponse(f domain.ChecklistForm) FormResponse {
	if f.Items == nil {
		f.Items = []domain.ChecklistItem{}
	}
	return FormResponse{ChecklistForm: f, Progress: engine.Progress(f)}
}

func nonNilIncidents(items []domain.Incident) []domain.Incident {
	if items == nil {
		return []domain.Incident{}
	}
	return items
}

func nonNilEvents(items []domain.HistoryEvent) []domain.HistoryEvent {
	if items == nil {
		return []domain.HistoryEvent{}
	}
	return items
}
