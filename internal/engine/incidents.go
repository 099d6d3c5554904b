package engine

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"go.uber.org/zap"

	"techo/internal/domain"
	"techo/internal/engine/auth"
	"techo/internal/repo"
)

// IncidentDraft holds what a beneficiary supplies when reporting a defect.
type IncidentDraft struct {
	HousingUnitID string
	Description   string
	Category      *domain.Category
	Priority      *domain.Priority
}

// IncidentPatch edits descriptive fields. A nil field is left alone; an empty
// Category clears it.
type IncidentPatch struct {
	Description *string
	Category    *domain.Category
	Priority    *domain.Priority
}

// Upload is a binary attachment on its way to object storage.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (e Engine) CreateIncident(ctx context.Context, actor auth.Actor, d IncidentDraft) (domain.Incident, error) {
	if err := auth.Require(actor, "incident.create", auth.Beneficiario); err != nil {
		return domain.Incident{}, err
	}
	desc := strings.TrimSpace(d.Description)
	if desc == "" {
		return domain.Incident{}, invalid("description_required", "description is required")
	}
	if d.HousingUnitID == "" {
		return domain.Incident{}, invalid("housing_unit_required", "housing unit is required")
	}
	var category *domain.Category
	if d.Category != nil && *d.Category != "" {
		if !d.Category.Valid() {
			return domain.Incident{}, invalid("invalid_category", "invalid category %q", *d.Category)
		}
		c := *d.Category
		category = &c
	}
	priority := domain.Priority(e.Config.Incidents.DefaultPriority)
	if d.Priority != nil && *d.Priority != "" {
		if !d.Priority.Valid() {
			return domain.Incident{}, invalid("invalid_priority", "invalid priority %q", *d.Priority)
		}
		priority = *d.Priority
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Incident{}, err
	}
	defer tx.Rollback()

	unit, err := e.Repo.GetHousingUnitTx(ctx, tx.Tx, d.HousingUnitID)
	if err != nil {
		return domain.Incident{}, err
	}
	if unit.BeneficiaryID == nil || *unit.BeneficiaryID != actor.ID {
		return domain.Incident{}, auth.ForbiddenError{Action: "incident.create"}
	}
	now := e.stamp()
	inc := domain.Incident{
		ID:            newID(),
		HousingUnitID: unit.ID,
		ReporterID:    actor.ID,
		Description:   desc,
		Category:      category,
		Priority:      priority,
		Status:        domain.StatusAbierta,
		Version:       1,
		ReportedAt:    now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertIncident(ctx, tx.Tx, inc); err != nil {
		return domain.Incident{}, fmt.Errorf("insert incident: %w", err)
	}
	if err := tx.record(ctx, domain.HistoryEvent{
		TS:         now,
		EntityKind: domain.EntityIncident,
		EntityID:   inc.ID,
		Type:       domain.EventCreated,
		ToState:    statusPtr(inc.Status),
		ActorID:    actor.ID,
		Payload:    map[string]any{"housing_unit_id": unit.ID, "priority": string(priority)},
	}); err != nil {
		return domain.Incident{}, err
	}
	if err := tx.commit(ctx); err != nil {
		return domain.Incident{}, err
	}
	return inc, nil
}

// canSeeIncident is true for staff and for the beneficiary who reported it.
func canSeeIncident(actor auth.Actor, inc domain.Incident) bool {
	if actor.IsStaff() {
		return true
	}
	return actor.Is(auth.Beneficiario) && inc.ReporterID == actor.ID
}

// GetIncident returns the incident with its media in upload order.
func (e Engine) GetIncident(ctx context.Context, actor auth.Actor, id string) (domain.Incident, error) {
	if err := auth.Require(actor, "incident.read", auth.Administrador, auth.Tecnico, auth.TecnicoCampo, auth.Beneficiario); err != nil {
		return domain.Incident{}, err
	}
	inc, err := e.Repo.GetIncident(ctx, id)
	if err != nil {
		return domain.Incident{}, err
	}
	if !canSeeIncident(actor, inc) {
		return domain.Incident{}, auth.ForbiddenError{Action: "incident.read"}
	}
	inc.Media, err = e.Repo.ListMedia(ctx, id)
	if err != nil {
		return domain.Incident{}, err
	}
	unit, err := e.Repo.GetHousingUnit(ctx, inc.HousingUnitID)
	if err != nil {
		return domain.Incident{}, err
	}
	d := e.Deadlines(inc, unit)
	inc.Deadlines = &d
	return inc, nil
}

// ListIncidents pages through incidents. Beneficiaries only ever see their own reports.
func (e Engine) ListIncidents(ctx context.Context, actor auth.Actor, f repo.IncidentFilter) ([]domain.Incident, bool, error) {
	if err := auth.Require(actor, "incident.list", auth.Administrador, auth.Tecnico, auth.TecnicoCampo, auth.Beneficiario); err != nil {
		return nil, false, err
	}
	if f.Status != "" && !domain.IncidentStatus(f.Status).Valid() {
		return nil, false, invalid("invalid_status", "invalid status %q", f.Status)
	}
	if f.Category != "" && !domain.Category(f.Category).Valid() {
		return nil, false, invalid("invalid_category", "invalid category %q", f.Category)
	}
	if f.Priority != "" && !domain.Priority(f.Priority).Valid() {
		return nil, false, invalid("invalid_priority", "invalid priority %q", f.Priority)
	}
	if actor.Is(auth.Beneficiario) {
		f.ReporterID = actor.ID
	}
	f.Limit = normalizeLimit(f.Limit)
	if f.Offset < 0 {
		f.Offset = 0
	}
	limit := f.Limit
	f.Limit = limit + 1
	items, err := e.Repo.ListIncidents(ctx, f)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return items, hasMore, nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

// EditIncident changes description, category or priority. Staff only.
func (e Engine) EditIncident(ctx context.Context, actor auth.Actor, id string, p IncidentPatch) (domain.Incident, error) {
	if err := auth.Require(actor, "incident.edit", auth.Staff...); err != nil {
		return domain.Incident{}, err
	}
	if p.Description != nil && strings.TrimSpace(*p.Description) == "" {
		return domain.Incident{}, invalid("description_required", "description is required")
	}
	if p.Category != nil && *p.Category != "" && !p.Category.Valid() {
		return domain.Incident{}, invalid("invalid_category", "invalid category %q", *p.Category)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return domain.Incident{}, invalid("invalid_priority", "invalid priority %q", *p.Priority)
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Incident{}, err
	}
	defer tx.Rollback()

	inc, err := e.Repo.GetIncidentTx(ctx, tx.Tx, id)
	if err != nil {
		return domain.Incident{}, err
	}
	if inc.Status.Terminal() {
		return domain.Incident{}, PreconditionError{Message: fmt.Sprintf("incident is %s and can no longer be edited", inc.Status)}
	}
	changes := map[string]any{}
	if p.Description != nil {
		desc := strings.TrimSpace(*p.Description)
		if desc != inc.Description {
			changes["description"] = map[string]any{"from": inc.Description, "to": desc}
			inc.Description = desc
		}
	}
	if p.Category != nil {
		var next *domain.Category
		if *p.Category != "" {
			c := *p.Category
			next = &c
		}
		if !sameCategory(inc.Category, next) {
			changes["category"] = map[string]any{"from": categoryValue(inc.Category), "to": categoryValue(next)}
			inc.Category = next
		}
	}
	if p.Priority != nil && *p.Priority != inc.Priority {
		changes["priority"] = map[string]any{"from": string(inc.Priority), "to": string(*p.Priority)}
		inc.Priority = *p.Priority
	}
	if len(changes) == 0 {
		return inc, nil
	}
	inc.UpdatedAt = e.stamp()
	updated, err := e.Repo.UpdateIncident(ctx, tx.Tx, inc)
	if err != nil {
		return domain.Incident{}, err
	}
	if err := tx.record(ctx, domain.HistoryEvent{
		EntityKind: domain.EntityIncident,
		EntityID:   inc.ID,
		Type:       domain.EventEdited,
		ActorID:    actor.ID,
		Payload:    changes,
	}); err != nil {
		return domain.Incident{}, err
	}
	if err := tx.commit(ctx); err != nil {
		return domain.Incident{}, err
	}
	return updated, nil
}

func sameCategory(a, b *domain.Category) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func categoryValue(c *domain.Category) any {
	if c == nil {
		return nil
	}
	return string(*c)
}

// TransitionIncident moves an incident along the transition table. The role check
// runs before any read so a refused actor learns nothing about the incident.
func (e Engine) TransitionIncident(ctx context.Context, actor auth.Actor, id string, to domain.IncidentStatus, comment string) (domain.Incident, error) {
	if !to.Valid() {
		return domain.Incident{}, invalid("invalid_status", "invalid status %q", to)
	}
	action := "incident.transition." + string(to)
	if err := auth.Require(actor, action, rolesEntering(to)...); err != nil {
		return domain.Incident{}, err
	}
	comment = strings.TrimSpace(comment)

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Incident{}, err
	}
	defer tx.Rollback()

	inc, err := e.Repo.GetIncidentTx(ctx, tx.Tx, id)
	if err != nil {
		return domain.Incident{}, err
	}
	if actor.Is(auth.Beneficiario) && inc.ReporterID != actor.ID {
		return domain.Incident{}, auth.ForbiddenError{Action: action}
	}
	rule, listed, ok := lookupTransition(inc.Status, to, actor.Role)
	if !listed {
		return domain.Incident{}, ValidationError{
			Code:    "invalid_transition",
			Message: fmt.Sprintf("cannot move incident from %s to %s", inc.Status, to),
			Details: map[string]any{"from": string(inc.Status), "to": string(to)},
		}
	}
	if !ok {
		return domain.Incident{}, auth.ForbiddenError{Action: action}
	}
	if rule.CommentRequired && comment == "" {
		return domain.Incident{}, invalid("comment_required", "a comment is required to move the incident to %s", to)
	}

	from := inc.Status
	now := e.stamp()
	inc.Status = to
	inc.UpdatedAt = now
	switch to {
	case domain.StatusResuelta:
		inc.ResolvedAt = &now
	case domain.StatusCerrada, domain.StatusDescartada:
		inc.ClosedAt = &now
	case domain.StatusEnProceso:
		if from == domain.StatusResuelta {
			inc.ResolvedAt = nil
		}
	}
	updated, err := e.Repo.UpdateIncident(ctx, tx.Tx, inc)
	if err != nil {
		return domain.Incident{}, err
	}
	if err := tx.record(ctx, domain.HistoryEvent{
		TS:         now,
		EntityKind: domain.EntityIncident,
		EntityID:   inc.ID,
		Type:       domain.EventStatusChange,
		FromState:  statusPtr(from),
		ToState:    statusPtr(to),
		Comment:    comment,
		ActorID:    actor.ID,
		Payload:    map[string]any{"action": rule.Action},
	}); err != nil {
		return domain.Incident{}, err
	}
	if err := tx.commit(ctx); err != nil {
		return domain.Incident{}, err
	}
	e.logger().Info("incident transition",
		zap.String("incident_id", inc.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor_id", actor.ID))
	return updated, nil
}

// CommentIncident appends a comment without changing state.
func (e Engine) CommentIncident(ctx context.Context, actor auth.Actor, id, text string) (domain.HistoryEvent, error) {
	if err := auth.Require(actor, "incident.comment", auth.Administrador, auth.Tecnico, auth.TecnicoCampo, auth.Beneficiario); err != nil {
		return domain.HistoryEvent{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.HistoryEvent{}, invalid("comment_required", "comment text is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.HistoryEvent{}, err
	}
	defer tx.Rollback()

	inc, err := e.Repo.GetIncidentTx(ctx, tx.Tx, id)
	if err != nil {
		return domain.HistoryEvent{}, err
	}
	if !canSeeIncident(actor, inc) {
		return domain.HistoryEvent{}, auth.ForbiddenError{Action: "incident.comment"}
	}
	if inc.Status.Terminal() {
		return domain.HistoryEvent{}, PreconditionError{Message: fmt.Sprintf("incident is %s", inc.Status)}
	}
	if err := tx.record(ctx, domain.HistoryEvent{
		EntityKind: domain.EntityIncident,
		EntityID:   inc.ID,
		Type:       domain.EventComment,
		Comment:    text,
		ActorID:    actor.ID,
	}); err != nil {
		return domain.HistoryEvent{}, err
	}
	evt := tx.appended[len(tx.appended)-1]
	if err := tx.commit(ctx); err != nil {
		return domain.HistoryEvent{}, err
	}
	return evt, nil
}

// AddIncidentMedia uploads a photo and appends it to the incident's media list.
func (e Engine) AddIncidentMedia(ctx context.Context, actor auth.Actor, id string, up Upload) (domain.Media, error) {
	if err := auth.Require(actor, "incident.media", auth.Administrador, auth.Tecnico, auth.TecnicoCampo, auth.Beneficiario); err != nil {
		return domain.Media{}, err
	}
	if len(up.Data) == 0 {
		return domain.Media{}, invalid("empty_upload", "upload is empty")
	}
	inc, err := e.Repo.GetIncident(ctx, id)
	if err != nil {
		return domain.Media{}, err
	}
	if !canSeeIncident(actor, inc) {
		return domain.Media{}, auth.ForbiddenError{Action: "incident.media"}
	}
	if inc.Status.Terminal() {
		return domain.Media{}, PreconditionError{Message: fmt.Sprintf("incident is %s", inc.Status)}
	}
	obj, err := e.upload(ctx, "incidents/"+inc.ID, up)
	if err != nil {
		return domain.Media{}, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Media{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetIncidentTx(ctx, tx.Tx, id)
	if err != nil {
		return domain.Media{}, err
	}
	if current.Status.Terminal() {
		return domain.Media{}, PreconditionError{Message: fmt.Sprintf("incident is %s", current.Status)}
	}
	m, err := e.Repo.InsertMedia(ctx, tx.Tx, domain.Media{
		ID:          newID(),
		IncidentID:  id,
		Path:        obj.Path,
		URL:         obj.URL,
		ContentType: obj.ContentType,
		CreatedAt:   e.stamp(),
	})
	if err != nil {
		return domain.Media{}, fmt.Errorf("insert media: %w", err)
	}
	if err := tx.record(ctx, domain.HistoryEvent{
		EntityKind: domain.EntityIncident,
		EntityID:   id,
		Type:       domain.EventMediaAdded,
		ActorID:    actor.ID,
		Payload:    map[string]any{"media_id": m.ID, "path": m.Path, "url": m.URL, "position": m.Position},
	}); err != nil {
		return domain.Media{}, err
	}
	if err := tx.commit(ctx); err != nil {
		return domain.Media{}, err
	}
	return m, nil
}

type uploaded struct {
	Path        string
	URL         string
	ContentType string
}

// upload stores data under prefix with a fresh object name.
func (e Engine) upload(ctx context.Context, prefix string, up Upload) (uploaded, error) {
	if e.Store == nil {
		return uploaded{}, UpstreamError{Service: "storage", Err: fmt.Errorf("object storage not configured")}
	}
	ext := strings.ToLower(path.Ext(up.Filename))
	contentType := up.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	objectPath := path.Join(prefix, newID()+ext)
	obj, err := e.Store.Put(ctx, objectPath, contentType, up.Data)
	if err != nil {
		return uploaded{}, UpstreamError{Service: "storage", Err: err}
	}
	return uploaded{Path: obj.Path, URL: obj.URL, ContentType: contentType}, nil
}

// IncidentHistory pages through an incident's history, oldest first.
func (e Engine) IncidentHistory(ctx context.Context, actor auth.Actor, id string, limit, offset int) ([]domain.HistoryEvent, bool, error) {
	inc, err := e.GetIncident(ctx, actor, id)
	if err != nil {
		return nil, false, err
	}
	return e.History.List(ctx, domain.EntityIncident, inc.ID, normalizeLimit(limit), offset)
}
