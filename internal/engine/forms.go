package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"techo/internal/domain"
	"techo/internal/engine/auth"
	"techo/internal/repo"
)

// ItemPatch is a beneficiary's answer to one checklist item. Nil fields are left
// alone; ClearOK resets the answer to unset.
type ItemPatch struct {
	OK             *bool
	ClearOK        bool
	Severity       *domain.Severity
	Comment        *string
	CreateIncident *bool
	Photos         *[]string
}

// ReviewResult is the reviewed form and the incidents it spawned.
type ReviewResult struct {
	Form      domain.ChecklistForm `json:"form"`
	Incidents []domain.Incident    `json:"incidents"`
}

func canSeeForm(actor auth.Actor, f domain.ChecklistForm) bool {
	if actor.IsStaff() {
		return true
	}
	return actor.Is(auth.Beneficiario) && f.BeneficiaryID == actor.ID
}

// EnsureForm returns the beneficiary's checklist for a housing unit, creating it from
// the configured template on first visit. created reports whether it was new.
func (e Engine) EnsureForm(ctx context.Context, actor auth.Actor, housingUnitID string) (domain.ChecklistForm, bool, error) {
	if err := auth.Require(actor, "form.open", auth.Beneficiario); err != nil {
		return domain.ChecklistForm{}, false, err
	}
	form, created, err := e.ensureForm(ctx, actor, housingUnitID)
	if err != nil && created {
		// Lost a race with a concurrent first visit; the winner's form is the one to use.
		if existing, findErr := e.Repo.FindForm(ctx, nil, housingUnitID, actor.ID); findErr == nil {
			return existing, false, nil
		}
	}
	return form, created, err
}

func (e Engine) ensureForm(ctx context.Context, actor auth.Actor, housingUnitID string) (domain.ChecklistForm, bool, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.ChecklistForm{}, false, err
	}
	defer tx.Rollback()

	unit, err := e.Repo.GetHousingUnitTx(ctx, tx.Tx, housingUnitID)
	if err != nil {
		return domain.ChecklistForm{}, false, err
	}
	if unit.BeneficiaryID == nil || *unit.BeneficiaryID != actor.ID {
		return domain.ChecklistForm{}, false, auth.ForbiddenError{Action: "form.open"}
	}
	existing, err := e.Repo.FindForm(ctx, tx.Tx, unit.ID, actor.ID)
	if err == nil {
		return existing, false, nil
	}
	if !isNotFound(err) {
		return domain.ChecklistForm{}, false, err
	}

	now := e.stamp()
	form := domain.ChecklistForm{
		ID:              newID(),
		BeneficiaryID:   actor.ID,
		HousingUnitID:   unit.ID,
		Status:          domain.FormBorrador,
		TemplateVersion: e.Config.Checklist.TemplateVersion,
		Version:         1,
		CreatedAt:       now,
	}
	if err := e.Repo.InsertForm(ctx, tx.Tx, form); err != nil {
		return domain.ChecklistForm{}, true, fmt.Errorf("insert form: %w", err)
	}
	for i, tmpl := range e.Config.Checklist.Items {
		item := domain.ChecklistItem{
			ID:        newID(),
			FormID:    form.ID,
			Position:  i + 1,
			Code:      tmpl.Code,
			Room:      tmpl.Room,
			Label:     tmpl.Label,
			Category:  tmpl.Category,
			Photos:    []string{},
			UpdatedAt: now,
		}
		if err := e.Repo.InsertItem(ctx, tx.Tx, item); err != nil {
			return domain.ChecklistForm{}, true, fmt.Errorf("insert item %s: %w", tmpl.Code, err)
		}
		form.Items = append(form.Items, item)
	}
	to := string(domain.FormBorrador)
	if err := tx.record(ctx, domain.HistoryEvent{
		TS:         now,
		EntityKind: domain.EntityForm,
		EntityID:   form.ID,
		Type:       domain.EventCreated,
		ToState:    &to,
		ActorID:    actor.ID,
		Payload:    map[string]any{"template_version": form.TemplateVersion, "items": len(form.Items)},
	}); err != nil {
		return domain.ChecklistForm{}, true, err
	}
	if err := tx.commit(ctx); err != nil {
		return domain.ChecklistForm{}, true, err
	}
	return form, true, nil
}

func (e Engine) GetForm(ctx context.Context, actor auth.Actor, id string) (domain.ChecklistForm, error) {
	if err := auth.Require(actor, "form.read", auth.Administrador, auth.Tecnico, auth.TecnicoCampo, auth.Beneficiario); err != nil {
		return domain.ChecklistForm{}, err
	}
	f, err := e.Repo.GetForm(ctx, id)
	if err != nil {
		return domain.ChecklistForm{}, err
	}
	if !canSeeForm(actor, f) {
		return domain.ChecklistForm{}, auth.ForbiddenError{Action: "form.read"}
	}
	return f, nil
}

// ListForms returns forms without items. Beneficiaries see only their own.
func (e Engine) ListForms(ctx context.Context, actor auth.Actor, f repo.FormFilter) ([]domain.ChecklistForm, error) {
	if err := auth.Require(actor, "form.list", auth.Administrador, auth.Tecnico, auth.TecnicoCampo, auth.Beneficiario); err != nil {
		return nil, err
	}
	if actor.Is(auth.Beneficiario) {
		f.BeneficiaryID = actor.ID
	}
	f.Limit = normalizeLimit(f.Limit)
	return e.Repo.ListForms(ctx, f)
}

// loadDraft reads a form the actor owns and checks it is still editable.
func (e Engine) loadDraft(ctx context.Context, tx *txn, actor auth.Actor, formID, action string) (domain.ChecklistForm, error) {
	form, err := e.Repo.GetFormTx(ctx, tx.Tx, formID)
	if err != nil {
		return domain.ChecklistForm{}, err
	}
	if form.BeneficiaryID != actor.ID {
		return domain.ChecklistForm{}, auth.ForbiddenError{Action: action}
	}
	if form.Status != domain.FormBorrador {
		return domain.ChecklistForm{}, PreconditionError{Message: fmt.Sprintf("form is %s; items are frozen", form.Status)}
	}
	return form, nil
}

func findItem(form domain.ChecklistForm, itemID string) (domain.ChecklistItem, bool) {
	for _, it := range form.Items {
		if it.ID == itemID || it.Code == itemID {
			return it, true
		}
	}
	return domain.ChecklistItem{}, false
}

// UpdateFormItem records the beneficiary's answer for one item while the form is a draft.
// itemID may be the item id or its template code.
func (e Engine) UpdateFormItem(ctx context.Context, actor auth.Actor, formID, itemID string, p ItemPatch) (domain.ChecklistItem, error) {
	if err := auth.Require(actor, "form.item.update", auth.Beneficiario); err != nil {
		return domain.ChecklistItem{}, err
	}
	if p.Severity != nil && *p.Severity != "" && !p.Severity.Valid() {
		return domain.ChecklistItem{}, invalid("invalid_severity", "invalid severity %q", *p.Severity)
	}
	if p.OK != nil && p.ClearOK {
		return domain.ChecklistItem{}, invalid("invalid_answer", "ok and clear_ok are mutually exclusive")
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	defer tx.Rollback()

	form, err := e.loadDraft(ctx, tx, actor, formID, "form.item.update")
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	item, ok := findItem(form, itemID)
	if !ok {
		return domain.ChecklistItem{}, fmt.Errorf("item %s: %w", itemID, repo.ErrNotFound)
	}
	changes := map[string]any{}
	if p.OK != nil {
		v := *p.OK
		item.OK = &v
		changes["ok"] = v
	}
	if p.ClearOK {
		item.OK = nil
		changes["ok"] = nil
	}
	if p.Severity != nil {
		if *p.Severity == "" {
			item.Severity = nil
			changes["severity"] = nil
		} else {
			sev := *p.Severity
			item.Severity = &sev
			changes["severity"] = string(sev)
		}
	}
	if p.Comment != nil {
		item.Comment = strings.TrimSpace(*p.Comment)
		changes["comment"] = item.Comment
	}
	if p.CreateIncident != nil {
		v := *p.CreateIncident
		item.CreateIncident = &v
		changes["create_incident"] = v
	}
	if p.Photos != nil {
		item.Photos = append([]string{}, (*p.Photos)...)
		changes["photos"] = item.Photos
	}
	if len(changes) == 0 {
		return item, nil
	}
	item.UpdatedAt = e.stamp()
	if err := e.saveItem(ctx, tx, actor, form, item, domain.EventItemUpdated, changes); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := tx.commit(ctx); err != nil {
		return domain.ChecklistItem{}, err
	}
	return item, nil
}

// saveItem writes an item, bumps the form version, and records the change on the form.
func (e Engine) saveItem(ctx context.Context, tx *txn, actor auth.Actor, form domain.ChecklistForm, item domain.ChecklistItem, typ domain.EventType, changes map[string]any) error {
	if err := e.Repo.UpdateItem(ctx, tx.Tx, item); err != nil {
		return fmt.Errorf("update item %s: %w", item.Code, err)
	}
	if err := e.Repo.TouchForm(ctx, tx.Tx, form.ID, form.Version); err != nil {
		return err
	}
	payload := map[string]any{"item_id": item.ID, "code": item.Code}
	for k, v := range changes {
		payload[k] = v
	}
	return tx.record(ctx, domain.HistoryEvent{
		EntityKind: domain.EntityForm,
		EntityID:   form.ID,
		Type:       typ,
		ActorID:    actor.ID,
		Payload:    payload,
	})
}

// AddItemPhoto uploads a photo and appends its URL to the item while the form is a draft.
func (e Engine) AddItemPhoto(ctx context.Context, actor auth.Actor, formID, itemID string, up Upload) (domain.ChecklistItem, error) {
	if err := auth.Require(actor, "form.item.photo", auth.Beneficiario); err != nil {
		return domain.ChecklistItem{}, err
	}
	if len(up.Data) == 0 {
		return domain.ChecklistItem{}, invalid("empty_upload", "upload is empty")
	}
	form, err := e.Repo.GetForm(ctx, formID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	if form.BeneficiaryID != actor.ID {
		return domain.ChecklistItem{}, auth.ForbiddenError{Action: "form.item.photo"}
	}
	if form.Status != domain.FormBorrador {
		return domain.ChecklistItem{}, PreconditionError{Message: fmt.Sprintf("form is %s; items are frozen", form.Status)}
	}
	item, ok := findItem(form, itemID)
	if !ok {
		return domain.ChecklistItem{}, fmt.Errorf("item %s: %w", itemID, repo.ErrNotFound)
	}
	obj, err := e.upload(ctx, "forms/"+form.ID+"/"+item.ID, up)
	if err != nil {
		return domain.ChecklistItem{}, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	defer tx.Rollback()

	form, err = e.loadDraft(ctx, tx, actor, formID, "form.item.photo")
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	item, _ = findItem(form, item.ID)
	item.Photos = append(item.Photos, obj.URL)
	item.UpdatedAt = e.stamp()
	if err := e.saveItem(ctx, tx, actor, form, item, domain.EventMediaAdded, map[string]any{"path": obj.Path, "url": obj.URL}); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := tx.commit(ctx); err != nil {
		return domain.ChecklistItem{}, err
	}
	return item, nil
}

// SubmitForm freezes a draft. Every item must carry an explicit ok answer.
func (e Engine) SubmitForm(ctx context.Context, actor auth.Actor, formID string) (domain.ChecklistForm, error) {
	if err := auth.Require(actor, "form.submit", auth.Beneficiario); err != nil {
		return domain.ChecklistForm{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.ChecklistForm{}, err
	}
	defer tx.Rollback()

	form, err := e.loadDraft(ctx, tx, actor, formID, "form.submit")
	if err != nil {
		return domain.ChecklistForm{}, err
	}
	var unanswered []string
	for _, it := range form.Items {
		if !it.Answered() {
			unanswered = append(unanswered, it.Code)
		}
	}
	if len(unanswered) > 0 {
		return domain.ChecklistForm{}, ValidationError{
			Code:    "incomplete_checklist",
			Message: fmt.Sprintf("%d checklist items have no answer", len(unanswered)),
			Details: map[string]any{"unanswered": unanswered},
		}
	}
	now := e.stamp()
	form.Status = domain.FormEnviada
	form.SubmittedAt = &now
	updated, err := e.Repo.UpdateFormStatus(ctx, tx.Tx, form)
	if err != nil {
		return domain.ChecklistForm{}, err
	}
	from, to := string(domain.FormBorrador), string(domain.FormEnviada)
	if err := tx.record(ctx, domain.HistoryEvent{
		TS:         now,
		EntityKind: domain.EntityForm,
		EntityID:   form.ID,
		Type:       domain.EventStatusChange,
		FromState:  &from,
		ToState:    &to,
		ActorID:    actor.ID,
	}); err != nil {
		return domain.ChecklistForm{}, err
	}
	if err := tx.commit(ctx); err != nil {
		return domain.ChecklistForm{}, err
	}
	return updated, nil
}

// ReviewForm marks a submitted form as reviewed and spawns one incident per
// non-conforming item whose create flag is not false. A form that is already
// reviewed is a precondition failure, so retries never duplicate incidents.
func (e Engine) ReviewForm(ctx context.Context, actor auth.Actor, formID, comment string) (ReviewResult, error) {
	if err := auth.Require(actor, "form.review", auth.Staff...); err != nil {
		return ReviewResult{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return ReviewResult{}, err
	}
	defer tx.Rollback()

	form, err := e.Repo.GetFormTx(ctx, tx.Tx, formID)
	if err != nil {
		return ReviewResult{}, err
	}
	switch form.Status {
	case domain.FormRevisada:
		return ReviewResult{}, PreconditionError{Message: "form has already been reviewed"}
	case domain.FormBorrador:
		return ReviewResult{}, PreconditionError{Message: "form has not been submitted"}
	}

	now := e.stamp()
	form.Status = domain.FormRevisada
	form.ReviewedAt = &now
	form.ReviewerID = &actor.ID
	updated, err := e.Repo.UpdateFormStatus(ctx, tx.Tx, form)
	if err != nil {
		return ReviewResult{}, err
	}

	spawned := []domain.Incident{}
	for i, item := range updated.Items {
		if !item.SpawnsIncident() || item.IncidentID != nil {
			continue
		}
		inc := e.incidentFromItem(updated, item, now)
		if err := e.Repo.InsertIncident(ctx, tx.Tx, inc); err != nil {
			return ReviewResult{}, fmt.Errorf("spawn incident for item %s: %w", item.Code, err)
		}
		item.IncidentID = &inc.ID
		item.UpdatedAt = now
		if err := e.Repo.UpdateItem(ctx, tx.Tx, item); err != nil {
			return ReviewResult{}, fmt.Errorf("link item %s: %w", item.Code, err)
		}
		updated.Items[i] = item
		if err := tx.record(ctx, domain.HistoryEvent{
			TS:         now,
			EntityKind: domain.EntityIncident,
			EntityID:   inc.ID,
			Type:       domain.EventCreated,
			ToState:    statusPtr(inc.Status),
			ActorID:    actor.ID,
			Payload: map[string]any{
				"source_form_id": form.ID,
				"source_item_id": item.ID,
				"code":           item.Code,
				"priority":       string(inc.Priority),
			},
		}); err != nil {
			return ReviewResult{}, err
		}
		spawned = append(spawned, inc)
	}

	from, to := string(domain.FormEnviada), string(domain.FormRevisada)
	if err := tx.record(ctx, domain.HistoryEvent{
		TS:         now,
		EntityKind: domain.EntityForm,
		EntityID:   form.ID,
		Type:       domain.EventStatusChange,
		FromState:  &from,
		ToState:    &to,
		Comment:    strings.TrimSpace(comment),
		ActorID:    actor.ID,
		Payload:    map[string]any{"incidents_created": len(spawned)},
	}); err != nil {
		return ReviewResult{}, err
	}
	if err := tx.commit(ctx); err != nil {
		return ReviewResult{}, err
	}
	e.logger().Info("form reviewed",
		zap.String("form_id", form.ID),
		zap.String("reviewer_id", actor.ID),
		zap.Int("incidents_created", len(spawned)))
	return ReviewResult{Form: updated, Incidents: spawned}, nil
}

// incidentFromItem derives the incident a non-conforming item turns into.
func (e Engine) incidentFromItem(form domain.ChecklistForm, item domain.ChecklistItem, now string) domain.Incident {
	desc := item.Comment
	if desc == "" {
		desc = fmt.Sprintf("%s: %s", item.Room, item.Label)
	}
	category := e.Config.CategoryForItem(item.Category, item.Room)
	formID, itemID := form.ID, item.ID
	return domain.Incident{
		ID:            newID(),
		HousingUnitID: form.HousingUnitID,
		ReporterID:    form.BeneficiaryID,
		Description:   desc,
		Category:      &category,
		Priority:      e.Config.PriorityForSeverity(item.Severity),
		Status:        domain.StatusAbierta,
		SourceFormID:  &formID,
		SourceItemID:  &itemID,
		Version:       1,
		ReportedAt:    now,
		UpdatedAt:     now,
	}
}

// FormHistory pages through a form's history, oldest first.
func (e Engine) FormHistory(ctx context.Context, actor auth.Actor, id string, limit, offset int) ([]domain.HistoryEvent, bool, error) {
	f, err := e.GetForm(ctx, actor, id)
	if err != nil {
		return nil, false, err
	}
	return e.History.List(ctx, domain.EntityForm, f.ID, normalizeLimit(limit), offset)
}

// FormProgress summarizes how many items are answered and how many fail.
type FormProgress struct {
	Total      int      `json:"total"`
	Answered   int      `json:"answered"`
	Failing    int      `json:"failing"`
	Unanswered []string `json:"unanswered"`
}

func Progress(f domain.ChecklistForm) FormProgress {
	p := FormProgress{Total: len(f.Items), Unanswered: []string{}}
	for _, it := range f.Items {
		if !it.Answered() {
			p.Unanswered = append(p.Unanswered, it.Code)
			continue
		}
		p.Answered++
		if !*it.OK {
			p.Failing++
		}
	}
	sort.Strings(p.Unanswered)
	return p
}
