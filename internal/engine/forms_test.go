package engine_test

import (
	"errors"
	"testing"

	"techo/internal/domain"
	"techo/internal/engine"
	"techo/internal/repo"
)

func boolPtr(b bool) *bool { return &b }

func sevPtr(s domain.Severity) *domain.Severity { return &s }

func (env testEnv) openForm(t *testing.T) domain.ChecklistForm {
	t.Helper()
	form, created, err := env.Engine.EnsureForm(env.Ctx, env.Ben, env.UnitID)
	if err != nil {
		t.Fatalf("ensure form: %v", err)
	}
	if !created {
		t.Fatalf("expected a new form")
	}
	return form
}

func (env testEnv) answerAll(t *testing.T, form domain.ChecklistForm, except int) {
	t.Helper()
	for i, it := range form.Items {
		if i == except {
			continue
		}
		if _, err := env.Engine.UpdateFormItem(env.Ctx, env.Ben, form.ID, it.ID, engine.ItemPatch{OK: boolPtr(true)}); err != nil {
			t.Fatalf("answer %s: %v", it.Code, err)
		}
	}
}

func (env testEnv) spawnedFrom(t *testing.T, formID string) []domain.Incident {
	t.Helper()
	list, err := env.Engine.Repo.ListIncidents(env.Ctx, repo.IncidentFilter{SourceFormID: formID, Limit: 100})
	if err != nil {
		t.Fatalf("list spawned: %v", err)
	}
	return list
}

func TestEnsureFormIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	form := env.openForm(t)
	if form.Status != domain.FormBorrador || len(form.Items) != len(env.Engine.Config.Checklist.Items) {
		t.Fatalf("unexpected new form: %+v", form)
	}
	for _, it := range form.Items {
		if it.OK != nil || it.Photos == nil {
			t.Fatalf("item %s should start unanswered with an empty photo list", it.Code)
		}
	}
	again, created, err := env.Engine.EnsureForm(env.Ctx, env.Ben, env.UnitID)
	if err != nil || created || again.ID != form.ID {
		t.Fatalf("second visit: %v created=%v id=%s", err, created, again.ID)
	}
	if _, _, err := env.Engine.EnsureForm(env.Ctx, env.Other, env.UnitID); !isForbidden(err) {
		t.Fatalf("another beneficiary must not open the form, got %v", err)
	}
	if _, _, err := env.Engine.EnsureForm(env.Ctx, env.Tech, env.UnitID); !isForbidden(err) {
		t.Fatalf("staff do not fill forms, got %v", err)
	}
}

func TestSubmitRequiresEveryAnswer(t *testing.T) {
	env := newTestEnv(t)
	form := env.openForm(t)
	env.answerAll(t, form, 4)

	_, err := env.Engine.SubmitForm(env.Ctx, env.Ben, form.ID)
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Code != "incomplete_checklist" {
		t.Fatalf("expected incomplete_checklist, got %v", err)
	}
	missing, _ := ve.Details["unanswered"].([]string)
	if len(missing) != 1 || missing[0] != form.Items[4].Code {
		t.Fatalf("unexpected unanswered list: %v", ve.Details)
	}
	got, err := env.Engine.GetForm(env.Ctx, env.Ben, form.ID)
	if err != nil || got.Status != domain.FormBorrador {
		t.Fatalf("form must stay borrador: %v %s", err, got.Status)
	}

	// An explicit false counts as an answer.
	if _, err := env.Engine.UpdateFormItem(env.Ctx, env.Ben, form.ID, form.Items[4].Code, engine.ItemPatch{OK: boolPtr(false), CreateIncident: boolPtr(false)}); err != nil {
		t.Fatalf("answer by code: %v", err)
	}
	sent, err := env.Engine.SubmitForm(env.Ctx, env.Ben, form.ID)
	if err != nil || sent.Status != domain.FormEnviada || sent.SubmittedAt == nil {
		t.Fatalf("submit: %v %+v", err, sent)
	}

	var pe engine.PreconditionError
	if _, err := env.Engine.UpdateFormItem(env.Ctx, env.Ben, form.ID, form.Items[0].ID, engine.ItemPatch{OK: boolPtr(false)}); !errors.As(err, &pe) {
		t.Fatalf("items must be frozen after submit, got %v", err)
	}
	if _, err := env.Engine.SubmitForm(env.Ctx, env.Ben, form.ID); !errors.As(err, &pe) {
		t.Fatalf("double submit must fail, got %v", err)
	}
}

// Item #3 fails with severity mayor, everything else passes; review spawns exactly one incident.
func TestReviewFanOutScenario(t *testing.T) {
	env := newTestEnv(t)
	form := env.openForm(t)
	third := form.Items[2]
	env.answerAll(t, form, 2)
	if _, err := env.Engine.UpdateFormItem(env.Ctx, env.Ben, form.ID, third.ID, engine.ItemPatch{
		OK:             boolPtr(false),
		Severity:       sevPtr(domain.SeverityMayor),
		CreateIncident: boolPtr(true),
	}); err != nil {
		t.Fatalf("answer item 3: %v", err)
	}
	sent, err := env.Engine.SubmitForm(env.Ctx, env.Ben, form.ID)
	if err != nil || sent.Status != domain.FormEnviada {
		t.Fatalf("submit: %v", err)
	}

	if _, err := env.Engine.ReviewForm(env.Ctx, env.Ben, form.ID, ""); !isForbidden(err) {
		t.Fatalf("beneficiary may not review, got %v", err)
	}
	res, err := env.Engine.ReviewForm(env.Ctx, env.Tech, form.ID, "Visita realizada")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if res.Form.Status != domain.FormRevisada || res.Form.ReviewerID == nil || *res.Form.ReviewerID != env.Tech.ID {
		t.Fatalf("unexpected reviewed form: %+v", res.Form)
	}
	if len(res.Incidents) != 1 {
		t.Fatalf("expected one spawned incident, got %d", len(res.Incidents))
	}
	inc := res.Incidents[0]
	want := env.Engine.Config.CategoryForItem(third.Category, third.Room)
	if inc.Priority != domain.PriorityAlta || inc.Category == nil || *inc.Category != want {
		t.Fatalf("unexpected derived fields: priority=%s category=%v", inc.Priority, inc.Category)
	}
	if want != domain.CategoryPlomeria {
		t.Fatalf("bathroom items map to plomeria, got %s", want)
	}
	if inc.ReporterID != env.Ben.ID || inc.Status != domain.StatusAbierta || inc.SourceItemID == nil || *inc.SourceItemID != third.ID {
		t.Fatalf("unexpected spawned incident: %+v", inc)
	}
	if inc.Description != third.Room+": "+third.Label {
		t.Fatalf("expected fallback description, got %q", inc.Description)
	}
	evts := env.history(t, domain.EntityIncident, inc.ID)
	if len(evts) != 1 || evts[0].Type != domain.EventCreated || evts[0].ActorID != env.Tech.ID {
		t.Fatalf("spawned incident history: %+v", evts)
	}

	// Reviewing again is a precondition failure and never duplicates incidents.
	for i := 0; i < 3; i++ {
		var pe engine.PreconditionError
		if _, err := env.Engine.ReviewForm(env.Ctx, env.Admin, form.ID, ""); !errors.As(err, &pe) {
			t.Fatalf("re-review %d: expected precondition, got %v", i, err)
		}
	}
	if n := len(env.spawnedFrom(t, form.ID)); n != 1 {
		t.Fatalf("expected exactly one incident for the form, got %d", n)
	}

	reviewed, err := env.Engine.GetForm(env.Ctx, env.Ben, form.ID)
	if err != nil {
		t.Fatalf("get form: %v", err)
	}
	if reviewed.Items[2].IncidentID == nil || *reviewed.Items[2].IncidentID != inc.ID {
		t.Fatalf("item not linked to its incident: %+v", reviewed.Items[2])
	}
	formEvents := env.history(t, domain.EntityForm, form.ID)
	last := formEvents[len(formEvents)-1]
	if last.Type != domain.EventStatusChange || *last.ToState != "revisada" || last.Comment != "Visita realizada" {
		t.Fatalf("unexpected review event: %+v", last)
	}
}

func TestReviewSeverityMapping(t *testing.T) {
	env := newTestEnv(t)
	form := env.openForm(t)
	answers := map[int]engine.ItemPatch{
		0: {OK: boolPtr(false), Severity: sevPtr(domain.SeverityMenor)},
		1: {OK: boolPtr(false), Severity: sevPtr(domain.SeverityMedia)},
		5: {OK: boolPtr(false)},
		6: {OK: boolPtr(false), Severity: sevPtr(domain.SeverityMayor), CreateIncident: boolPtr(false)},
		7: {OK: boolPtr(false), Comment: strPtr("  Enchufe quemado  ")},
	}
	for i, it := range form.Items {
		patch, ok := answers[i]
		if !ok {
			patch = engine.ItemPatch{OK: boolPtr(true)}
		}
		if _, err := env.Engine.UpdateFormItem(env.Ctx, env.Ben, form.ID, it.ID, patch); err != nil {
			t.Fatalf("answer %s: %v", it.Code, err)
		}
	}
	if _, err := env.Engine.SubmitForm(env.Ctx, env.Ben, form.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := env.Engine.ReviewForm(env.Ctx, env.Admin, form.ID, "")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if len(res.Incidents) != 4 {
		t.Fatalf("expected 4 incidents (create flag false skipped), got %d", len(res.Incidents))
	}
	byItem := map[string]domain.Incident{}
	for _, inc := range res.Incidents {
		byItem[*inc.SourceItemID] = inc
	}
	check := func(idx int, prio domain.Priority, cat domain.Category) {
		t.Helper()
		inc, ok := byItem[form.Items[idx].ID]
		if !ok {
			t.Fatalf("no incident for item %d", idx)
		}
		if inc.Priority != prio || *inc.Category != cat {
			t.Fatalf("item %d: got %s/%s want %s/%s", idx, inc.Priority, *inc.Category, prio, cat)
		}
	}
	check(0, domain.PriorityBaja, domain.CategoryEstructural)
	check(1, domain.PriorityMedia, domain.CategoryEstructural)
	check(5, domain.PriorityMedia, domain.CategoryElectrica)
	check(7, domain.PriorityMedia, domain.CategoryElectrica)
	if byItem[form.Items[7].ID].Description != "Enchufe quemado" {
		t.Fatalf("comment should become the description, got %q", byItem[form.Items[7].ID].Description)
	}
	if _, ok := byItem[form.Items[6].ID]; ok {
		t.Fatalf("item with create_incident=false must not spawn")
	}
}

func TestReviewRequiresSubmission(t *testing.T) {
	env := newTestEnv(t)
	form := env.openForm(t)
	var pe engine.PreconditionError
	if _, err := env.Engine.ReviewForm(env.Ctx, env.Tech, form.ID, ""); !errors.As(err, &pe) {
		t.Fatalf("expected precondition for borrador, got %v", err)
	}
	if _, err := env.Engine.ReviewForm(env.Ctx, env.Tech, "missing", ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestItemPhotosAndHistory(t *testing.T) {
	env := newTestEnv(t)
	form := env.openForm(t)
	item := form.Items[0]

	got, err := env.Engine.AddItemPhoto(env.Ctx, env.Ben, form.ID, item.ID, engine.Upload{Filename: "techo.jpg", Data: []byte("jpeg")})
	if err != nil {
		t.Fatalf("photo: %v", err)
	}
	if len(got.Photos) != 1 {
		t.Fatalf("expected one photo, got %v", got.Photos)
	}
	if _, err := env.Engine.AddItemPhoto(env.Ctx, env.Other, form.ID, item.ID, engine.Upload{Filename: "x.jpg", Data: []byte("x")}); !isForbidden(err) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	sev := domain.Severity("catastrofica")
	_, err = env.Engine.UpdateFormItem(env.Ctx, env.Ben, form.ID, item.ID, engine.ItemPatch{Severity: &sev})
	if validationCode(err) != "invalid_severity" {
		t.Fatalf("expected invalid_severity, got %v", err)
	}
	if _, err := env.Engine.UpdateFormItem(env.Ctx, env.Ben, form.ID, "nope", engine.ItemPatch{OK: boolPtr(true)}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found item, got %v", err)
	}

	reloaded, err := env.Engine.GetForm(env.Ctx, env.Tech, form.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(reloaded.Items[0].Photos) != 1 || reloaded.Version <= form.Version {
		t.Fatalf("photo not persisted or version not bumped: %+v v%d", reloaded.Items[0].Photos, reloaded.Version)
	}
	if _, err := env.Engine.GetForm(env.Ctx, env.Other, form.ID); !isForbidden(err) {
		t.Fatalf("other beneficiary must not read the form, got %v", err)
	}

	evts, _, err := env.Engine.FormHistory(env.Ctx, env.Ben, form.ID, 50, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(evts) != 2 || evts[0].Type != domain.EventCreated || evts[1].Type != domain.EventMediaAdded {
		t.Fatalf("unexpected form history: %+v", evts)
	}

	p := engine.Progress(reloaded)
	if p.Total != len(reloaded.Items) || p.Answered != 0 || len(p.Unanswered) != p.Total {
		t.Fatalf("unexpected progress: %+v", p)
	}
}
