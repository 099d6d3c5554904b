package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"techo/internal/domain"
	"techo/internal/engine/auth"
	"techo/internal/geocode"
	"techo/internal/repo"
)

// ResolveActor loads a registered actor and normalizes their stored role label.
func (e Engine) ResolveActor(ctx context.Context, id string) (auth.Actor, error) {
	a, err := e.Repo.GetActor(ctx, id)
	if err != nil {
		return auth.Actor{}, err
	}
	role, ok := e.Roles.Normalize(a.RawRole)
	if !ok {
		role, ok = e.Roles.Normalize(a.Role)
	}
	if !ok {
		return auth.Actor{}, auth.ForbiddenError{Action: "actor.resolve"}
	}
	return auth.Actor{ID: a.ID, Role: role, Name: a.Name}, nil
}

// RegisterActor creates an actor or updates their role. Only administrators may do it.
func (e Engine) RegisterActor(ctx context.Context, actor auth.Actor, id, name, rawRole string) (domain.Actor, error) {
	if err := auth.Require(actor, "actor.register", auth.Administrador); err != nil {
		return domain.Actor{}, err
	}
	return e.registerActor(ctx, id, name, rawRole)
}

// BootstrapActor registers the first administrator of an empty installation.
func (e Engine) BootstrapActor(ctx context.Context, id, name string) (domain.Actor, error) {
	admins, err := e.Repo.ListActors(ctx, string(auth.Administrador))
	if err != nil {
		return domain.Actor{}, err
	}
	if len(admins) > 0 {
		return domain.Actor{}, PreconditionError{Message: "an administrator already exists"}
	}
	return e.registerActor(ctx, id, name, string(auth.Administrador))
}

// SyncActor records the identity carried by a verified credential and resolves it.
// A label no synonym knows yields an actor without permissions.
func (e Engine) SyncActor(ctx context.Context, id, name, rawRole string) (auth.Actor, error) {
	existing, err := e.Repo.GetActor(ctx, id)
	switch {
	case err == nil && (rawRole == "" || existing.RawRole == rawRole):
		return e.ResolveActor(ctx, id)
	case err != nil && !isNotFound(err):
		return auth.Actor{}, err
	case err != nil && rawRole == "":
		return auth.Actor{}, auth.ForbiddenError{Action: "actor.resolve"}
	}
	if _, ok := e.Roles.Normalize(rawRole); !ok {
		return auth.Actor{ID: id, Name: name}, nil
	}
	if _, err := e.registerActor(ctx, id, name, rawRole); err != nil {
		return auth.Actor{}, err
	}
	return e.ResolveActor(ctx, id)
}

func (e Engine) registerActor(ctx context.Context, id, name, rawRole string) (domain.Actor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Actor{}, invalid("id_required", "actor id is required")
	}
	role, ok := e.Roles.Normalize(rawRole)
	if !ok {
		return domain.Actor{}, ValidationError{
			Code:    "unknown_role",
			Message: fmt.Sprintf("unknown role %q", rawRole),
			Details: map[string]any{"role": rawRole},
		}
	}
	if strings.TrimSpace(name) == "" {
		name = id
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.GetActorTx(ctx, tx.Tx, id)
	switch {
	case err == nil:
		if err := e.Repo.UpdateActorRole(ctx, tx.Tx, id, rawRole, string(role)); err != nil {
			return domain.Actor{}, err
		}
		existing.RawRole = rawRole
		existing.Role = string(role)
		if err := tx.commit(ctx); err != nil {
			return domain.Actor{}, err
		}
		return existing, nil
	case !isNotFound(err):
		return domain.Actor{}, err
	}
	a := domain.Actor{ID: id, Name: name, RawRole: rawRole, Role: string(role), CreatedAt: e.stamp()}
	if err := e.Repo.InsertActor(ctx, tx.Tx, a); err != nil {
		return domain.Actor{}, err
	}
	if err := tx.commit(ctx); err != nil {
		return domain.Actor{}, err
	}
	return a, nil
}

// IssueAPIKey creates a key for an actor. The plain key is returned once and only its
// hash is stored. Administrators may issue keys for anyone, others only for themselves.
func (e Engine) IssueAPIKey(ctx context.Context, actor auth.Actor, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		actorID = actor.ID
	}
	if actorID != actor.ID {
		if err := auth.Require(actor, "apikey.issue", auth.Administrador); err != nil {
			return domain.APIKey{}, "", err
		}
	}
	if actor.ID == "" {
		return domain.APIKey{}, "", auth.ForbiddenError{Action: "apikey.issue"}
	}
	if _, err := e.Repo.GetActor(ctx, actorID); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "tk_" + hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        newID(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// ListAPIKeys lists key metadata. Administrators may list anyone's keys.
func (e Engine) ListAPIKeys(ctx context.Context, actor auth.Actor, actorID string) ([]domain.APIKey, error) {
	if actorID == "" {
		actorID = actor.ID
	}
	if actorID != actor.ID {
		if err := auth.Require(actor, "apikey.list", auth.Administrador); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// RevokeAPIKey deletes a key. Only its owner or an administrador may revoke it.
func (e Engine) RevokeAPIKey(ctx context.Context, actor auth.Actor, keyID, actorID string) error {
	keys, err := e.ListAPIKeys(ctx, actor, actorID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			return e.Repo.DeleteAPIKey(ctx, keyID)
		}
	}
	return fmt.Errorf("api key %s: %w", keyID, repo.ErrNotFound)
}

// ProjectDraft describes a new housing project.
type ProjectDraft struct {
	Name    string
	Address string
}

// CreateProject registers a project, geocoding its address when a geocoder is configured.
func (e Engine) CreateProject(ctx context.Context, actor auth.Actor, d ProjectDraft) (domain.Project, error) {
	if err := auth.Require(actor, "project.create", auth.Administrador); err != nil {
		return domain.Project{}, err
	}
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return domain.Project{}, invalid("name_required", "project name is required")
	}
	p := domain.Project{ID: newID(), Name: name, Address: strings.TrimSpace(d.Address), CreatedAt: e.stamp()}
	lat, lng, err := e.locate(ctx, p.Address)
	if err != nil {
		return domain.Project{}, err
	}
	p.Latitude, p.Longitude = lat, lng
	if err := e.Repo.InsertProject(ctx, nil, p); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// HousingUnitDraft describes a dwelling inside a project.
type HousingUnitDraft struct {
	ProjectID     string
	BeneficiaryID string
	Address       string
	HandoverAt    string
}

func (e Engine) CreateHousingUnit(ctx context.Context, actor auth.Actor, d HousingUnitDraft) (domain.HousingUnit, error) {
	if err := auth.Require(actor, "unit.create", auth.Administrador); err != nil {
		return domain.HousingUnit{}, err
	}
	if _, err := e.Repo.GetProject(ctx, d.ProjectID); err != nil {
		return domain.HousingUnit{}, err
	}
	u := domain.HousingUnit{
		ID:        newID(),
		ProjectID: d.ProjectID,
		Address:   strings.TrimSpace(d.Address),
		CreatedAt: e.stamp(),
	}
	if d.HandoverAt != "" {
		t, err := parseStamp(d.HandoverAt)
		if err != nil {
			return domain.HousingUnit{}, invalid("invalid_handover", "handover date %q is not a date", d.HandoverAt)
		}
		s := t.Format("2006-01-02")
		u.HandoverAt = &s
	}
	if d.BeneficiaryID != "" {
		if err := e.requireBeneficiary(ctx, d.BeneficiaryID); err != nil {
			return domain.HousingUnit{}, err
		}
		id := d.BeneficiaryID
		u.BeneficiaryID = &id
	}
	lat, lng, err := e.locate(ctx, u.Address)
	if err != nil {
		return domain.HousingUnit{}, err
	}
	u.Latitude, u.Longitude = lat, lng
	if err := e.Repo.InsertHousingUnit(ctx, nil, u); err != nil {
		return domain.HousingUnit{}, err
	}
	return u, nil
}

// AssignBeneficiary links (or unlinks, with an empty id) the beneficiary of a unit.
func (e Engine) AssignBeneficiary(ctx context.Context, actor auth.Actor, unitID, beneficiaryID string) (domain.HousingUnit, error) {
	if err := auth.Require(actor, "unit.assign", auth.Administrador); err != nil {
		return domain.HousingUnit{}, err
	}
	var target *string
	if beneficiaryID != "" {
		if err := e.requireBeneficiary(ctx, beneficiaryID); err != nil {
			return domain.HousingUnit{}, err
		}
		target = &beneficiaryID
	}
	if err := e.Repo.SetUnitBeneficiary(ctx, nil, unitID, target); err != nil {
		return domain.HousingUnit{}, err
	}
	return e.Repo.GetHousingUnit(ctx, unitID)
}

// ListHousingUnits returns units; beneficiaries only see their own.
func (e Engine) ListHousingUnits(ctx context.Context, actor auth.Actor, projectID string) ([]domain.HousingUnit, error) {
	if err := auth.Require(actor, "unit.list", auth.Administrador, auth.Tecnico, auth.TecnicoCampo, auth.Beneficiario); err != nil {
		return nil, err
	}
	beneficiary := ""
	if actor.Is(auth.Beneficiario) {
		beneficiary = actor.ID
	}
	return e.Repo.ListHousingUnits(ctx, projectID, beneficiary)
}

func (e Engine) ListProjects(ctx context.Context, actor auth.Actor) ([]domain.Project, error) {
	if err := auth.Require(actor, "project.list", auth.Staff...); err != nil {
		return nil, err
	}
	return e.Repo.ListProjects(ctx)
}

func (e Engine) requireBeneficiary(ctx context.Context, id string) error {
	a, err := e.Repo.GetActor(ctx, id)
	if isNotFound(err) {
		return invalid("unknown_beneficiary", "beneficiary %s does not exist", id)
	}
	if err != nil {
		return err
	}
	if auth.Role(a.Role) != auth.Beneficiario {
		return invalid("not_a_beneficiary", "actor %s is not a beneficiary", id)
	}
	return nil
}

// locate geocodes an address and keeps the most relevant match.
func (e Engine) locate(ctx context.Context, address string) (*float64, *float64, error) {
	if e.Geocoder == nil || address == "" {
		return nil, nil, nil
	}
	matches, err := e.Geocoder.Geocode(ctx, address)
	if err != nil {
		return nil, nil, UpstreamError{Service: "geocoding", Err: err}
	}
	best, ok := geocode.Best(matches)
	if !ok {
		return nil, nil, nil
	}
	lat, lng := best.Latitude, best.Longitude
	return &lat, &lng, nil
}

// Dashboard is the staff overview of open work.
type Dashboard struct {
	ByStatus    map[string]int        `json:"by_status"`
	Technicians []domain.Technician   `json:"technicians"`
	Recent      []domain.HistoryEvent `json:"recent"`
}

func (e Engine) Dashboard(ctx context.Context, actor auth.Actor) (Dashboard, error) {
	if err := auth.Require(actor, "dashboard.read", auth.Staff...); err != nil {
		return Dashboard{}, err
	}
	counts, err := e.Repo.CountIncidentsByStatus(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	for _, s := range domain.IncidentStatuses {
		if _, ok := counts[string(s)]; !ok {
			counts[string(s)] = 0
		}
	}
	techs, err := e.ListTechnicians(ctx, actor)
	if err != nil {
		return Dashboard{}, err
	}
	recent, err := e.History.Latest(ctx, 20, "", "")
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{ByStatus: counts, Technicians: techs, Recent: recent}, nil
}

// ListActors returns registered actors, optionally only those holding role.
func (e Engine) ListActors(ctx context.Context, actor auth.Actor, role string) ([]domain.Actor, error) {
	if err := auth.Require(actor, "actor.list", auth.Staff...); err != nil {
		return nil, err
	}
	var roles []string
	if strings.TrimSpace(role) != "" {
		r, ok := e.Roles.Normalize(role)
		if !ok {
			return nil, ValidationError{Code: "unknown_role", Message: fmt.Sprintf("unknown role %q", role), Details: map[string]any{"role": role}}
		}
		roles = append(roles, string(r))
	}
	actors, err := e.Repo.ListActors(ctx, roles...)
	if actors == nil {
		actors = []domain.Actor{}
	}
	return actors, err
}

// TailEvents returns committed history after a cursor, oldest first. Administrators only.
func (e Engine) TailEvents(ctx context.Context, actor auth.Actor, afterID int64, limit int) ([]domain.HistoryEvent, error) {
	if err := auth.Require(actor, "events.tail", auth.Administrador); err != nil {
		return nil, err
	}
	return e.History.Tail(ctx, afterID, normalizeLimit(limit))
}
