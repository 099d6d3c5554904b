package engine

import (
	"context"
	"fmt"

	"techo/internal/domain"
	"techo/internal/engine/auth"
)

// AssignIncident sets or clears (technicianID nil) the single assignee of an incident.
func (e Engine) AssignIncident(ctx context.Context, actor auth.Actor, id string, technicianID *string) (domain.Incident, error) {
	if err := auth.Require(actor, "incident.assign", auth.Administrador, auth.Tecnico); err != nil {
		return domain.Incident{}, err
	}
	if technicianID != nil && *technicianID == "" {
		technicianID = nil
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
		return domain.Incident{}, PreconditionError{Message: fmt.Sprintf("incident is %s and cannot be reassigned", inc.Status)}
	}
	if technicianID != nil {
		tech, err := e.Repo.GetActorTx(ctx, tx.Tx, *technicianID)
		if isNotFound(err) {
			return domain.Incident{}, invalid("unknown_technician", "technician %s does not exist", *technicianID)
		}
		if err != nil {
			return domain.Incident{}, err
		}
		role := auth.Role(tech.Role)
		if role != auth.Tecnico && role != auth.TecnicoCampo {
			return domain.Incident{}, invalid("not_a_technician", "actor %s is not a technician", tech.ID)
		}
	}
	if sameStringPtr(inc.AssigneeID, technicianID) {
		return inc, nil
	}
	previous := inc.AssigneeID
	inc.AssigneeID = technicianID
	inc.UpdatedAt = e.stamp()
	updated, err := e.Repo.UpdateIncident(ctx, tx.Tx, inc)
	if err != nil {
		return domain.Incident{}, err
	}
	if err := tx.record(ctx, domain.HistoryEvent{
		EntityKind: domain.EntityIncident,
		EntityID:   inc.ID,
		Type:       domain.EventAssignmentChange,
		FromState:  previous,
		ToState:    technicianID,
		ActorID:    actor.ID,
	}); err != nil {
		return domain.Incident{}, err
	}
	if err := tx.commit(ctx); err != nil {
		return domain.Incident{}, err
	}
	return updated, nil
}

// ListTechnicians returns every technician with their active workload, least loaded first.
func (e Engine) ListTechnicians(ctx context.Context, actor auth.Actor) ([]domain.Technician, error) {
	if err := auth.Require(actor, "technician.list", auth.Staff...); err != nil {
		return nil, err
	}
	loads, err := e.Repo.ListTechnicianLoads(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Technician, 0, len(loads))
	for _, l := range loads {
		out = append(out, domain.Technician{
			ID:                  l.ID,
			Name:                l.Name,
			Role:                l.Role,
			ActiveIncidentCount: l.Active,
			Workload:            e.Config.WorkloadLevel(l.Active),
		})
	}
	return out, nil
}

// SuggestTechnician returns the least loaded technician, if any exist.
func (e Engine) SuggestTechnician(ctx context.Context, actor auth.Actor) (domain.Technician, bool, error) {
	techs, err := e.ListTechnicians(ctx, actor)
	if err != nil || len(techs) == 0 {
		return domain.Technician{}, false, err
	}
	return techs[0], true, nil
}
