package engine

import (
	"techo/internal/domain"
	"techo/internal/engine/auth"
)

// Transition is one legal incident status change.
type Transition struct {
	From            domain.IncidentStatus
	To              domain.IncidentStatus
	Roles           []auth.Role
	CommentRequired bool
	Action          string
}

var beneficiaryOnly = []auth.Role{auth.Beneficiario}

// incidentTransitions is the complete table. Anything absent is illegal.
var incidentTransitions = []Transition{
	{From: domain.StatusAbierta, To: domain.StatusEnProceso, Roles: auth.Staff, Action: "start"},
	{From: domain.StatusAbierta, To: domain.StatusResuelta, Roles: auth.Staff, Action: "resolve"},
	{From: domain.StatusAbierta, To: domain.StatusDescartada, Roles: auth.Staff, CommentRequired: true, Action: "discard"},
	{From: domain.StatusEnProceso, To: domain.StatusEnEspera, Roles: auth.Staff, Action: "hold"},
	{From: domain.StatusEnProceso, To: domain.StatusResuelta, Roles: auth.Staff, Action: "resolve"},
	{From: domain.StatusEnProceso, To: domain.StatusDescartada, Roles: auth.Staff, CommentRequired: true, Action: "discard"},
	{From: domain.StatusEnEspera, To: domain.StatusEnProceso, Roles: auth.Staff, Action: "resume"},
	{From: domain.StatusEnEspera, To: domain.StatusDescartada, Roles: auth.Staff, CommentRequired: true, Action: "discard"},
	{From: domain.StatusResuelta, To: domain.StatusCerrada, Roles: beneficiaryOnly, Action: "conforme"},
	{From: domain.StatusResuelta, To: domain.StatusEnProceso, Roles: beneficiaryOnly, CommentRequired: true, Action: "no_conforme"},
	{From: domain.StatusResuelta, To: domain.StatusEnProceso, Roles: auth.Staff, Action: "reopen"},
	{From: domain.StatusResuelta, To: domain.StatusDescartada, Roles: auth.Staff, CommentRequired: true, Action: "discard"},
}

// Transitions returns a copy of the incident transition table.
func Transitions() []Transition {
	out := make([]Transition, len(incidentTransitions))
	copy(out, incidentTransitions)
	return out
}

// rolesEntering is every role that may move an incident into to, from any state.
// It lets the engine refuse an actor before touching the store.
func rolesEntering(to domain.IncidentStatus) []auth.Role {
	seen := map[auth.Role]bool{}
	var out []auth.Role
	for _, t := range incidentTransitions {
		if t.To != to {
			continue
		}
		for _, r := range t.Roles {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}

// lookupTransition finds the row for (from, to) usable by role. listed reports whether
// the pair exists in the table at all, so callers can tell illegal from forbidden.
func lookupTransition(from, to domain.IncidentStatus, role auth.Role) (t Transition, listed bool, ok bool) {
	for _, candidate := range incidentTransitions {
		if candidate.From != from || candidate.To != to {
			continue
		}
		listed = true
		for _, r := range candidate.Roles {
			if r == role {
				return candidate, true, true
			}
		}
	}
	return Transition{}, listed, false
}

// AllowedTransitions lists the moves role may make from the given status.
func AllowedTransitions(from domain.IncidentStatus, role auth.Role) []Transition {
	var out []Transition
	for _, t := range incidentTransitions {
		if t.From != from {
			continue
		}
		for _, r := range t.Roles {
			if r == role {
				out = append(out, t)
				break
			}
		}
	}
	return out
}
