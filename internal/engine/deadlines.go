package engine

import (
	"context"
	"math"
	"time"

	"techo/internal/domain"
	"techo/internal/engine/auth"
)

// Deadlines derives the response and warranty deadlines of an incident at the engine clock.
func (e Engine) Deadlines(inc domain.Incident, unit domain.HousingUnit) domain.Deadlines {
	now := e.now().UTC()
	out := domain.Deadlines{}

	reported, err := parseStamp(inc.ReportedAt)
	if err != nil {
		reported = now
	}
	days := e.Config.Deadlines.ResponseDays[string(inc.Priority)]
	respondBy := reported.AddDate(0, 0, days)
	out.RespondBy = respondBy.Format(time.RFC3339)
	out.RespondDaysLeft = daysBetween(now, respondBy)

	if unit.HandoverAt == nil {
		return out
	}
	handover, err := parseStamp(*unit.HandoverAt)
	if err != nil {
		return out
	}
	cat := domain.CategoryOtra
	if inc.Category != nil {
		cat = *inc.Category
	}
	years, ok := e.Config.Deadlines.WarrantyYears[string(cat)]
	if !ok {
		years = e.Config.Deadlines.WarrantyYears[string(domain.CategoryOtra)]
	}
	until := handover.AddDate(years, 0, 0)
	s := until.Format(time.RFC3339)
	left := daysBetween(now, until)
	out.WarrantyUntil = &s
	out.WarrantyDaysLeft = &left
	return out
}

// IncidentDeadlines loads the incident and its unit and derives their deadlines.
func (e Engine) IncidentDeadlines(ctx context.Context, actor auth.Actor, id string) (domain.Deadlines, error) {
	inc, err := e.GetIncident(ctx, actor, id)
	if err != nil {
		return domain.Deadlines{}, err
	}
	return *inc.Deadlines, nil
}

// parseStamp accepts RFC3339 timestamps and bare dates.
func parseStamp(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// daysBetween is whole days from a to b, negative once b has passed.
func daysBetween(a, b time.Time) int {
	return int(math.Floor(b.Sub(a).Hours() / 24))
}
