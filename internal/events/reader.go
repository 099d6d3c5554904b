package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"techo/internal/db"
	"techo/internal/domain"
)

const eventColumns = `id,ts,entity_kind,entity_id,type,from_state,to_state,comment,actor_id,payload_json`

// Reader lists history. Events are never updated or deleted.
type Reader struct {
	DB      *sql.DB
	Dialect db.Dialect
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (domain.HistoryEvent, error) {
	var evt domain.HistoryEvent
	var typ, payload string
	var from, to, comment sql.NullString
	if err := s.Scan(&evt.ID, &evt.TS, &evt.EntityKind, &evt.EntityID, &typ, &from, &to, &comment, &evt.ActorID, &payload); err != nil {
		return evt, err
	}
	evt.Type = domain.EventType(typ)
	if from.Valid {
		evt.FromState = &from.String
	}
	if to.Valid {
		evt.ToState = &to.String
	}
	evt.Comment = comment.String
	if payload != "" && payload != "{}" {
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return evt, fmt.Errorf("decode payload of event %d: %w", evt.ID, err)
		}
	}
	return evt, nil
}

func (r Reader) collect(ctx context.Context, query string, args ...any) ([]domain.HistoryEvent, error) {
	rows, err := r.DB.QueryContext(ctx, r.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.HistoryEvent{}
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

// List returns one page of an entity's history, oldest first, and whether more follow.
func (r Reader) List(ctx context.Context, entityKind, entityID string, limit, offset int) ([]domain.HistoryEvent, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	items, err := r.collect(ctx, `SELECT `+eventColumns+` FROM history_events WHERE entity_kind=? AND entity_id=? ORDER BY ts ASC, id ASC LIMIT ? OFFSET ?`,
		entityKind, entityID, limit+1, offset)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return items, hasMore, nil
}

// Tail returns up to limit events with id greater than afterID in insertion order.
func (r Reader) Tail(ctx context.Context, afterID int64, limit int) ([]domain.HistoryEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.collect(ctx, `SELECT `+eventColumns+` FROM history_events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

// Latest returns the newest limit events across all entities, newest first.
func (r Reader) Latest(ctx context.Context, limit int, entityKind, eventType string) ([]domain.HistoryEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	var clauses []string
	var args []any
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if eventType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, eventType)
	}
	query := `SELECT ` + eventColumns + ` FROM history_events`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.collect(ctx, query, args...)
}

// DayGroup is a run of events sharing a calendar day in the given location.
type DayGroup struct {
	Day    string                `json:"day"`
	Events []domain.HistoryEvent `json:"events"`
}

// GroupByDay splits an ordered event list by calendar day for display.
func GroupByDay(items []domain.HistoryEvent, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.UTC
	}
	var groups []DayGroup
	for _, evt := range items {
		day := evt.TS
		if ts, err := time.Parse(time.RFC3339, evt.TS); err == nil {
			day = ts.In(loc).Format("2006-01-02")
		} else if len(day) >= 10 {
			day = day[:10]
		}
		if n := len(groups); n > 0 && groups[n-1].Day == day {
			groups[n-1].Events = append(groups[n-1].Events, evt)
			continue
		}
		groups = append(groups, DayGroup{Day: day, Events: []domain.HistoryEvent{evt}})
	}
	return groups
}
