package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"techo/internal/db"
	"techo/internal/domain"
)

// Writer appends history events inside the caller's transaction.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append stores evt and returns it with ID and TS filled in.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.HistoryEvent) (domain.HistoryEvent, error) {
	if tx == nil {
		return evt, fmt.Errorf("history append requires a transaction")
	}
	if evt.EntityKind == "" || evt.EntityID == "" || evt.Type == "" || evt.ActorID == "" {
		return evt, fmt.Errorf("history event requires entity, type and actor")
	}
	if evt.TS == "" {
		now := w.Now
		if now == nil {
			now = time.Now
		}
		evt.TS = now().UTC().Format(time.RFC3339)
	}
	payload := evt.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return evt, fmt.Errorf("marshal event payload: %w", err)
	}
	err = tx.QueryRowContext(ctx, w.Dialect.Rebind(`INSERT INTO history_events(ts,entity_kind,entity_id,type,from_state,to_state,comment,actor_id,payload_json)
VALUES (?,?,?,?,?,?,?,?,?) RETURNING id`),
		evt.TS, evt.EntityKind, evt.EntityID, string(evt.Type), nullableStringPtr(evt.FromState), nullableStringPtr(evt.ToState),
		nullable(evt.Comment), evt.ActorID, string(data)).Scan(&evt.ID)
	if err != nil {
		return evt, fmt.Errorf("append %s event: %w", evt.Type, err)
	}
	return evt, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
