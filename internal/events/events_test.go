package events

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"techo/internal/db"
	"techo/internal/domain"
	"techo/internal/migrate"
)

func openDB(t *testing.T) db.Conn {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func appendAll(t *testing.T, conn db.Conn, w Writer, evts ...domain.HistoryEvent) []domain.HistoryEvent {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func(tx *sql.Tx) { _ = tx.Rollback() }(tx)
	var out []domain.HistoryEvent
	for _, evt := range evts {
		stored, err := w.Append(ctx, tx, evt)
		require.NoError(t, err)
		out = append(out, stored)
	}
	require.NoError(t, tx.Commit())
	return out
}

func TestAppendAndList(t *testing.T) {
	conn := openDB(t)
	clock := time.Date(2025, 3, 1, 23, 30, 0, 0, time.UTC)
	w := Writer{Dialect: conn.Dialect, Now: func() time.Time { return clock }}
	to := "en_proceso"
	stored := appendAll(t, conn, w,
		domain.HistoryEvent{EntityKind: domain.EntityIncident, EntityID: "inc-1", Type: domain.EventCreated, ActorID: "ben-1"},
		domain.HistoryEvent{EntityKind: domain.EntityIncident, EntityID: "inc-1", Type: domain.EventStatusChange, ToState: &to, ActorID: "tech-1",
			Payload: map[string]any{"reason": "visita"}},
		domain.HistoryEvent{EntityKind: domain.EntityIncident, EntityID: "inc-2", Type: domain.EventCreated, ActorID: "ben-1"},
	)
	require.Len(t, stored, 3)
	assert.Less(t, stored[0].ID, stored[1].ID)
	assert.Equal(t, "2025-03-01T23:30:00Z", stored[0].TS)

	r := Reader{DB: conn.DB, Dialect: conn.Dialect}
	page, more, err := r.List(context.Background(), domain.EntityIncident, "inc-1", 1, 0)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, page, 1)
	assert.Equal(t, domain.EventCreated, page[0].Type)

	page, more, err = r.List(context.Background(), domain.EntityIncident, "inc-1", 1, 1)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, page, 1)
	require.NotNil(t, page[0].ToState)
	assert.Equal(t, "en_proceso", *page[0].ToState)
	assert.Equal(t, "visita", page[0].Payload["reason"])

	tail, err := r.Tail(context.Background(), stored[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "inc-2", tail[1].EntityID)

	latest, err := r.Latest(context.Background(), 5, domain.EntityIncident, string(domain.EventCreated))
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "inc-2", latest[0].EntityID)
}

func TestAppendRequiresTransactionAndFields(t *testing.T) {
	conn := openDB(t)
	w := Writer{Dialect: conn.Dialect}
	_, err := w.Append(context.Background(), nil, domain.HistoryEvent{})
	assert.Error(t, err)

	tx, err := conn.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = w.Append(context.Background(), tx, domain.HistoryEvent{EntityKind: domain.EntityForm, EntityID: "f-1", Type: domain.EventComment})
	assert.Error(t, err)
}

func TestCorruptPayloadIsReported(t *testing.T) {
	conn := openDB(t)
	_, err := conn.DB.Exec(`INSERT INTO history_events(ts,entity_kind,entity_id,type,actor_id,payload_json)
VALUES ('2025-03-01T10:00:00Z','incident','inc-1','comment','ben-1','{not json')`)
	require.NoError(t, err)

	r := Reader{DB: conn.DB, Dialect: conn.Dialect}
	_, err = r.Tail(context.Background(), 0, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event 1")
}

func TestGroupByDay(t *testing.T) {
	santiago := time.FixedZone("CLT", -3*3600)
	items := []domain.HistoryEvent{
		{ID: 1, TS: "2025-03-01T10:00:00Z"},
		{ID: 2, TS: "2025-03-02T01:00:00Z"},
		{ID: 3, TS: "2025-03-02T05:00:00Z"},
	}

	utc := GroupByDay(items, nil)
	require.Len(t, utc, 2)
	assert.Equal(t, "2025-03-01", utc[0].Day)
	assert.Len(t, utc[1].Events, 2)

	local := GroupByDay(items, santiago)
	require.Len(t, local, 2)
	assert.Len(t, local[0].Events, 2)
	assert.Equal(t, "2025-03-02", local[1].Day)
}
