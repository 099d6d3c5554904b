package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"techo/internal/config"
	"techo/internal/domain"
)

func sampleEvent(id int64, typ domain.EventType) domain.HistoryEvent {
	to := "abierta"
	return domain.HistoryEvent{
		ID:         id,
		TS:         "2025-03-01T10:00:00Z",
		EntityKind: domain.EntityIncident,
		EntityID:   "inc-1",
		Type:       typ,
		ToState:    &to,
		ActorID:    "ben-1",
	}
}

func TestRedisStreamNotify(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	n := NewRedisStream(client, "", 100, nil)
	require.NoError(t, n.Notify(context.Background(), sampleEvent(7, domain.EventCreated)))

	msgs, err := client.XRange(context.Background(), DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "7", msgs[0].Values["event_id"])
	assert.Equal(t, "created", msgs[0].Values["type"])

	var decoded domain.HistoryEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &decoded))
	assert.Equal(t, "inc-1", decoded.EntityID)
}

type recordingNotifier struct {
	got []int64
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, evt domain.HistoryEvent) error {
	r.got = append(r.got, evt.ID)
	return r.err
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("down")}
	m := Multi{ok, nil, bad, Nop{}}

	err := m.Notify(context.Background(), sampleEvent(1, domain.EventComment))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Equal(t, []int64{1}, ok.got)
	assert.Equal(t, []int64{1}, bad.got)
}

type memSource struct{ events []domain.HistoryEvent }

func (m memSource) Tail(_ context.Context, afterID int64, limit int) ([]domain.HistoryEvent, error) {
	var out []domain.HistoryEvent
	for _, e := range m.events {
		if e.ID > afterID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type memCursors struct {
	mu sync.Mutex
	m  map[string]int64
}

func (c *memCursors) WebhookCursor(_ context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[name], nil
}

func (c *memCursors) SetWebhookCursor(_ context.Context, name string, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[name] = id
	return nil
}

func TestWebhookDispatcherFiltersAndAdvances(t *testing.T) {
	var mu sync.Mutex
	var delivered []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt domain.HistoryEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		delivered = append(delivered, r.Header.Get("X-Techo-Event")+":"+r.Header.Get("X-Techo-Delivery"))
		mu.Unlock()
		assert.Equal(t, "s3cret", r.Header.Get("X-Techo-Secret"))
		assert.Equal(t, "inc-1", evt.EntityID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	src := memSource{events: []domain.HistoryEvent{
		sampleEvent(1, domain.EventCreated),
		sampleEvent(2, domain.EventComment),
		sampleEvent(3, domain.EventStatusChange),
	}}
	cursors := &memCursors{m: map[string]int64{}}
	hooks := []config.WebhookConfig{{Name: "ops", URL: srv.URL, Secret: "s3cret", Events: []string{"created", "status_change"}}}

	d := NewWebhookDispatcher(src, cursors, hooks, nil)
	d.DispatchAll(context.Background())

	assert.Equal(t, []string{"created:1", "status_change:3"}, delivered)
	assert.Equal(t, int64(3), cursors.m["ops"])

	d.DispatchAll(context.Background())
	assert.Len(t, delivered, 2)
}

func TestWebhookDispatcherStopsOnFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	src := memSource{events: []domain.HistoryEvent{sampleEvent(1, domain.EventCreated), sampleEvent(2, domain.EventCreated)}}
	cursors := &memCursors{m: map[string]int64{}}
	d := NewWebhookDispatcher(src, cursors, []config.WebhookConfig{{Name: "ops", URL: srv.URL}}, nil)
	d.DispatchAll(context.Background())

	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(0), cursors.m["ops"])
}

func TestWebhookDispatcherSkipsDisabled(t *testing.T) {
	disabled := false
	src := memSource{events: []domain.HistoryEvent{sampleEvent(1, domain.EventCreated)}}
	cursors := &memCursors{m: map[string]int64{}}
	d := NewWebhookDispatcher(src, cursors, []config.WebhookConfig{{Name: "off", URL: "http://127.0.0.1:1", Enabled: &disabled}}, nil)
	d.DispatchAll(context.Background())
	assert.Equal(t, int64(0), cursors.m["off"])
}

func TestWebhookDispatcherWaitsForLateCommit(t *testing.T) {
	var mu sync.Mutex
	var delivered []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered = append(delivered, r.Header.Get("X-Techo-Delivery"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	now := time.Date(2025, 3, 1, 10, 0, 5, 0, time.UTC)
	recent := sampleEvent(3, domain.EventComment)
	recent.TS = "2025-03-01T10:00:04Z"
	src := &memSource{events: []domain.HistoryEvent{sampleEvent(1, domain.EventCreated), recent}}
	cursors := &memCursors{m: map[string]int64{}}
	d := NewWebhookDispatcher(src, cursors, []config.WebhookConfig{{Name: "ops", URL: srv.URL}}, nil)
	d.now = func() time.Time { return now }

	// Event 2 is still in flight: the cursor stops below the gap.
	d.DispatchAll(context.Background())
	assert.Equal(t, []string{"1"}, delivered)
	assert.Equal(t, int64(1), cursors.m["ops"])

	late := sampleEvent(2, domain.EventStatusChange)
	late.TS = "2025-03-01T10:00:03Z"
	src.events = []domain.HistoryEvent{src.events[0], late, recent}
	d.DispatchAll(context.Background())
	assert.Equal(t, []string{"1", "2", "3"}, delivered)
	assert.Equal(t, int64(3), cursors.m["ops"])
}

func TestWebhookDispatcherSkipsSettledGap(t *testing.T) {
	var mu sync.Mutex
	var delivered []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, r.Header.Get("X-Techo-Delivery"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	src := &memSource{events: []domain.HistoryEvent{sampleEvent(1, domain.EventCreated), sampleEvent(4, domain.EventComment)}}
	cursors := &memCursors{m: map[string]int64{}}
	d := NewWebhookDispatcher(src, cursors, []config.WebhookConfig{{Name: "ops", URL: srv.URL}}, nil)
	d.now = func() time.Time { return time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC) }

	d.DispatchAll(context.Background())
	assert.Equal(t, []string{"1", "4"}, delivered)
	assert.Equal(t, int64(4), cursors.m["ops"])
}
