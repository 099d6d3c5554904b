package notify

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"techo/internal/config"
	"techo/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	// Sequence ids are taken at insert but become visible at commit, so a lower id
	// may appear after a higher one. A gap younger than this is waited on.
	defaultWebhookSettle = 30 * time.Second
)

// EventSource yields history events after a cursor, oldest first.
type EventSource interface {
	Tail(ctx context.Context, afterID int64, limit int) ([]domain.HistoryEvent, error)
}

// CursorStore persists how far each webhook has been delivered.
type CursorStore interface {
	WebhookCursor(ctx context.Context, name string) (int64, error)
	SetWebhookCursor(ctx context.Context, name string, lastEventID int64) error
}

// WebhookDispatcher polls the history and POSTs each event to the configured endpoints.
// Delivery is at-least-once: a failing endpoint is retried from its cursor on the next tick.
// The cursor never moves past a missing id until the event after it has settled, so an
// event committed out of id order is still delivered. Older gaps are rolled-back inserts.
type WebhookDispatcher struct {
	source   EventSource
	cursors  CursorStore
	webhooks []config.WebhookConfig
	client   *resty.Client
	logger   *zap.Logger
	interval time.Duration
	settle   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	offsets map[string]int64
}

func NewWebhookDispatcher(source EventSource, cursors CursorStore, hooks []config.WebhookConfig, logger *zap.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(defaultWebhookTimeout).
		SetHeader("Content-Type", "application/json")
	return &WebhookDispatcher{
		source:   source,
		cursors:  cursors,
		webhooks: hooks,
		client:   client,
		logger:   logger,
		interval: defaultWebhookInterval,
		settle:   defaultWebhookSettle,
		now:      time.Now,
		offsets:  make(map[string]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every enabled webhook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatch(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatch(ctx context.Context, hook config.WebhookConfig) {
	cursor, err := d.cursorFor(ctx, hook.Name)
	if err != nil {
		d.logger.Warn("webhook cursor unavailable", zap.String("webhook", hook.Name), zap.Error(err))
		return
	}
	events, err := d.source.Tail(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Warn("webhook fetch events failed", zap.String("webhook", hook.Name), zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	prev := cursor
	for _, evt := range events {
		if evt.ID != prev+1 && !d.settled(evt) {
			d.logger.Debug("webhook waiting on event gap",
				zap.String("webhook", hook.Name),
				zap.Int64("after", prev),
				zap.Int64("next", evt.ID))
			return
		}
		if filter.match(string(evt.Type)) {
			if err := d.post(ctx, hook, evt); err != nil {
				d.logger.Warn("webhook delivery failed",
					zap.String("webhook", hook.Name),
					zap.String("url", hook.URL),
					zap.Int64("event_id", evt.ID),
					zap.Error(err))
				return
			}
		}
		if err := d.setCursor(ctx, hook.Name, evt.ID); err != nil {
			d.logger.Warn("webhook cursor save failed", zap.String("webhook", hook.Name), zap.Error(err))
			return
		}
		prev = evt.ID
	}
}

// settled reports whether evt is old enough that no lower id can still commit.
func (d *WebhookDispatcher) settled(evt domain.HistoryEvent) bool {
	ts, err := time.Parse(time.RFC3339Nano, evt.TS)
	if err != nil {
		return true
	}
	return d.now().Sub(ts) >= d.settle
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, name string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.offsets[name]; ok {
		return cur, nil
	}
	cur, err := d.cursors.WebhookCursor(ctx, name)
	if err != nil {
		return 0, err
	}
	d.offsets[name] = cur
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(ctx context.Context, name string, id int64) error {
	if err := d.cursors.SetWebhookCursor(ctx, name, id); err != nil {
		return err
	}
	d.mu.Lock()
	d.offsets[name] = id
	d.mu.Unlock()
	return nil
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, evt domain.HistoryEvent) error {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := d.client.R().
		SetContext(ctx).
		SetHeader("X-Techo-Event", string(evt.Type)).
		SetHeader("X-Techo-Delivery", strconv.FormatInt(evt.ID, 10)).
		SetBody(evt)
	if strings.TrimSpace(hook.Secret) != "" {
		req.SetHeader("X-Techo-Secret", hook.Secret)
	}
	resp, err := req.Post(hook.URL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > 4096 {
			body = body[:4096]
		}
		return &DeliveryError{Status: resp.StatusCode(), Body: strings.TrimSpace(body)}
	}
	return nil
}

// DeliveryError is a non-2xx answer from a webhook endpoint.
type DeliveryError struct {
	Status int
	Body   string
}

func (e *DeliveryError) Error() string {
	return "status " + strconv.Itoa(e.Status) + ": " + e.Body
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
