package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"techo/internal/config"
	"techo/internal/db"
	"techo/internal/domain"
	"techo/internal/engine/auth"
	"techo/internal/events"
	"techo/internal/geocode"
	"techo/internal/notify"
	"techo/internal/repo"
	"techo/internal/storage"
)

// Geocoder resolves a free-text address into ranked matches.
type Geocoder interface {
	Geocode(ctx context.Context, address string) ([]geocode.Match, error)
}

// Engine owns the incident and checklist lifecycles. Every operation takes the acting
// identity explicitly and writes state plus history in one transaction.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	History  events.Reader
	Config   *config.Config
	Roles    auth.Resolver
	Store    storage.Store
	Geocoder Geocoder
	Notifier notify.Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

func New(conn db.Conn, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:      conn.DB,
		Repo:    repo.New(conn),
		Events:  events.Writer{Dialect: conn.Dialect},
		History: events.Reader{DB: conn.DB, Dialect: conn.Dialect},
		Config:  cfg,
		Roles:   auth.NewResolver(cfg.Roles.Synonyms),
		Logger:  zap.NewNop(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Clock is the engine's notion of now.
func (e Engine) Clock() time.Time { return e.now() }

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func newID() string {
	return uuid.NewString()
}

// ValidationError rejects malformed input or an illegal transition. Nothing was written.
type ValidationError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e ValidationError) Error() string { return e.Message }

func invalid(code, format string, args ...any) error {
	return ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// PreconditionError means the entity is not in a state that allows the operation.
type PreconditionError struct {
	Message string
}

func (e PreconditionError) Error() string { return e.Message }

// UpstreamError wraps a collaborator failure; callers may retry.
type UpstreamError struct {
	Service string
	Err     error
}

func (e UpstreamError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e UpstreamError) Unwrap() error { return e.Err }

// txn is a write transaction that remembers the history it appended so the
// events can be published after commit.
type txn struct {
	*sql.Tx
	e        Engine
	appended []domain.HistoryEvent
}

func (e Engine) begin(ctx context.Context) (*txn, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &txn{Tx: tx, e: e}, nil
}

func (t *txn) record(ctx context.Context, evt domain.HistoryEvent) error {
	if evt.TS == "" {
		evt.TS = t.e.stamp()
	}
	saved, err := t.e.Events.Append(ctx, t.Tx, evt)
	if err != nil {
		return err
	}
	t.appended = append(t.appended, saved)
	return nil
}

func (t *txn) commit(ctx context.Context) error {
	if err := t.Tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	t.e.publish(ctx, t.appended)
	return nil
}

func (e Engine) publish(ctx context.Context, evts []domain.HistoryEvent) {
	if e.Notifier == nil {
		return
	}
	for _, evt := range evts {
		if err := e.Notifier.Notify(ctx, evt); err != nil {
			e.logger().Warn("notify history event",
				zap.Int64("event_id", evt.ID),
				zap.String("entity_id", evt.EntityID),
				zap.String("type", string(evt.Type)),
				zap.Error(err))
		}
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func statusPtr(s domain.IncidentStatus) *string {
	v := string(s)
	return &v
}

func sameStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
