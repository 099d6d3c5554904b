package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"techo/internal/domain"
)

const DefaultStream = "techo:events"

// Notifier publishes committed history events to the outside world.
type Notifier interface {
	Notify(ctx context.Context, evt domain.HistoryEvent) error
}

type Nop struct{}

func (Nop) Notify(context.Context, domain.HistoryEvent) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt domain.HistoryEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisStream appends events to a Redis stream with XADD.
type RedisStream struct {
	Client *redis.Client
	Stream string
	// MaxLen caps the stream approximately; zero keeps everything.
	MaxLen int64
	Logger *zap.Logger
}

func NewRedisStream(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *RedisStream {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStream{Client: client, Stream: stream, MaxLen: maxLen, Logger: logger}
}

func (r *RedisStream) Notify(ctx context.Context, evt domain.HistoryEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: r.Stream,
		Values: map[string]interface{}{
			"event_id":    strconv.FormatInt(evt.ID, 10),
			"type":        string(evt.Type),
			"entity_kind": evt.EntityKind,
			"entity_id":   evt.EntityID,
			"data":        string(data),
		},
	}
	if r.MaxLen > 0 {
		args.MaxLen = r.MaxLen
		args.Approx = true
	}
	id, err := r.Client.XAdd(ctx, args).Result()
	if err != nil {
		return err
	}
	if r.Logger != nil {
		r.Logger.Debug("published history event",
			zap.String("stream", r.Stream),
			zap.String("stream_id", id),
			zap.Int64("event_id", evt.ID))
	}
	return nil
}
