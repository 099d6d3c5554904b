package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"techo/internal/config"
	"techo/internal/db"
	"techo/internal/engine"
	"techo/internal/geocode"
	"techo/internal/migrate"
	"techo/internal/notify"
	"techo/internal/report"
	"techo/internal/storage"
)

const (
	StorageLocal    = "local"
	StorageSupabase = "supabase"

	objectsDir      = "objects"
	defaultTimezone = "America/Santiago"
	streamMaxLen    = 10000
)

// Settings are the runtime knobs resolved from flags, TECHO_* env and .env.
type Settings struct {
	Workspace string
	DBDriver  string
	DBDSN     string

	JWTSecret string
	DevTokens bool

	RedisAddr   string
	RedisStream string

	MapboxToken   string
	MapboxCountry string

	RendererURL string

	StorageBackend string
	StorageURL     string
	StorageKey     string
	StorageBucket  string
	// PublicBaseURL prefixes local object URLs, for example http://localhost:8080/files.
	PublicBaseURL string

	Timezone string
}

// App is a wired set of collaborators sharing one database connection.
type App struct {
	Settings Settings
	Conn     db.Conn
	Config   *config.Config
	Engine   engine.Engine
	Reports  report.Service
	Webhooks *notify.WebhookDispatcher
	Logger   *zap.Logger
	// ObjectsRoot is set when objects live on local disk.
	ObjectsRoot string

	closers []func() error
}

// Open connects the store, applies migrations, loads techo.yml and wires the engine.
func Open(ctx context.Context, s Settings, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := db.Open(db.Config{Workspace: s.Workspace, Driver: s.DBDriver, DSN: s.DBDSN})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &App{Settings: s, Conn: conn, Logger: logger}
	a.closers = append(a.closers, conn.Close)
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	s := a.Settings
	if err := migrate.Migrate(a.Conn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(s.Workspace)
	if err != nil {
		return err
	}
	a.Config = cfg

	e := engine.New(a.Conn, cfg)
	e.Logger = a.Logger.Named("engine")

	store, err := a.store()
	if err != nil {
		return err
	}
	e.Store = store

	if token := strings.TrimSpace(s.MapboxToken); token != "" {
		e.Geocoder = geocode.New(geocode.Options{Token: token, Country: s.MapboxCountry, Logger: a.Logger.Named("geocode")})
	}

	notifiers := notify.Multi{}
	if addr := strings.TrimSpace(s.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis %s: %w", addr, err)
		}
		a.closers = append(a.closers, client.Close)
		notifiers = append(notifiers, notify.NewRedisStream(client, s.RedisStream, streamMaxLen, a.Logger.Named("notify")))
	}
	if len(notifiers) > 0 {
		e.Notifier = notifiers
	}
	a.Engine = e

	a.Reports = report.Service{
		Engine:   e,
		Store:    store,
		Logger:   a.Logger.Named("report"),
		Location: location(s.Timezone, a.Logger),
	}
	if url := strings.TrimSpace(s.RendererURL); url != "" {
		a.Reports.Renderer = report.NewGotenberg(url, 0, a.Logger.Named("renderer"))
	}

	if len(cfg.Webhooks) > 0 {
		a.Webhooks = notify.NewWebhookDispatcher(e.History, e.Repo, cfg.Webhooks, a.Logger.Named("webhooks"))
	}
	return nil
}

func (a *App) store() (storage.Store, error) {
	s := a.Settings
	switch strings.ToLower(strings.TrimSpace(s.StorageBackend)) {
	case StorageSupabase:
		if s.StorageURL == "" || s.StorageKey == "" || s.StorageBucket == "" {
			return nil, errors.New("supabase storage requires url, key and bucket")
		}
		return storage.NewSupabaseStore(s.StorageURL, s.StorageKey, s.StorageBucket, a.Logger.Named("storage")), nil
	case "", StorageLocal:
		dir, err := db.EnsureWorkspace(s.Workspace)
		if err != nil {
			return nil, err
		}
		a.ObjectsRoot = filepath.Join(dir, objectsDir)
		return storage.NewLocalStore(a.ObjectsRoot, s.PublicBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.StorageBackend)
	}
}

func location(name string, logger *zap.Logger) *time.Location {
	if strings.TrimSpace(name) == "" {
		name = defaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("unknown timezone, using UTC", zap.String("timezone", name), zap.Error(err))
		return time.UTC
	}
	return loc
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
