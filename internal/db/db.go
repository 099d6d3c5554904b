package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "techo.db"
	workspaceDir  = ".techo"
)

// Dialect selects placeholder style and migration set.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

type Config struct {
	Workspace string
	Driver    string
	DSN       string
}

// Conn bundles a pool with the dialect it speaks.
type Conn struct {
	*sql.DB
	Dialect Dialect
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens SQLite under the workspace (foreign keys on) or Postgres when Driver is "postgres".
func Open(cfg Config) (Conn, error) {
	switch ParseDialect(cfg.Driver) {
	case Postgres:
		if cfg.DSN == "" {
			return Conn{}, fmt.Errorf("postgres driver requires a dsn")
		}
		conn, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return Conn{}, err
		}
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
		if err := conn.Ping(); err != nil {
			conn.Close()
			return Conn{}, fmt.Errorf("ping postgres: %w", err)
		}
		return Conn{DB: conn, Dialect: Postgres}, nil
	default:
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return Conn{}, err
		}
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.Workspace))
		conn, err := sql.Open("sqlite", dsn)
		if err != nil {
			return Conn{}, err
		}
		return Conn{DB: conn, Dialect: SQLite}, nil
	}
}

// ParseDialect maps a driver name to a dialect, defaulting to SQLite.
func ParseDialect(driver string) Dialect {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pq":
		return Postgres
	default:
		return SQLite
	}
}

// Rebind rewrites ? placeholders into $n for Postgres. Quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
