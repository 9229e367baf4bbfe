package routing

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatrelay/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS routes (
		conversation_id TEXT PRIMARY KEY,
		platform        TEXT NOT NULL,
		target          TEXT NOT NULL,
		updated_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_routes_updated ON routes(updated_at);
	`)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, r Route) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routes (conversation_id, platform, target, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		   platform = excluded.platform,
		   target = excluded.target,
		   updated_at = excluded.updated_at`,
		r.ConversationID, string(r.Platform), r.Target, r.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save route %s: %w", r.ConversationID, err)
	}
	return nil
}

// Load returns routes updated at or after since, newest first.
func (s *SQLiteStore) Load(ctx context.Context, since time.Time, limit int) ([]Route, error) {
	if limit <= 0 {
		limit = 10000
	}
	var sinceMs int64
	if !since.IsZero() {
		sinceMs = since.UnixMilli()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, platform, target, updated_at FROM routes
		 WHERE updated_at >= ? ORDER BY updated_at DESC LIMIT ?`, sinceMs, limit)
	if err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var (
			r        Route
			platform string
			ms       int64
		)
		if err := rows.Scan(&r.ConversationID, &platform, &r.Target, &ms); err != nil {
			return nil, err
		}
		p, err := domain.ParsePlatform(platform)
		if err != nil {
			s.logger.Warn("skipping stored route", "conversation", r.ConversationID, "err", err)
			continue
		}
		r.Platform = p
		r.UpdatedAt = time.UnixMilli(ms)
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
