// Package store provides storage backends for ScreenPilot.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ScreenPilot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists to a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite store. The DSN is a file path; the parent
// directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// LoadScheduleState implements Store.
func (s *SQLiteStore) LoadScheduleState() (*models.ScheduleState, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM schedule_state WHERE id = 1`).Scan(&doc)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.LoadScheduleState: no document yet, starting fresh")
		return models.NewScheduleState(), nil
	}
	if err != nil {
		slog.Error("SQLiteStore.LoadScheduleState query failed", "error", err)
		return nil, fmt.Errorf("failed to load schedule state: %w", err)
	}
	var st models.ScheduleState
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		slog.Error("SQLiteStore.LoadScheduleState decode failed", "error", err)
		return nil, fmt.Errorf("failed to decode schedule state: %w", err)
	}
	st.Normalize()
	return &st, nil
}

// SaveScheduleState implements Store.
func (s *SQLiteStore) SaveScheduleState(st *models.ScheduleState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode schedule state: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO schedule_state (id, doc, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		string(data), st.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveScheduleState failed", "error", err)
		return fmt.Errorf("failed to save schedule state: %w", err)
	}
	slog.Debug("SQLiteStore.SaveScheduleState succeeded", "bytes", len(data))
	return nil
}

// AddEvent implements Store.
func (s *SQLiteStore) AddEvent(e models.Event) error {
	fields, err := encodeFields(e.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO events (id, type, message, fields, time) VALUES (?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Message, fields, e.Time)
	if err != nil {
		slog.Error("SQLiteStore.AddEvent failed", "error", err, "type", e.Type)
		return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
	}
	return nil
}

// GetEvents implements Store.
func (s *SQLiteStore) GetEvents(limit int) ([]models.Event, error) {
	query := `SELECT id, type, message, fields, time FROM events ORDER BY time DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore.GetEvents query failed", "error", err)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			slog.Error("SQLiteStore.GetEvents scan failed", "error", err)
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return events, nil
}

// PruneEvents implements Store.
func (s *SQLiteStore) PruneEvents(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE time < ?`, before)
	if err != nil {
		slog.Error("SQLiteStore.PruneEvents failed", "error", err)
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	slog.Debug("SQLiteStore.PruneEvents succeeded", "removed", n)
	return n, nil
}

// ClearEvents deletes all records in the events table (for tests).
func (s *SQLiteStore) ClearEvents() error {
	_, err := s.db.Exec(`DELETE FROM events`)
	if err != nil {
		slog.Error("SQLiteStore.ClearEvents failed", "error", err)
		return err
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
