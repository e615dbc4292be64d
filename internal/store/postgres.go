// Package store provides storage backends for ScreenPilot.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ScreenPilot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists to a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// LoadScheduleState implements Store.
func (s *PostgresStore) LoadScheduleState() (*models.ScheduleState, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM schedule_state WHERE id = 1`).Scan(&doc)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.LoadScheduleState: no document yet, starting fresh")
		return models.NewScheduleState(), nil
	}
	if err != nil {
		slog.Error("PostgresStore.LoadScheduleState query failed", "error", err)
		return nil, fmt.Errorf("failed to load schedule state: %w", err)
	}
	var st models.ScheduleState
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		slog.Error("PostgresStore.LoadScheduleState decode failed", "error", err)
		return nil, fmt.Errorf("failed to decode schedule state: %w", err)
	}
	st.Normalize()
	return &st, nil
}

// SaveScheduleState implements Store.
func (s *PostgresStore) SaveScheduleState(st *models.ScheduleState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode schedule state: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO schedule_state (id, doc, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		string(data), st.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveScheduleState failed", "error", err)
		return fmt.Errorf("failed to save schedule state: %w", err)
	}
	return nil
}

// AddEvent implements Store.
func (s *PostgresStore) AddEvent(e models.Event) error {
	fields, err := encodeFields(e.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO events (id, type, message, fields, time) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, string(e.Type), e.Message, fields, e.Time)
	if err != nil {
		slog.Error("PostgresStore.AddEvent failed", "error", err, "type", e.Type)
		return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
	}
	return nil
}

// GetEvents implements Store.
func (s *PostgresStore) GetEvents(limit int) ([]models.Event, error) {
	query := `SELECT id, type, message, fields, time FROM events ORDER BY time DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore.GetEvents query failed", "error", err)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			slog.Error("PostgresStore.GetEvents scan failed", "error", err)
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
func (s *PostgresStore) PruneEvents(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE time < $1`, before)
	if err != nil {
		slog.Error("PostgresStore.PruneEvents failed", "error", err)
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// ClearEvents deletes all records in the events table (for tests).
func (s *PostgresStore) ClearEvents() error {
	_, err := s.db.Exec(`DELETE FROM events`)
	if err != nil {
		slog.Error("PostgresStore.ClearEvents failed", "error", err)
		return err
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
