// Package store provides storage backends for ScreenPilot.
//
// Two things persist across restarts: the schedule document (budgets, daily
// limits, cooldowns, refill counts) and the operational event log. The
// schedule document is written whole on every change; partial updates are
// never issued, so a reader always sees one consistent document. Backends
// cover SQLite (default), PostgreSQL, and an in-memory store for tests.
package store

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/models"
)

// Store is the persistence interface shared by all backends.
type Store interface {
	// LoadScheduleState returns the persisted schedule document, or a fresh
	// empty document when none has been written yet.
	LoadScheduleState() (*models.ScheduleState, error)
	// SaveScheduleState replaces the schedule document.
	SaveScheduleState(st *models.ScheduleState) error
	// AddEvent appends one event to the log.
	AddEvent(e models.Event) error
	// GetEvents returns events newest first; limit <= 0 returns all.
	GetEvents(limit int) ([]models.Event, error)
	// PruneEvents deletes events older than the cutoff and reports how many
	// were removed.
	PruneEvents(before time.Time) (int64, error)
	// ClearEvents deletes all events (for tests).
	ClearEvents() error
	// Close releases the backend.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string: a file path for SQLite, a
	// postgres:// URL or key=value string for PostgreSQL.
	DSN string
}

// Option configures store Opts.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore keeps everything in process memory. Used by tests and as a
// fallback when no persistence is configured.
type InMemoryStore struct {
	mu     sync.Mutex
	doc    []byte
	events []models.Event
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// LoadScheduleState implements Store.
func (s *InMemoryStore) LoadScheduleState() (*models.ScheduleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return models.NewScheduleState(), nil
	}
	var st models.ScheduleState
	if err := json.Unmarshal(s.doc, &st); err != nil {
		return nil, err
	}
	st.Normalize()
	return &st, nil
}

// SaveScheduleState implements Store.
func (s *InMemoryStore) SaveScheduleState(st *models.ScheduleState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = data
	s.mu.Unlock()
	return nil
}

// AddEvent implements Store.
func (s *InMemoryStore) AddEvent(e models.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

// GetEvents implements Store.
func (s *InMemoryStore) GetEvents(limit int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Event, len(s.events))
	copy(out, s.events)
	// Newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneEvents implements Store.
func (s *InMemoryStore) PruneEvents(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var removed int64
	for _, e := range s.events {
		if e.Time.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

// ClearEvents implements Store.
func (s *InMemoryStore) ClearEvents() error {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
	return nil
}

// Close implements Store.
func (s *InMemoryStore) Close() error { return nil }
