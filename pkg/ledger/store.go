// Package ledger keeps a SQLite history of instance lifecycle events.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"pgrestgw/pkg/models"

	_ "modernc.org/sqlite"
)

// Store persists instance events.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore opens or creates the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseError, err)
	}

	ctx := context.Background()

	if _, err := database.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %w", ErrDatabaseError, err)
	}

	if _, err := database.ExecContext(ctx, Schema); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %w", ErrDatabaseError, err)
	}

	return &Store{db: database}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends an event. A zero CreatedAt is stamped with the current time.
func (s *Store) Record(ctx context.Context, event models.InstanceEvent) (int64, error) {
	if event.Name == "" || event.Kind == "" {
		return 0, ErrInvalidEvent
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO instance_events (name, kind, attempt, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.Name, event.Kind, event.Attempt, event.Detail, event.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return id, nil
}

// Events lists the events of name, newest first.
func (s *Store) Events(ctx context.Context, name string, limit int) ([]models.InstanceEvent, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, attempt, COALESCE(detail, ''), created_at
		 FROM instance_events
		 WHERE name = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		name, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	defer func() { _ = rows.Close() }()

	events := []models.InstanceEvent{}
	for rows.Next() {
		var event models.InstanceEvent
		if err := rows.Scan(&event.ID, &event.Name, &event.Kind, &event.Attempt, &event.Detail, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	return events, nil
}

// Prune deletes events older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM instance_events WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return result.RowsAffected()
}
