package repository

import (
	"database/sql"
	"fmt"
	"time"

	"fwi-orchestrator/core/models"
)

// EventRepository handles database operations for the observation event pool
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// ListPool returns all non-validation events ordered for selection:
// never-used first, then least recently used
func (r *EventRepository) ListPool() ([]models.Event, error) {
	query := `
		SELECT name, usage_count, last_used_iter, validation, last_finished_at
		FROM events
		WHERE validation = FALSE
		ORDER BY usage_count ASC, last_used_iter ASC, name ASC
	`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list event pool: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var lastFinished sql.NullTime
		if err := rows.Scan(&e.Name, &e.UsageCount, &e.LastUsedIter, &e.Validation, &lastFinished); err != nil {
			return nil, err
		}
		if lastFinished.Valid {
			e.LastFinishedAt = &lastFinished.Time
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkUsed records that an event was selected into an iteration's batch
func (r *EventRepository) MarkUsed(name string, iterationID int) error {
	query := `
		UPDATE events
		SET usage_count = usage_count + 1, last_used_iter = $2
		WHERE name = $1
	`
	_, err := r.db.Exec(query, name, iterationID)
	return err
}

// MarkFinished records that an event produced usable misfit data
func (r *EventRepository) MarkFinished(name string, at time.Time) error {
	query := `UPDATE events SET last_finished_at = $2 WHERE name = $1`
	_, err := r.db.Exec(query, name, at)
	return err
}

// ResetPass clears per-pass usage after cyclic exhaustion so every event
// becomes selectable again
func (r *EventRepository) ResetPass() error {
	_, err := r.db.Exec(`UPDATE events SET usage_count = 0 WHERE validation = FALSE`)
	return err
}

// AddEvent registers an observation event
func (r *EventRepository) AddEvent(name string, validation bool) error {
	query := `
		INSERT INTO events (name, usage_count, last_used_iter, validation)
		VALUES ($1, 0, -1, $2)
		ON CONFLICT (name) DO NOTHING
	`
	_, err := r.db.Exec(query, name, validation)
	return err
}
