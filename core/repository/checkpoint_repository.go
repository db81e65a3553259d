package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fwi-orchestrator/core/models"
)

// CheckpointRepository persists the controller's durable snapshots.
// One row per iteration; the write is synchronous and the state
// transition is only considered committed once it returns.
type CheckpointRepository struct {
	db *DB
}

// NewCheckpointRepository creates a new checkpoint repository
func NewCheckpointRepository(db *DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Save upserts the checkpoint for its iteration
func (r *CheckpointRepository) Save(cp *models.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	query := `
		INSERT INTO checkpoints (iteration_id, state, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (iteration_id)
		DO UPDATE SET state = $2, payload = $3, updated_at = $4
	`
	_, err = r.db.Exec(query, cp.IterationID, cp.State, payload, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Latest returns the most recent checkpoint, or ok=false when none exists
func (r *CheckpointRepository) Latest() (*models.Checkpoint, bool, error) {
	query := `
		SELECT payload FROM checkpoints
		ORDER BY iteration_id DESC
		LIMIT 1
	`
	var payload []byte
	err := r.db.QueryRow(query).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, false, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, true, nil
}

// Get returns the checkpoint for one iteration
func (r *CheckpointRepository) Get(iterationID int) (*models.Checkpoint, bool, error) {
	var payload []byte
	err := r.db.QueryRow(`SELECT payload FROM checkpoints WHERE iteration_id = $1`, iterationID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, false, err
	}
	return &cp, true, nil
}
