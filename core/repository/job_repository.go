package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fwi-orchestrator/core/models"
)

// JobRepository handles database operations for jobs and their transition log
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJob inserts a job row and its initial transition in one transaction.
// The transition is durable before the caller ever sees the job.
func (r *JobRepository) CreateJob(job *models.Job) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO jobs (
			id, iteration_id, attempt, event, stage, remote_handle, status,
			reposts, wall_time_seconds, speculative, output_uri,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	now := time.Now()
	_, err = tx.Exec(query,
		job.ID,
		job.IterationID,
		job.Attempt,
		job.Event,
		job.Stage,
		job.RemoteHandle,
		job.Status,
		job.Reposts,
		int(job.WallTime.Seconds()),
		job.Speculative,
		job.OutputURI,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if err := insertTransition(tx, job.ID, nil, job.Status, "job_created", nil); err != nil {
		return err
	}

	job.CreatedAt = now
	job.UpdatedAt = now
	return tx.Commit()
}

// UpdateJobStatus transitions a job and appends the transition record
// atomically. Callers report the new status only after this returns.
func (r *JobRepository) UpdateJobStatus(jobID string, from, to models.JobStatus, reason string, meta map[string]interface{}) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		jobID, to, time.Now(), from,
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s is not in status %s", jobID, from)
	}

	if err := insertTransition(tx, jobID, &from, to, reason, meta); err != nil {
		return err
	}
	return tx.Commit()
}

// SetRemoteHandle records the handle returned by the site scheduler
func (r *JobRepository) SetRemoteHandle(jobID, handle string) error {
	_, err := r.db.Exec(
		`UPDATE jobs SET remote_handle = $2, submitted_at = $3, updated_at = $3 WHERE id = $1`,
		jobID, handle, time.Now(),
	)
	return err
}

// IncrementReposts bumps the retry counter and returns the new value
func (r *JobRepository) IncrementReposts(jobID string) (int, error) {
	var reposts int
	err := r.db.QueryRow(
		`UPDATE jobs SET reposts = reposts + 1, updated_at = $2 WHERE id = $1 RETURNING reposts`,
		jobID, time.Now(),
	).Scan(&reposts)
	if err != nil {
		return 0, fmt.Errorf("failed to increment reposts: %w", err)
	}
	return reposts, nil
}

// GetJob retrieves a job by ID
func (r *JobRepository) GetJob(id string) (*models.Job, error) {
	query := `
		SELECT id, iteration_id, attempt, event, stage, remote_handle, status,
			reposts, wall_time_seconds, speculative, output_uri,
			created_at, submitted_at, finished_at, updated_at
		FROM jobs
		WHERE id = $1
	`
	return scanJob(r.db.QueryRow(query, id))
}

// ListJobsByIteration returns all jobs owned by an iteration
func (r *JobRepository) ListJobsByIteration(iterationID int) ([]*models.Job, error) {
	query := `
		SELECT id, iteration_id, attempt, event, stage, remote_handle, status,
			reposts, wall_time_seconds, speculative, output_uri,
			created_at, submitted_at, finished_at, updated_at
		FROM jobs
		WHERE iteration_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(query, iterationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetJobTransitions returns the transition log for a job, oldest first
func (r *JobRepository) GetJobTransitions(jobID string, limit int) ([]models.JobTransition, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, job_id, at, from_status, to_status, reason, meta_json
		FROM job_transitions
		WHERE job_id = $1
		ORDER BY id ASC
		LIMIT $2
	`
	rows, err := r.db.Query(query, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []models.JobTransition
	for rows.Next() {
		var t models.JobTransition
		var from sql.NullString
		var metaRaw []byte
		if err := rows.Scan(&t.ID, &t.JobID, &t.At, &from, &t.ToStatus, &t.Reason, &metaRaw); err != nil {
			return nil, err
		}
		if from.Valid {
			status := models.JobStatus(from.String)
			t.FromStatus = &status
		}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &t.MetaJSON); err != nil {
				return nil, err
			}
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var wallSeconds int
	var submittedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.IterationID, &job.Attempt, &job.Event, &job.Stage, &job.RemoteHandle,
		&job.Status, &job.Reposts, &wallSeconds, &job.Speculative, &job.OutputURI,
		&job.CreatedAt, &submittedAt, &finishedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.WallTime = time.Duration(wallSeconds) * time.Second
	if submittedAt.Valid {
		job.SubmittedAt = &submittedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return &job, nil
}

func insertTransition(tx *sql.Tx, jobID string, from *models.JobStatus, to models.JobStatus, reason string, meta map[string]interface{}) error {
	var metaRaw []byte
	if meta != nil {
		var err error
		metaRaw, err = json.Marshal(meta)
		if err != nil {
			return err
		}
	}
	var fromVal interface{}
	if from != nil {
		fromVal = string(*from)
	}
	_, err := tx.Exec(
		`INSERT INTO job_transitions (job_id, at, from_status, to_status, reason, meta_json)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		jobID, time.Now(), fromVal, string(to), reason, metaRaw,
	)
	if err != nil {
		return fmt.Errorf("failed to append job transition: %w", err)
	}
	return nil
}
