package repository

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"fwi-orchestrator/core/models"
)

// MemoryStore is an in-process implementation of the event pool, job
// store and checkpoint store. It backs the "local" site mode, where the
// orchestrator runs without Postgres, and deterministic tests.
type MemoryStore struct {
	mu          sync.Mutex
	events      map[string]*models.Event
	jobs        map[string]*models.Job
	transitions []models.JobTransition
	checkpoints map[int]*models.Checkpoint
	nextTransID int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string]*models.Event),
		jobs:        make(map[string]*models.Job),
		checkpoints: make(map[int]*models.Checkpoint),
	}
}

// AddEvent registers an observation event
func (m *MemoryStore) AddEvent(name string, validation bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[name]; !ok {
		m.events[name] = &models.Event{Name: name, LastUsedIter: -1, Validation: validation}
	}
	return nil
}

// ListPool returns non-validation events, never-used first then LRU
func (m *MemoryStore) ListPool() ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []models.Event
	for _, e := range m.events {
		if !e.Validation {
			events = append(events, *e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].UsageCount != events[j].UsageCount {
			return events[i].UsageCount < events[j].UsageCount
		}
		if events[i].LastUsedIter != events[j].LastUsedIter {
			return events[i].LastUsedIter < events[j].LastUsedIter
		}
		return events[i].Name < events[j].Name
	})
	return events, nil
}

// MarkUsed records batch membership for an event
func (m *MemoryStore) MarkUsed(name string, iterationID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[name]
	if !ok {
		return fmt.Errorf("unknown event %s", name)
	}
	e.UsageCount++
	e.LastUsedIter = iterationID
	return nil
}

// MarkFinished records that an event produced usable misfit data
func (m *MemoryStore) MarkFinished(name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[name]; ok {
		t := at
		e.LastFinishedAt = &t
	}
	return nil
}

// ResetPass clears usage counts after cyclic exhaustion
func (m *MemoryStore) ResetPass() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if !e.Validation {
			e.UsageCount = 0
		}
	}
	return nil
}

// CreateJob stores a job and its initial transition
func (m *MemoryStore) CreateJob(job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	m.jobs[job.ID] = &cp
	m.appendTransitionLocked(job.ID, nil, job.Status, "job_created", nil)
	return nil
}

// UpdateJobStatus transitions a job, appending to the transition log first
func (m *MemoryStore) UpdateJobStatus(jobID string, from, to models.JobStatus, reason string, meta map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	if job.Status != from {
		return fmt.Errorf("job %s is not in status %s", jobID, from)
	}
	m.appendTransitionLocked(jobID, &from, to, reason, meta)
	job.Status = to
	job.UpdatedAt = time.Now()
	if to.Terminal() {
		now := time.Now()
		job.FinishedAt = &now
	}
	return nil
}

// SetRemoteHandle records the handle returned by the site
func (m *MemoryStore) SetRemoteHandle(jobID, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	now := time.Now()
	job.RemoteHandle = handle
	job.SubmittedAt = &now
	job.UpdatedAt = now
	return nil
}

// IncrementReposts bumps the retry counter and returns the new value
func (m *MemoryStore) IncrementReposts(jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return 0, fmt.Errorf("unknown job %s", jobID)
	}
	job.Reposts++
	job.UpdatedAt = time.Now()
	return job.Reposts, nil
}

// GetJob returns a copy of the stored job
func (m *MemoryStore) GetJob(id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("unknown job %s", id)
	}
	cp := *job
	return &cp, nil
}

// ListJobsByIteration returns copies of all jobs owned by an iteration
func (m *MemoryStore) ListJobsByIteration(iterationID int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []*models.Job
	for _, j := range m.jobs {
		if j.IterationID == iterationID {
			cp := *j
			jobs = append(jobs, &cp)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs, nil
}

// GetJobTransitions returns the transition log for a job, oldest first
func (m *MemoryStore) GetJobTransitions(jobID string, limit int) ([]models.JobTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []models.JobTransition
	for _, t := range m.transitions {
		if t.JobID == jobID {
			out = append(out, t)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Save upserts the checkpoint for its iteration
func (m *MemoryStore) Save(cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *cp
	clone.UpdatedAt = time.Now()
	m.checkpoints[cp.IterationID] = &clone
	return nil
}

// Latest returns the most recent checkpoint
func (m *MemoryStore) Latest() (*models.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	best := -1
	for id := range m.checkpoints {
		if id > best {
			best = id
		}
	}
	if best < 0 {
		return nil, false, nil
	}
	cp := *m.checkpoints[best]
	return &cp, true, nil
}

// Get returns the checkpoint for one iteration
func (m *MemoryStore) Get(iterationID int) (*models.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[iterationID]
	if !ok {
		return nil, false, nil
	}
	clone := *cp
	return &clone, true, nil
}

func (m *MemoryStore) appendTransitionLocked(jobID string, from *models.JobStatus, to models.JobStatus, reason string, meta map[string]interface{}) {
	m.nextTransID++
	m.transitions = append(m.transitions, models.JobTransition{
		ID:         m.nextTransID,
		JobID:      jobID,
		At:         time.Now(),
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		MetaJSON:   meta,
	})
}
