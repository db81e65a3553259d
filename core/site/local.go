package site

import (
	"context"
	"fmt"
	"sync"

	"fwi-orchestrator/core/models"

	"github.com/google/uuid"
)

// LocalSite is an in-process stand-in for the remote scheduler. Jobs
// advance pending -> running -> finished across successive status queries.
// Outcomes can be scripted per stage/event, which makes controller runs
// deterministic for development and tests.
type LocalSite struct {
	mu        sync.Mutex
	jobs      map[string]*localJob
	failures  map[string]int // stage/event -> remaining scripted failures
	pollsToGo int            // queries before a job finishes
}

type localJob struct {
	desc      models.StageDescriptor
	polls     int
	cancelled bool
	failed    bool
}

// NewLocalSite creates a local site whose jobs finish after pollsToFinish
// status queries
func NewLocalSite(pollsToFinish int) *LocalSite {
	if pollsToFinish < 1 {
		pollsToFinish = 1
	}
	return &LocalSite{
		jobs:      make(map[string]*localJob),
		failures:  make(map[string]int),
		pollsToGo: pollsToFinish,
	}
}

// FailNext scripts the next n submissions of stage/event to fail remotely
func (s *LocalSite) FailNext(stage models.StageKind, event string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[scriptKey(stage, event)] = n
}

func scriptKey(stage models.StageKind, event string) string {
	return fmt.Sprintf("%s/%s", stage, event)
}

// Submit registers the task and returns a fresh handle
func (s *LocalSite) Submit(_ context.Context, desc models.StageDescriptor) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := uuid.New().String()
	j := &localJob{desc: desc}

	key := scriptKey(desc.Stage, desc.Event)
	if s.failures[key] > 0 {
		s.failures[key]--
		j.failed = true
	}

	s.jobs[handle] = j
	return handle, nil
}

// Status advances the simulated lifecycle by one step per query
func (s *LocalSite) Status(_ context.Context, handle string) (RemoteStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[handle]
	if !ok {
		return RemoteUnknown, nil
	}
	if j.cancelled {
		return RemoteFailed, nil
	}
	j.polls++
	switch {
	case j.polls < s.pollsToGo:
		if j.polls == 1 {
			return RemotePending, nil
		}
		return RemoteRunning, nil
	case j.failed:
		return RemoteFailed, nil
	default:
		return RemoteFinished, nil
	}
}

// Cancel marks the job so later queries report failure, mirroring how a
// real scheduler reports killed jobs
func (s *LocalSite) Cancel(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[handle]; ok {
		j.cancelled = true
	}
	return nil
}

// List returns the handles submitted for an iteration
func (s *LocalSite) List(_ context.Context, iterationID int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var handles []string
	for h, j := range s.jobs {
		if j.desc.IterationID == iterationID && !j.cancelled {
			handles = append(handles, h)
		}
	}
	return handles, nil
}

// Forget drops a handle entirely, simulating a scheduler that no longer
// recognizes a checkpointed job after a restart
func (s *LocalSite) Forget(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, handle)
}
