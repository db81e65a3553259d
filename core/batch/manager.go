package batch

import (
	"fmt"
	"log"
	"math"

	"fwi-orchestrator/core/models"
)

// EventPool is the durable observation event pool the manager draws from
type EventPool interface {
	ListPool() ([]models.Event, error)
	MarkUsed(name string, iterationID int) error
	ResetPass() error
}

// Manager selects the event mini-batch for each iteration and carries a
// control group across consecutive iterations so gradient comparisons
// stay consistent when batch composition changes.
type Manager struct {
	pool EventPool
}

// NewManager creates a batch manager over the given pool
func NewManager(pool EventPool) *Manager {
	return &Manager{pool: pool}
}

// SelectBatch picks size events for an iteration. The control group is
// the overlap with the previous batch, sized by policy. Fresh events are
// drawn unused-first; when the unused pool is exhausted mid-selection the
// pass resets and selection continues, never duplicating an event within
// the batch.
func (m *Manager) SelectBatch(iterationID, size int, policy models.OverlapPolicy, prev *models.Batch) (*models.Batch, error) {
	if size < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", size)
	}

	batch := &models.Batch{IterationID: iterationID}
	chosen := make(map[string]bool)

	control := m.pickControlGroup(size, policy, prev)
	for _, name := range control {
		chosen[name] = true
	}
	batch.ControlGroup = control
	batch.Events = append(batch.Events, control...)

	needed := size - len(control)
	fresh, err := m.pickFresh(needed, chosen)
	if err != nil {
		return nil, err
	}
	batch.Events = append(batch.Events, fresh...)

	for _, name := range batch.Events {
		if err := m.pool.MarkUsed(name, iterationID); err != nil {
			return nil, err
		}
	}

	log.Printf("Iteration %d: selected batch of %d events (%d carried from previous batch)",
		iterationID, len(batch.Events), len(control))
	return batch, nil
}

// pickControlGroup chooses the overlap with the previous batch. Events
// with fresh misfit data from the prior iteration are preferred; any
// other carried event must be re-simulated by the pipeline.
func (m *Manager) pickControlGroup(size int, policy models.OverlapPolicy, prev *models.Batch) []string {
	if prev == nil || len(prev.Events) == 0 {
		return nil
	}

	var want int
	switch policy.Mode {
	case models.OverlapCount:
		want = policy.Count
	default:
		want = int(math.Ceil(policy.Fraction * float64(size)))
	}
	if want > len(prev.Events) {
		want = len(prev.Events)
	}
	if want >= size {
		want = size - 1 // a batch must bring in at least one fresh event
	}
	if want <= 0 {
		return nil
	}

	return append([]string(nil), prev.Events[:want]...)
}

// pickFresh draws n unused-first events, repooling on exhaustion
func (m *Manager) pickFresh(n int, chosen map[string]bool) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	var picked []string
	reset := false
	for len(picked) < n {
		events, err := m.pool.ListPool()
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, fmt.Errorf("event pool is empty")
		}

		progress := false
		for _, e := range events {
			if len(picked) == n {
				break
			}
			if chosen[e.Name] || e.UsageCount > 0 {
				continue
			}
			picked = append(picked, e.Name)
			chosen[e.Name] = true
			progress = true
		}
		if len(picked) == n {
			break
		}

		// Unused pool exhausted: repool everything for the next pass.
		// If the pool is smaller than the batch we stop short rather than
		// duplicate an event within the batch.
		if reset && !progress {
			log.Printf("Event pool smaller than requested batch, returning %d of %d fresh events", len(picked), n)
			break
		}
		if err := m.pool.ResetPass(); err != nil {
			return nil, err
		}
		reset = true
	}
	return picked, nil
}
