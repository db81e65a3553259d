package models

import "time"

// Event identifies one observation record (source location and origin time).
// Events are immutable; the pool metadata tracks how iterations used them.
type Event struct {
	Name           string
	UsageCount     int
	LastUsedIter   int // -1 when never used
	Validation     bool
	LastFinishedAt *time.Time
}

// OverlapMode selects how the control group size is derived
type OverlapMode string

const (
	OverlapFraction OverlapMode = "fraction"
	OverlapCount    OverlapMode = "count"
)

// OverlapPolicy configures the control-group overlap between consecutive batches
type OverlapPolicy struct {
	Mode     OverlapMode
	Fraction float64 // used when Mode == OverlapFraction
	Count    int     // used when Mode == OverlapCount
}

// Batch is the set of events one iteration computes its gradient from.
// ControlGroup is the subset carried over from the previous iteration's
// batch so gradients stay comparable when batch composition changes.
type Batch struct {
	IterationID  int
	Events       []string
	ControlGroup []string
	Validation   []string // held-out events, monitoring only
}

// Contains reports whether name is part of the gradient-contributing batch
func (b *Batch) Contains(name string) bool {
	for _, e := range b.Events {
		if e == name {
			return true
		}
	}
	return false
}
