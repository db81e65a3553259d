package site

import (
	"context"
	"errors"
	"fmt"

	"fwi-orchestrator/core/models"
)

// RemoteStatus is the status reported by the remote scheduler
type RemoteStatus string

const (
	RemotePending  RemoteStatus = "pending"
	RemoteRunning  RemoteStatus = "running"
	RemoteFinished RemoteStatus = "finished"
	RemoteFailed   RemoteStatus = "failed"
	RemoteUnknown  RemoteStatus = "unknown"
)

// Client is the remote job submission/status API consumed by the registry.
// Submit returns a handle immediately; the task runs asynchronously.
type Client interface {
	Submit(ctx context.Context, desc models.StageDescriptor) (string, error)
	Status(ctx context.Context, handle string) (RemoteStatus, error)
	Cancel(ctx context.Context, handle string) error
	// List returns the handles the site currently knows about for an
	// iteration. Used at startup to reconcile checkpointed jobs against
	// remote reality.
	List(ctx context.Context, iterationID int) ([]string, error)
}

// TransientError marks a transport-level failure of a status query.
// It means "could not ask", not "the job failed": callers must not
// mutate retry counts on it.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient site error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transport-level query failure
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
