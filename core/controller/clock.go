package controller

import (
	"context"
	"time"
)

// Clock abstracts time so the poll loop is testable without wall-clock
// delays
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the production clock
type SystemClock struct{}

// Now returns the current wall-clock time
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep waits for d or until the context is cancelled
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
