package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// TransferManager wraps every transfer to or from the remote store in a
// scoped critical section. The controller honors interruption at loop
// boundaries, but never mid-transfer: the transfer context is detached
// from the caller's cancellation, and a transfer only counts as
// committed once the checkpoint recording it is durably written. An
// interrupt between the store write and that checkpoint repeats the
// transfer on resume, which is safe because puts are idempotent.
type TransferManager struct {
	store    BlobStore
	mu       sync.Mutex
	inFlight sync.WaitGroup
}

// NewTransferManager creates a transfer manager over the given store
func NewTransferManager(store BlobStore) *TransferManager {
	return &TransferManager{store: store}
}

// Wait blocks until no transfer is in flight. Called on shutdown so the
// process never dies mid-transfer.
func (t *TransferManager) Wait() {
	t.inFlight.Wait()
}

// transfer runs fn inside the critical section with cancellation deferred
func (t *TransferManager) transfer(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	t.inFlight.Add(1)
	t.mu.Unlock()
	defer t.inFlight.Done()

	return fn(context.WithoutCancel(ctx))
}

// UploadModel writes a model snapshot blob
func (t *TransferManager) UploadModel(ctx context.Context, uri string, data []byte) error {
	return t.transfer(ctx, func(ctx context.Context) error {
		return t.store.Put(ctx, uri, data)
	})
}

// DownloadBlob fetches any stored object
func (t *TransferManager) DownloadBlob(ctx context.Context, uri string) ([]byte, error) {
	var data []byte
	err := t.transfer(ctx, func(ctx context.Context) error {
		var err error
		data, err = t.store.Get(ctx, uri)
		return err
	})
	return data, err
}

// AggregateManifest records which event gradients contributed to an
// iteration's summed gradient and the smoothing applied afterwards
type AggregateManifest struct {
	IterationID      int       `json:"iteration_id"`
	GradientURIs     []string  `json:"gradient_uris"`
	SourceCutKM      float64   `json:"source_cut_km"`
	ClipPercentile   float64   `json:"clip_percentile"`
	SmoothingLengths []float64 `json:"smoothing_lengths"`
	CreatedAt        time.Time `json:"created_at"`
}

// WriteAggregate uploads the aggregation manifest that hands the summed
// gradient off to the smoothing stage and returns its URI
func (t *TransferManager) WriteAggregate(ctx context.Context, m AggregateManifest) (string, error) {
	m.CreatedAt = time.Now()
	payload, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode aggregate manifest: %w", err)
	}

	uri := fmt.Sprintf("iterations/%04d/aggregate.json", m.IterationID)
	err = t.transfer(ctx, func(ctx context.Context) error {
		return t.store.Put(ctx, uri, payload)
	})
	if err != nil {
		return "", err
	}
	return uri, nil
}

// VerifyOutput reports whether a job's declared output object exists.
// Used to distinguish a finished remote task from one that died after
// its instance terminated.
func (t *TransferManager) VerifyOutput(ctx context.Context, uri string) bool {
	if uri == "" {
		return true
	}
	keys, err := t.store.List(ctx, uri)
	if err != nil {
		log.Printf("Failed to verify output %s: %v", uri, err)
		return false
	}
	return len(keys) > 0
}

// CleanupIteration deletes the remote scratch of a superseded iteration.
// The current and previous iterations are never passed here: their
// results may still back a control group.
func (t *TransferManager) CleanupIteration(ctx context.Context, iterationID int) error {
	prefix := fmt.Sprintf("iterations/%04d/scratch/", iterationID)
	return t.transfer(ctx, func(ctx context.Context) error {
		keys, err := t.store.List(ctx, prefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := t.store.Delete(ctx, key); err != nil {
				return fmt.Errorf("failed to delete %s: %w", key, err)
			}
		}
		if len(keys) > 0 {
			log.Printf("Cleaned up %d scratch objects for iteration %d", len(keys), iterationID)
		}
		return nil
	})
}
