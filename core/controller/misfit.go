package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"fwi-orchestrator/core/models"
	"fwi-orchestrator/storage"
)

// misfitRecord is the JSON a processing job writes next to its output
type misfitRecord struct {
	Event  string  `json:"event"`
	Misfit float64 `json:"misfit"`
}

// BlobMisfits reads each event's scalar misfit from the processing job's
// output object in the remote store
func BlobMisfits(trans *storage.TransferManager) MisfitFunc {
	return func(ctx context.Context, job *models.Job) (float64, error) {
		data, err := trans.DownloadBlob(ctx, job.OutputURI+"/misfit.json")
		if err != nil {
			return 0, err
		}
		var rec misfitRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return 0, fmt.Errorf("malformed misfit record for %q: %w", job.Event, err)
		}
		if math.IsNaN(rec.Misfit) || math.IsInf(rec.Misfit, 0) {
			return 0, fmt.Errorf("non-finite misfit for %q", job.Event)
		}
		return rec.Misfit, nil
	}
}

// DecayingMisfits backs the local site mode: misfits shrink each
// iteration so the loop converges without a real solver. Deterministic
// for a fixed event set.
func DecayingMisfits() MisfitFunc {
	return func(_ context.Context, job *models.Job) (float64, error) {
		base := 1.0
		for _, ch := range job.Event {
			base += float64(int(ch)%7) * 0.01
		}
		return base / math.Pow(1.3, float64(job.IterationID)), nil
	}
}
