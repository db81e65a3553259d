package scheduler

import (
	"context"
	"sync"

	"fwi-orchestrator/core/registry"
	"fwi-orchestrator/core/site"
)

// PollResult is one job's observed remote status. Results are gathered
// concurrently but merged back into the registry on the controller's
// turn; the pollers themselves never mutate state.
type PollResult struct {
	JobID  string
	Status site.RemoteStatus
	Err    error
}

// PollAll fans out one status query per in-flight job and fans the
// results back in. Each query is an independent blocking network call;
// the concurrency hides I/O latency, nothing more.
func PollAll(ctx context.Context, reg *registry.Registry, jobIDs []string) []PollResult {
	results := make([]PollResult, len(jobIDs))

	var wg sync.WaitGroup
	for i, id := range jobIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			status, err := reg.Poll(ctx, id)
			results[i] = PollResult{JobID: id, Status: status, Err: err}
		}(i, id)
	}
	wg.Wait()

	return results
}
