package registry

import (
	"context"
	"fmt"
	"log"
	"time"

	"fwi-orchestrator/core/models"
	"fwi-orchestrator/core/site"

	"github.com/google/uuid"
)

// JobStore is the durable job state consumed by the registry. Every
// status transition is appended to the store's log before the new status
// is reported to any caller.
type JobStore interface {
	CreateJob(job *models.Job) error
	UpdateJobStatus(jobID string, from, to models.JobStatus, reason string, meta map[string]interface{}) error
	SetRemoteHandle(jobID, handle string) error
	IncrementReposts(jobID string) (int, error)
	GetJob(id string) (*models.Job, error)
	ListJobsByIteration(iterationID int) ([]*models.Job, error)
}

// FatalError is raised when a job exhausts its retry budget. It carries
// enough context to diagnose the failing stage offline.
type FatalError struct {
	IterationID int
	Event       string
	Stage       models.StageKind
	Reposts     int
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("iteration %d: %s job for event %q failed permanently after %d reposts",
		e.IterationID, e.Stage, e.Event, e.Reposts)
}

// Outcome is the result of reporting a job failure
type Outcome string

const (
	OutcomeRetrying Outcome = "retrying"
	OutcomeFatal    Outcome = "fatal"
)

// OutputVerifier reports whether a job's declared output object exists.
// A site that only observes "the instance terminated" cannot tell a
// successful run from a solver crash; the output object is the proof.
type OutputVerifier func(ctx context.Context, uri string) bool

// Registry tracks the lifecycle of every submitted remote task and owns
// the retry policy. All mutations run on the controller's turn; the
// concurrent pollers only call the read-only Poll.
type Registry struct {
	site       site.Client
	store      JobStore
	maxReposts int
	verify     OutputVerifier
	now        func() time.Time
}

// New creates a registry
func New(siteClient site.Client, store JobStore, maxReposts int) *Registry {
	return &Registry{
		site:       siteClient,
		store:      store,
		maxReposts: maxReposts,
		now:        time.Now,
	}
}

// WithClock overrides the time source, for deterministic tests
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// WithVerifier enables output verification on finished transitions. Nil
// (the default) trusts the site's status alone, which is what the local
// site needs since it writes no outputs.
func (r *Registry) WithVerifier(v OutputVerifier) *Registry {
	r.verify = v
	return r
}

// Submit enqueues a remote task and returns the job handle immediately.
// The job row and its transitions are durable before Submit returns, so
// a crash afterwards resumes with full knowledge of the submission. A
// submission the site rejects still returns the pending job; it re-enters
// the retry path on the next poll cycle instead of halting the run.
func (r *Registry) Submit(ctx context.Context, desc models.StageDescriptor, speculative bool) (*models.Job, error) {
	job := &models.Job{
		ID:          uuid.New().String(),
		IterationID: desc.IterationID,
		Attempt:     desc.Attempt,
		Event:       desc.Event,
		Stage:       desc.Stage,
		Status:      models.JobStatusPending,
		WallTime:    desc.WallTime,
		Speculative: speculative,
		OutputURI:   desc.OutputURI,
	}
	if err := r.store.CreateJob(job); err != nil {
		return nil, err
	}

	handle, err := r.site.Submit(ctx, desc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The durable pending row keeps the task alive: the poll loop
		// observes the missing handle and reposts through the retry path.
		log.Printf("Site rejected submission of %s for event %q (iteration %d), job %s stays pending: %v",
			desc.Stage, desc.Event, desc.IterationID, job.ID, err)
		return job, nil
	}
	if err := r.store.SetRemoteHandle(job.ID, handle); err != nil {
		return nil, err
	}
	if err := r.store.UpdateJobStatus(job.ID, models.JobStatusPending, models.JobStatusSubmitted, "submitted_to_site", nil); err != nil {
		return nil, err
	}

	job.RemoteHandle = handle
	job.Status = models.JobStatusSubmitted
	log.Printf("Submitted %s job %s for event %q (iteration %d)", desc.Stage, job.ID, desc.Event, desc.IterationID)
	return job, nil
}

// Poll queries the remote scheduler for one job. It never mutates
// registry state: a transport error is transient, not a job failure.
func (r *Registry) Poll(ctx context.Context, jobID string) (site.RemoteStatus, error) {
	job, err := r.store.GetJob(jobID)
	if err != nil {
		return site.RemoteUnknown, err
	}
	if job.RemoteHandle == "" {
		return site.RemotePending, nil
	}
	return r.site.Status(ctx, job.RemoteHandle)
}

// Apply merges one observed remote status back into the registry. Called
// on the controller's turn with results gathered by the pollers. Returns
// the job's new status.
func (r *Registry) Apply(ctx context.Context, jobID string, observed site.RemoteStatus) (models.JobStatus, error) {
	job, err := r.store.GetJob(jobID)
	if err != nil {
		return "", err
	}
	if job.Status.Terminal() {
		return job.Status, nil
	}

	// Wall-time budget: a job running past its budget enters the retry path.
	if job.WallTime > 0 && job.SubmittedAt != nil && r.now().Sub(*job.SubmittedAt) > job.WallTime {
		if observed == site.RemotePending || observed == site.RemoteRunning {
			log.Printf("Job %s (%s, event %q) exceeded wall time %v, treating as failed",
				job.ID, job.Stage, job.Event, job.WallTime)
			if job.RemoteHandle != "" {
				if err := r.site.Cancel(ctx, job.RemoteHandle); err != nil {
					log.Printf("Failed to cancel timed-out job %s: %v", job.ID, err)
				}
			}
			return r.handleFailure(ctx, job, "wall_time_exceeded")
		}
	}

	switch observed {
	case site.RemotePending:
		if job.Status == models.JobStatusPending {
			if job.RemoteHandle == "" {
				// The site never acknowledged this job: the submission
				// was cut short. Repost rather than wait forever.
				return r.handleFailure(ctx, job, "submission_incomplete")
			}
			// Crash window between recording the handle and the status
			// transition: the remote task is real, realign our record.
			if err := r.store.UpdateJobStatus(job.ID, models.JobStatusPending, models.JobStatusSubmitted, "submission_reconciled", nil); err != nil {
				return job.Status, err
			}
			return models.JobStatusSubmitted, nil
		}
		return job.Status, nil
	case site.RemoteRunning:
		if job.Status == models.JobStatusSubmitted || job.Status == models.JobStatusPending {
			if err := r.store.UpdateJobStatus(job.ID, job.Status, models.JobStatusRunning, "site_reported_running", nil); err != nil {
				return job.Status, err
			}
			return models.JobStatusRunning, nil
		}
		return job.Status, nil
	case site.RemoteFinished:
		reason := "site_reported_finished"
		if r.verify != nil && job.OutputURI != "" {
			if !r.verify(ctx, job.OutputURI) {
				log.Printf("Job %s (%s, event %q) reported finished but output %s is missing, treating as failed",
					job.ID, job.Stage, job.Event, job.OutputURI)
				return r.handleFailure(ctx, job, "output_missing")
			}
			reason = "output_verified"
		}
		if err := r.MarkFinished(job.ID, reason); err != nil {
			return job.Status, err
		}
		return models.JobStatusFinished, nil
	case site.RemoteFailed, site.RemoteUnknown:
		return r.handleFailure(ctx, job, "site_reported_"+string(observed))
	}
	return job.Status, nil
}

// ReportFailure increments the retry count. Below the maximum the same
// logical task is re-submitted; otherwise the job is permanently failed
// and a FatalError escalates to the iteration.
func (r *Registry) ReportFailure(ctx context.Context, jobID string, reason string) (Outcome, error) {
	job, err := r.store.GetJob(jobID)
	if err != nil {
		return "", err
	}
	status, err := r.handleFailure(ctx, job, reason)
	if err != nil {
		if status == models.JobStatusFailed {
			return OutcomeFatal, err
		}
		return "", err
	}
	return OutcomeRetrying, nil
}

func (r *Registry) handleFailure(ctx context.Context, job *models.Job, reason string) (models.JobStatus, error) {
	if job.Reposts >= r.maxReposts {
		if err := r.store.UpdateJobStatus(job.ID, job.Status, models.JobStatusFailed, "retry_budget_exhausted", map[string]interface{}{
			"reposts": job.Reposts,
			"cause":   reason,
		}); err != nil {
			return job.Status, err
		}
		log.Printf("Job %s (%s, event %q, iteration %d) failed permanently: %d reposts used, cause %s",
			job.ID, job.Stage, job.Event, job.IterationID, job.Reposts, reason)
		return models.JobStatusFailed, &FatalError{
			IterationID: job.IterationID,
			Event:       job.Event,
			Stage:       job.Stage,
			Reposts:     job.Reposts,
		}
	}

	reposts, err := r.store.IncrementReposts(job.ID)
	if err != nil {
		return job.Status, err
	}

	desc := models.StageDescriptor{
		IterationID: job.IterationID,
		Attempt:     job.Attempt,
		Event:       job.Event,
		Stage:       job.Stage,
		WallTime:    job.WallTime,
		OutputURI:   job.OutputURI,
	}
	handle, err := r.site.Submit(ctx, desc)
	if err != nil {
		return job.Status, fmt.Errorf("failed to repost %s for %s: %w", job.Stage, job.Event, err)
	}
	if err := r.store.SetRemoteHandle(job.ID, handle); err != nil {
		return job.Status, err
	}
	if err := r.store.UpdateJobStatus(job.ID, job.Status, models.JobStatusSubmitted, "reposted", map[string]interface{}{
		"reposts": reposts,
		"cause":   reason,
	}); err != nil {
		return job.Status, err
	}

	log.Printf("Reposted %s job %s for event %q (iteration %d), attempt %d/%d",
		job.Stage, job.ID, job.Event, job.IterationID, reposts, r.maxReposts)
	return models.JobStatusSubmitted, nil
}

// MarkCancelled transitions a job to cancelled: no retry, no escalation.
// Used for speculative work discarded after a model rejection; a finished
// speculative job whose result was never consumed is cancelled too.
func (r *Registry) MarkCancelled(ctx context.Context, jobID string, reason string) error {
	job, err := r.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status == models.JobStatusCancelled || job.Status == models.JobStatusFailed {
		return nil
	}
	if job.RemoteHandle != "" && !job.Status.Terminal() {
		if err := r.site.Cancel(ctx, job.RemoteHandle); err != nil {
			log.Printf("Failed to cancel remote job %s: %v", job.ID, err)
		}
	}
	return r.store.UpdateJobStatus(job.ID, job.Status, models.JobStatusCancelled, reason, nil)
}

// MarkFinished completes a job once its result is trusted, either from
// the site status alone or after output verification. Idempotent.
func (r *Registry) MarkFinished(jobID string, reason string) error {
	job, err := r.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status == models.JobStatusFinished {
		return nil
	}
	return r.store.UpdateJobStatus(job.ID, job.Status, models.JobStatusFinished, reason, nil)
}

// Jobs returns the jobs owned by an iteration
func (r *Registry) Jobs(iterationID int) ([]*models.Job, error) {
	return r.store.ListJobsByIteration(iterationID)
}

// Reconcile realigns checkpointed jobs with remote reality after a
// restart. A checkpointed handle the scheduler no longer recognizes is
// treated as a job failure and re-submitted, as is a job persisted
// without a handle; live remote jobs that no stored job references are
// orphans from a crash between submission and logging, and are cancelled.
func (r *Registry) Reconcile(ctx context.Context, iterationID int) error {
	jobs, err := r.store.ListJobsByIteration(iterationID)
	if err != nil {
		return err
	}

	known := make(map[string]bool)
	for _, job := range jobs {
		if job.RemoteHandle != "" {
			known[job.RemoteHandle] = true
		}
		if job.Status.Terminal() {
			continue
		}
		if job.RemoteHandle == "" {
			// A crash between persisting the job row and the site's
			// acknowledgement left a handle-less job behind. Repost it.
			log.Printf("Reconcile: job %s (%s, event %q) was never acknowledged by the site, re-submitting",
				job.ID, job.Stage, job.Event)
			if _, err := r.handleFailure(ctx, job, "submission_incomplete"); err != nil {
				return err
			}
			continue
		}

		status, err := r.site.Status(ctx, job.RemoteHandle)
		if err != nil {
			if site.IsTransient(err) {
				log.Printf("Reconcile: transient error querying job %s, leaving as-is: %v", job.ID, err)
				continue
			}
			return err
		}
		if status == site.RemoteUnknown {
			log.Printf("Reconcile: site no longer recognizes job %s (%s, event %q), re-submitting",
				job.ID, job.Stage, job.Event)
			if _, err := r.handleFailure(ctx, job, "resume_inconsistency"); err != nil {
				return err
			}
		}
	}

	handles, err := r.site.List(ctx, iterationID)
	if err != nil {
		if site.IsTransient(err) {
			log.Printf("Reconcile: transient error listing iteration %d jobs: %v", iterationID, err)
			return nil
		}
		return err
	}
	for _, h := range handles {
		if !known[h] {
			log.Printf("Reconcile: cancelling orphan remote job %s (iteration %d)", h, iterationID)
			if err := r.site.Cancel(ctx, h); err != nil {
				log.Printf("Reconcile: failed to cancel orphan %s: %v", h, err)
			}
		}
	}
	return nil
}
