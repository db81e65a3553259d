package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fwi-orchestrator/config"
	"fwi-orchestrator/core/batch"
	"fwi-orchestrator/core/models"
	"fwi-orchestrator/core/optimizer"
	"fwi-orchestrator/core/pipeline"
	"fwi-orchestrator/core/registry"
	"fwi-orchestrator/core/scheduler"
	"fwi-orchestrator/core/site"
	"fwi-orchestrator/storage"
)

// rejection retries within one iteration before giving up
const maxTrialAttempts = 8

// errTrialsExhausted ends the run when every smaller step keeps being
// rejected; the checkpoint is preserved for the operator
var errTrialsExhausted = errors.New("trial candidates exhausted")

// CheckpointStore is the durable per-iteration snapshot store. Save is
// synchronous: a state transition is committed only once it returns.
type CheckpointStore interface {
	Save(cp *models.Checkpoint) error
	Latest() (*models.Checkpoint, bool, error)
	Get(iterationID int) (*models.Checkpoint, bool, error)
}

// EventTracker records which events produced usable misfit data
type EventTracker interface {
	MarkFinished(name string, at time.Time) error
}

// MisfitFunc reads the scalar misfit a finished processing job produced
type MisfitFunc func(ctx context.Context, job *models.Job) (float64, error)

// Controller drives the inversion: one iteration at a time, a single
// thread of control owning all state mutations. Pollers fan out
// concurrently but only report; their results merge back here.
type Controller struct {
	cfg     *config.Config
	reg     *registry.Registry
	batches *batch.Manager
	spec    *scheduler.Speculative
	opt     *optimizer.Adapter
	cps     CheckpointStore
	trans   *storage.TransferManager
	events  EventTracker
	misfit  MisfitFunc
	clock   Clock

	mu       sync.Mutex
	snapshot Snapshot
}

// Snapshot is the read-only view exposed to the monitoring API
type Snapshot struct {
	IterationID int                   `json:"iteration_id"`
	Attempt     int                   `json:"attempt"`
	State       models.IterationState `json:"state"`
	ModelURI    string                `json:"model_uri"`
	TrialURI    string                `json:"trial_uri"`
	BatchSize   int                   `json:"batch_size"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// New wires a controller
func New(
	cfg *config.Config,
	reg *registry.Registry,
	batches *batch.Manager,
	spec *scheduler.Speculative,
	opt *optimizer.Adapter,
	cps CheckpointStore,
	trans *storage.TransferManager,
	events EventTracker,
	misfit MisfitFunc,
	clock Clock,
) *Controller {
	return &Controller{
		cfg:     cfg,
		reg:     reg,
		batches: batches,
		spec:    spec,
		opt:     opt,
		cps:     cps,
		trans:   trans,
		events:  events,
		misfit:  misfit,
		clock:   clock,
	}
}

// Status returns the current controller snapshot
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Run executes the iteration loop until a fatal failure or interruption.
// Re-running after an interruption resumes from the last checkpoint.
func (c *Controller) Run(ctx context.Context) error {
	start := 1
	trial := models.Candidate{ModelURI: c.cfg.Inversion.InitialModelURI, StepScale: 1.0}

	cp, ok, err := c.cps.Latest()
	if err != nil {
		return err
	}
	if ok {
		c.opt.Restore(models.ModelState{
			ModelURI:    cp.ModelURI,
			TrustRadius: cp.TrustRadius,
			StepScale:   cp.StepScale,
			Iteration:   cp.IterationID,
		}, cp.LastMisfit, cp.HasMisfit)
		trial = models.Candidate{ModelURI: cp.TrialURI, TrustRadius: cp.TrustRadius, StepScale: cp.StepScale}

		if cp.State.Terminal() {
			if cp.State == models.IterFatalFailure {
				return fmt.Errorf("iteration %d previously ended in fatal failure, refusing to resume", cp.IterationID)
			}
			start = cp.IterationID + 1
		} else {
			start = cp.IterationID
			log.Printf("Resuming iteration %d from state %s", start, cp.State)
			if err := c.reg.Reconcile(ctx, start); err != nil {
				return err
			}
		}
	}

	for iter := start; ; iter++ {
		next, err := c.runIteration(ctx, iter, trial)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Printf("Interrupted during iteration %d, checkpoint preserved", iter)
				c.trans.Wait()
				return nil
			}
			var fatal *registry.FatalError
			if errors.As(err, &fatal) || errors.Is(err, errTrialsExhausted) {
				if cerr := c.checkpointState(iter, 0, models.IterFatalFailure, nil, trial); cerr != nil {
					log.Printf("Failed to record fatal checkpoint for iteration %d: %v", iter, cerr)
				}
				log.Printf("FATAL: %v", err)
				return err
			}
			return err
		}
		trial = next

		// Superseded scratch data is no longer needed; current and
		// previous iterations keep theirs for control-group reuse.
		if iter > 2 {
			if err := c.trans.CleanupIteration(ctx, iter-2); err != nil {
				log.Printf("Cleanup of iteration %d failed: %v", iter-2, err)
			}
		}
	}
}

// runIteration takes one iteration from batch selection to acceptance
// and returns the next trial candidate
func (c *Controller) runIteration(ctx context.Context, iterationID int, trial models.Candidate) (models.Candidate, error) {
	var b *models.Batch
	attempt := 0

	// A resumed iteration re-uses its checkpointed batch and attempt.
	if cp, ok, err := c.cps.Get(iterationID); err != nil {
		return models.Candidate{}, err
	} else if ok && cp.Batch != nil {
		b = cp.Batch
		attempt = cp.Attempt
	}

	if b == nil {
		if err := c.checkpointState(iterationID, attempt, models.IterSelectingBatch, nil, trial); err != nil {
			return models.Candidate{}, err
		}

		prev, err := c.previousBatch(iterationID)
		if err != nil {
			return models.Candidate{}, err
		}
		policy := c.overlapPolicy()
		b, err = c.batches.SelectBatch(iterationID, c.cfg.Inversion.BatchSize, policy, prev)
		if err != nil {
			return models.Candidate{}, err
		}
		if c.validationDue(iterationID) {
			b.Validation = append([]string(nil), c.cfg.Monitoring.ValidationEvents...)
		}
		if err := c.checkpointState(iterationID, attempt, models.IterSelectingBatch, b, trial); err != nil {
			return models.Candidate{}, err
		}
	}

	chain := pipeline.Chain(c.cfg.Inversion.MultiMesh)
	valChain := pipeline.ValidationChain(c.cfg.Inversion.MultiMesh)

	for ; attempt < maxTrialAttempts; attempt++ {
		// Forward simulations for batch and validation events.
		if err := c.checkpointState(iterationID, attempt, models.IterSimulating, b, trial); err != nil {
			return models.Candidate{}, err
		}
		if err := c.runPhase(ctx, iterationID, attempt, b, trial, chain, valChain, models.StageForward); err != nil {
			return models.Candidate{}, err
		}

		// Misfit processing; speculative adjoints may start per-event here.
		if err := c.checkpointState(iterationID, attempt, models.IterComputingMisfit, b, trial); err != nil {
			return models.Candidate{}, err
		}
		if err := c.runPhase(ctx, iterationID, attempt, b, trial, chain, valChain, models.StageProcessing); err != nil {
			return models.Candidate{}, err
		}

		misfit, controlMisfit, err := c.collectMisfits(ctx, iterationID, attempt, b)
		if err != nil {
			return models.Candidate{}, err
		}

		if c.validationDue(iterationID) {
			if err := c.checkpointState(iterationID, attempt, models.IterValidationCheck, b, trial); err != nil {
				return models.Candidate{}, err
			}
			c.reportValidation(ctx, iterationID, attempt, b)
		}

		// Batch composition changes between iterations, so the trial is
		// judged over the control group: the same events under the previous
		// model and under the trial. Without a control group the whole-batch
		// misfits are the only comparison available.
		trialCmp, prevCmp := misfit, 0.0
		if len(b.ControlGroup) > 0 {
			prev, err := c.previousControlMisfit(ctx, iterationID, b.ControlGroup)
			if err != nil {
				return models.Candidate{}, err
			}
			trialCmp, prevCmp = controlMisfit, prev
		} else {
			_, prevCmp, _ = c.opt.Export()
		}
		if c.opt.Decide(trialCmp, prevCmp) {
			break
		}

		// Rejection: normal control flow. Discard speculative work and
		// re-simulate with a smaller step.
		if err := c.checkpointState(iterationID, attempt, models.IterRejected, b, trial); err != nil {
			return models.Candidate{}, err
		}
		if err := c.spec.DiscardAll(ctx, c.reg, iterationID); err != nil {
			return models.Candidate{}, err
		}
		trial = c.opt.RetryCandidate(models.GradientResult{
			IterationID:   iterationID,
			Misfit:        misfit,
			ControlMisfit: controlMisfit,
		}, attempt+1)
		log.Printf("Iteration %d attempt %d rejected, retrying with %s", iterationID, attempt, trial.ModelURI)
	}
	if attempt == maxTrialAttempts {
		return models.Candidate{}, fmt.Errorf("iteration %d: %w after %d attempts", iterationID, errTrialsExhausted, attempt)
	}

	// Gradient computation over the batch events only.
	if err := c.checkpointState(iterationID, attempt, models.IterGradient, b, trial); err != nil {
		return models.Candidate{}, err
	}
	gradTarget := chain[len(chain)-1]
	if err := c.runPhase(ctx, iterationID, attempt, b, trial, chain, nil, gradTarget); err != nil {
		return models.Candidate{}, err
	}

	misfit, controlMisfit, err := c.collectMisfits(ctx, iterationID, attempt, b)
	if err != nil {
		return models.Candidate{}, err
	}

	// Aggregate blocks until every contributing event's chain finished,
	// then hands the summed gradient to smoothing.
	aggURI, err := c.aggregate(ctx, iterationID, attempt, b, gradTarget)
	if err != nil {
		return models.Candidate{}, err
	}

	if err := c.checkpointState(iterationID, attempt, models.IterSmoothing, b, trial); err != nil {
		return models.Candidate{}, err
	}
	if err := c.runSmoothing(ctx, iterationID, attempt, trial, aggURI); err != nil {
		return models.Candidate{}, err
	}

	if err := c.checkpointState(iterationID, attempt, models.IterUpdating, b, trial); err != nil {
		return models.Candidate{}, err
	}
	grad := models.GradientResult{
		IterationID:   iterationID,
		GradientURI:   aggURI,
		Misfit:        misfit,
		ControlMisfit: controlMisfit,
		EventCount:    len(b.Events),
	}
	next, accepted, err := c.opt.ProposeUpdate(trial, grad)
	if err != nil {
		return models.Candidate{}, err
	}
	if !accepted {
		return models.Candidate{}, fmt.Errorf("iteration %d: update proposed without an accepted trial", iterationID)
	}

	if err := c.checkpointState(iterationID, attempt, models.IterAccepted, b, next); err != nil {
		return models.Candidate{}, err
	}
	log.Printf("Iteration %d accepted: model %s (misfit %.6g over %d events)",
		iterationID, trial.ModelURI, misfit, len(b.Events))
	return next, nil
}

// runPhase submits ready tasks and polls until every relevant event has
// finished the target stage. The loop is interruptible at each boundary.
func (c *Controller) runPhase(
	ctx context.Context,
	iterationID, attempt int,
	b *models.Batch,
	trial models.Candidate,
	chain, valChain []models.StageKind,
	target models.StageKind,
) error {
	queue := pipeline.NewTaskQueue()

	for {
		jobs, err := c.reg.Jobs(iterationID)
		if err != nil {
			return err
		}
		lookup := statusLookup(jobs, attempt)

		for _, task := range pipeline.ReadyTasks(b.Events, chain, target, lookup) {
			queue.Enqueue(task)
		}
		if valChain != nil {
			valTarget := valChain[len(valChain)-1]
			if earlier(target, valTarget) {
				valTarget = target
			}
			for _, task := range pipeline.ReadyTasks(b.Validation, valChain, valTarget, lookup) {
				queue.Enqueue(task)
			}
		}
		if target == models.StageProcessing {
			for _, task := range c.spec.EarlyTasks(b.Events, chain, lookup) {
				queue.Enqueue(task)
			}
		}

		for {
			task, ok := queue.PopTask()
			if !ok {
				break
			}
			desc := c.describe(iterationID, attempt, task, trial)
			if _, err := c.reg.Submit(ctx, desc, task.Speculative); err != nil {
				return err
			}
		}

		// Re-read after submissions, then poll everything in flight.
		jobs, err = c.reg.Jobs(iterationID)
		if err != nil {
			return err
		}
		// Pending jobs are polled too: one whose submission never
		// completed must re-enter the retry path, not wait forever.
		var active []string
		for _, j := range jobs {
			if j.Attempt == attempt && !j.Status.Terminal() {
				active = append(active, j.ID)
			}
		}

		results := scheduler.PollAll(ctx, c.reg, active)
		for _, res := range results {
			if res.Err != nil {
				if site.IsTransient(res.Err) {
					log.Printf("Transient poll failure for job %s, will retry next cycle: %v", res.JobID, res.Err)
					continue
				}
				return res.Err
			}
			status, err := c.reg.Apply(ctx, res.JobID, res.Status)
			if err != nil {
				return err
			}
			if status == models.JobStatusFinished {
				c.noteFinished(res.JobID, jobs)
			}
		}

		if err := c.checkpointJobs(iterationID); err != nil {
			return err
		}

		jobs, err = c.reg.Jobs(iterationID)
		if err != nil {
			return err
		}
		lookup = statusLookup(jobs, attempt)
		done := pipeline.Complete(b.Events, target, lookup)
		if done && valChain != nil {
			valTarget := valChain[len(valChain)-1]
			if earlier(target, valTarget) {
				valTarget = target
			}
			done = pipeline.Complete(b.Validation, valTarget, lookup)
		}
		if done {
			return nil
		}

		// Interruptible loop boundary.
		if err := c.clock.Sleep(ctx, c.cfg.HPC.PollInterval); err != nil {
			return err
		}
	}
}

// runSmoothing submits the iteration-wide smoothing job and waits for it
func (c *Controller) runSmoothing(ctx context.Context, iterationID, attempt int, trial models.Candidate, aggURI string) error {
	jobs, err := c.reg.Jobs(iterationID)
	if err != nil {
		return err
	}

	var smoothing *models.Job
	for _, j := range jobs {
		if j.Attempt == attempt && j.Stage == models.StageSmoothing {
			smoothing = j
		}
	}
	if smoothing == nil {
		desc := models.StageDescriptor{
			IterationID: iterationID,
			Attempt:     attempt,
			Stage:       models.StageSmoothing,
			Ranks:       c.cfg.HPC.DiffRanks,
			WallTime:    c.cfg.HPC.DiffWallTime,
			ModelURI:    trial.ModelURI,
			InputURIs:   []string{aggURI},
			OutputURI:   fmt.Sprintf("iterations/%04d/smoothed_gradient.h5", iterationID),
		}
		smoothing, err = c.reg.Submit(ctx, desc, false)
		if err != nil {
			return err
		}
	}

	for {
		status, err := c.reg.Poll(ctx, smoothing.ID)
		if err != nil {
			if site.IsTransient(err) {
				log.Printf("Transient poll failure for smoothing job %s: %v", smoothing.ID, err)
			} else {
				return err
			}
		} else {
			jobStatus, err := c.reg.Apply(ctx, smoothing.ID, status)
			if err != nil {
				return err
			}
			if jobStatus == models.JobStatusFinished {
				return nil
			}
		}
		if err := c.clock.Sleep(ctx, c.cfg.HPC.PollInterval); err != nil {
			return err
		}
	}
}

// collectMisfits sums the batch misfit and the control-group misfit from
// the finished processing jobs of this attempt
func (c *Controller) collectMisfits(ctx context.Context, iterationID, attempt int, b *models.Batch) (float64, float64, error) {
	jobs, err := c.reg.Jobs(iterationID)
	if err != nil {
		return 0, 0, err
	}

	control := make(map[string]bool, len(b.ControlGroup))
	for _, e := range b.ControlGroup {
		control[e] = true
	}

	var total, controlTotal float64
	for _, j := range jobs {
		if j.Attempt != attempt || j.Stage != models.StageProcessing || j.Status != models.JobStatusFinished {
			continue
		}
		if !b.Contains(j.Event) {
			continue // validation misfits never enter the aggregate
		}
		m, err := c.misfit(ctx, j)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read misfit for event %q: %w", j.Event, err)
		}
		total += m
		if control[j.Event] {
			controlTotal += m
		}
	}
	return total, controlTotal, nil
}

// previousControlMisfit sums the previous iteration's misfit over the
// control-group events, giving the accept/reject decision a baseline
// computed over the same event set as the trial's control misfit.
func (c *Controller) previousControlMisfit(ctx context.Context, iterationID int, control []string) (float64, error) {
	cp, ok, err := c.cps.Get(iterationID - 1)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("iteration %d: no checkpoint to read the control-group baseline from", iterationID-1)
	}
	jobs, err := c.reg.Jobs(iterationID - 1)
	if err != nil {
		return 0, err
	}

	var total float64
	for _, e := range control {
		found := false
		for _, j := range jobs {
			if j.Attempt != cp.Attempt || j.Event != e || j.Stage != models.StageProcessing || j.Status != models.JobStatusFinished {
				continue
			}
			m, err := c.misfit(ctx, j)
			if err != nil {
				return 0, fmt.Errorf("failed to read control misfit for event %q: %w", e, err)
			}
			total += m
			found = true
			break
		}
		if !found {
			return 0, fmt.Errorf("iteration %d: control event %q has no finished misfit in iteration %d",
				iterationID, e, iterationID-1)
		}
	}
	return total, nil
}

// reportValidation logs the held-out misfit; it is monitoring only
func (c *Controller) reportValidation(ctx context.Context, iterationID, attempt int, b *models.Batch) {
	jobs, err := c.reg.Jobs(iterationID)
	if err != nil {
		log.Printf("Validation report failed: %v", err)
		return
	}

	val := make(map[string]bool, len(b.Validation))
	for _, e := range b.Validation {
		val[e] = true
	}

	var total float64
	count := 0
	for _, j := range jobs {
		if j.Attempt != attempt || j.Stage != models.StageProcessing || j.Status != models.JobStatusFinished {
			continue
		}
		if !val[j.Event] {
			continue
		}
		m, err := c.misfit(ctx, j)
		if err != nil {
			log.Printf("Failed to read validation misfit for %q: %v", j.Event, err)
			continue
		}
		total += m
		count++
	}
	log.Printf("Iteration %d validation check: misfit %.6g over %d held-out events", iterationID, total, count)
}

// aggregate writes the manifest combining all event gradients
func (c *Controller) aggregate(ctx context.Context, iterationID, attempt int, b *models.Batch, gradTarget models.StageKind) (string, error) {
	jobs, err := c.reg.Jobs(iterationID)
	if err != nil {
		return "", err
	}

	var uris []string
	for _, e := range b.Events {
		found := false
		for _, j := range jobs {
			if j.Attempt == attempt && j.Event == e && j.Stage == gradTarget && j.Status == models.JobStatusFinished {
				uris = append(uris, j.OutputURI)
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("iteration %d: gradient for event %q missing at aggregation", iterationID, e)
		}
	}

	return c.trans.WriteAggregate(ctx, storage.AggregateManifest{
		IterationID:      iterationID,
		GradientURIs:     uris,
		SourceCutKM:      c.cfg.Inversion.SourceCutRadiusKM,
		ClipPercentile:   c.cfg.Inversion.ClippingPercentile,
		SmoothingLengths: c.cfg.Inversion.SmoothingLengths[:],
	})
}

// describe builds the site descriptor for a task
func (c *Controller) describe(iterationID, attempt int, task pipeline.Task, trial models.Candidate) models.StageDescriptor {
	desc := models.StageDescriptor{
		IterationID: iterationID,
		Attempt:     attempt,
		Event:       task.Event,
		Stage:       task.Stage,
		ModelURI:    trial.ModelURI,
		OutputURI: fmt.Sprintf("iterations/%04d/scratch/a%02d/%s/%s",
			iterationID, attempt, task.Stage, task.Event),
	}
	switch task.Stage {
	case models.StageForward, models.StageAdjoint:
		desc.Ranks = c.cfg.HPC.WaveRanks
		desc.WallTime = c.cfg.HPC.WaveWallTime
	case models.StageModelInterp, models.StageGradInterp:
		desc.Ranks = 1
		desc.WallTime = c.cfg.HPC.InterpWallTime
	case models.StageProcessing:
		desc.Ranks = 1
		desc.WallTime = c.cfg.HPC.ProcWallTime
	case models.StageSmoothing:
		desc.Ranks = c.cfg.HPC.DiffRanks
		desc.WallTime = c.cfg.HPC.DiffWallTime
	}
	return desc
}

func (c *Controller) noteFinished(jobID string, jobs []*models.Job) {
	for _, j := range jobs {
		if j.ID == jobID && j.Stage == models.StageProcessing && j.Event != "" {
			if err := c.events.MarkFinished(j.Event, c.clock.Now()); err != nil {
				log.Printf("Failed to mark event %q finished: %v", j.Event, err)
			}
			return
		}
	}
}

func (c *Controller) validationDue(iterationID int) bool {
	n := c.cfg.Monitoring.ValidationCadence
	if n == 0 {
		return false
	}
	return iterationID%n == 0
}

func (c *Controller) overlapPolicy() models.OverlapPolicy {
	mode, frac, count := c.cfg.Inversion.OverlapPolicyValue()
	if mode == "count" {
		return models.OverlapPolicy{Mode: models.OverlapCount, Count: count}
	}
	return models.OverlapPolicy{Mode: models.OverlapFraction, Fraction: frac}
}

func (c *Controller) previousBatch(iterationID int) (*models.Batch, error) {
	if iterationID <= 1 {
		return nil, nil
	}
	cp, ok, err := c.cps.Get(iterationID - 1)
	if err != nil || !ok {
		return nil, err
	}
	return cp.Batch, nil
}

// checkpointState persists a controller state transition synchronously.
// The transition is committed only once Save returns: a failed write
// halts the controller rather than running ahead of its durable record.
func (c *Controller) checkpointState(iterationID, attempt int, state models.IterationState, b *models.Batch, trial models.Candidate) error {
	cur := c.opt.Current()
	cp := &models.Checkpoint{
		IterationID: iterationID,
		Attempt:     attempt,
		State:       state,
		Batch:       b,
		ModelURI:    cur.ModelURI,
		TrialURI:    trial.ModelURI,
		StepScale:   cur.StepScale,
		TrustRadius: cur.TrustRadius,
		UpdatedAt:   c.clock.Now(),
	}
	c.fillMisfit(cp)
	if err := c.cps.Save(cp); err != nil {
		return fmt.Errorf("checkpoint write failed for iteration %d state %s: %w", iterationID, state, err)
	}

	c.mu.Lock()
	c.snapshot = Snapshot{
		IterationID: iterationID,
		Attempt:     attempt,
		State:       state,
		ModelURI:    cur.ModelURI,
		TrialURI:    trial.ModelURI,
		UpdatedAt:   c.clock.Now(),
	}
	if b != nil {
		c.snapshot.BatchSize = len(b.Events)
	}
	c.mu.Unlock()
	return nil
}

// checkpointJobs refreshes the job-status map of the current checkpoint
func (c *Controller) checkpointJobs(iterationID int) error {
	cp, ok, err := c.cps.Get(iterationID)
	if err != nil || !ok {
		return err
	}
	jobs, err := c.reg.Jobs(iterationID)
	if err != nil {
		return err
	}
	statuses := make(map[string]models.JobStatus, len(jobs))
	for _, j := range jobs {
		statuses[j.ID] = j.Status
	}
	cp.JobStatuses = statuses
	cp.UpdatedAt = c.clock.Now()
	if err := c.cps.Save(cp); err != nil {
		return fmt.Errorf("checkpoint write failed for iteration %d job statuses: %w", iterationID, err)
	}
	return nil
}

func (c *Controller) fillMisfit(cp *models.Checkpoint) {
	// The adapter is the source of truth for last accepted misfit; it is
	// serialized so resume re-seeds the same decision state.
	cur, last, has := c.opt.Export()
	cp.ModelURI = cur.ModelURI
	cp.StepScale = cur.StepScale
	cp.TrustRadius = cur.TrustRadius
	cp.LastMisfit = last
	cp.HasMisfit = has
}

func statusLookup(jobs []*models.Job, attempt int) pipeline.StatusLookup {
	type key struct {
		stage models.StageKind
		event string
	}
	m := make(map[key]models.JobStatus, len(jobs))
	for _, j := range jobs {
		if j.Attempt != attempt {
			continue
		}
		k := key{j.Stage, j.Event}
		// Cancelled speculative jobs must not block resubmission on the
		// non-speculative path of a later attempt; within an attempt the
		// latest status wins.
		if existing, ok := m[k]; ok && existing == models.JobStatusFinished {
			continue
		}
		m[k] = j.Status
	}
	return func(stage models.StageKind, event string) (models.JobStatus, bool) {
		st, ok := m[key{stage, event}]
		return st, ok
	}
}

var stagePosition = map[models.StageKind]int{
	models.StageModelInterp: 0,
	models.StageForward:     1,
	models.StageProcessing:  2,
	models.StageAdjoint:     3,
	models.StageGradInterp:  4,
	models.StageSmoothing:   5,
}

func earlier(a, b models.StageKind) bool {
	return stagePosition[a] < stagePosition[b]
}
