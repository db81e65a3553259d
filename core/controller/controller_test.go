package controller

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"fwi-orchestrator/config"
	"fwi-orchestrator/core/batch"
	"fwi-orchestrator/core/models"
	"fwi-orchestrator/core/optimizer"
	"fwi-orchestrator/core/registry"
	"fwi-orchestrator/core/repository"
	"fwi-orchestrator/core/scheduler"
	"fwi-orchestrator/core/site"
	"fwi-orchestrator/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastClock never sleeps so iteration loops run at full speed
type fastClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fastClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *fastClock) Sleep(ctx context.Context, _ time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func testConfig() *config.Config {
	return &config.Config{
		ServerPort: "0",
		HPC: config.HPCConfig{
			SiteName:       "local",
			MaxReposts:     3,
			PollInterval:   time.Millisecond,
			WaveRanks:      2,
			DiffRanks:      2,
			WaveWallTime:   time.Hour,
			DiffWallTime:   time.Hour,
			InterpWallTime: time.Hour,
			ProcWallTime:   time.Hour,
		},
		Inversion: config.InversionConfig{
			InitialModelURI:     "models/initial.h5",
			MiniBatch:           true,
			BatchSize:           2,
			OverlapMode:         "fraction",
			OverlapFrac:         0.5,
			MultiMesh:           false,
			SpeculativeAdjoints: true,
			ClippingPercentile:  1.0,
			InitialStep:         0.02,
		},
		Monitoring: config.MonitoringConfig{
			ValidationCadence: 3,
			ValidationEvents:  []string{"val_a"},
		},
	}
}

type harness struct {
	cfg    *config.Config
	mem    *repository.MemoryStore
	remote *site.LocalSite
	reg    *registry.Registry
	opt    *optimizer.Adapter
	blob   *storage.MemoryBlobStore
	trans  *storage.TransferManager
	ctrl   *Controller
}

func newHarness(t *testing.T, cfg *config.Config, misfit MisfitFunc) *harness {
	t.Helper()

	mem := repository.NewMemoryStore()
	for _, name := range []string{"ev_a", "ev_b", "ev_c", "ev_d"} {
		require.NoError(t, mem.AddEvent(name, false))
	}
	for _, name := range cfg.Monitoring.ValidationEvents {
		require.NoError(t, mem.AddEvent(name, true))
	}

	remote := site.NewLocalSite(1)
	reg := registry.New(remote, mem, cfg.HPC.MaxReposts)
	blob := storage.NewMemoryBlobStore()
	trans := storage.NewTransferManager(blob)
	opt := optimizer.NewAdapter(
		optimizer.NewBasicTrustRegion(),
		&optimizer.SteepestDescent{InitialStep: cfg.Inversion.InitialStep},
		models.ModelState{ModelURI: cfg.Inversion.InitialModelURI, StepScale: 1.0},
	)
	if misfit == nil {
		misfit = DecayingMisfits()
	}

	return &harness{
		cfg:    cfg,
		mem:    mem,
		remote: remote,
		reg:    reg,
		opt:    opt,
		blob:   blob,
		trans:  trans,
		ctrl: New(cfg, reg, batch.NewManager(mem), scheduler.NewSpeculative(cfg.Inversion.SpeculativeAdjoints),
			opt, mem, trans, mem, misfit, &fastClock{t: time.Now()}),
	}
}

// runUntil drives the controller until cond holds, then cancels and waits
// for a clean return
func (h *harness) runUntil(t *testing.T, cond func() bool) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	require.Eventually(t, cond, 20*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "an interrupted run must return cleanly")
	case <-time.After(10 * time.Second):
		t.Fatal("controller did not stop after cancellation")
	}
}

func (h *harness) iterationAccepted(id int) func() bool {
	return func() bool {
		cp, ok, err := h.mem.Get(id)
		return err == nil && ok && cp.State == models.IterAccepted
	}
}

func TestRunAcceptsIterations(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.runUntil(t, h.iterationAccepted(4))

	for id := 1; id <= 4; id++ {
		cp, ok, err := h.mem.Get(id)
		require.NoError(t, err)
		require.True(t, ok, "iteration %d has no checkpoint", id)
		assert.Equal(t, models.IterAccepted, cp.State, "iteration %d", id)
		require.NotNil(t, cp.Batch)
		assert.Len(t, cp.Batch.Events, 2)
	}

	cp4, _, err := h.mem.Get(4)
	require.NoError(t, err)
	assert.NotEqual(t, "models/initial.h5", cp4.ModelURI, "accepted updates advance the model")
	assert.GreaterOrEqual(t, h.opt.SwapCount(), 4)
}

func TestControlGroupCarriedBetweenIterations(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.runUntil(t, h.iterationAccepted(2))

	cp1, _, err := h.mem.Get(1)
	require.NoError(t, err)
	cp2, _, err := h.mem.Get(2)
	require.NoError(t, err)

	// ceil(0.5 * 2) = 1 control event carried from the previous batch.
	require.Len(t, cp2.Batch.ControlGroup, 1)
	assert.Contains(t, cp1.Batch.Events, cp2.Batch.ControlGroup[0])
	assert.Contains(t, cp2.Batch.Events, cp2.Batch.ControlGroup[0])
}

func TestValidationCadence(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.runUntil(t, h.iterationAccepted(3))

	cp1, _, err := h.mem.Get(1)
	require.NoError(t, err)
	assert.Empty(t, cp1.Batch.Validation)

	cp3, _, err := h.mem.Get(3)
	require.NoError(t, err)
	assert.Equal(t, []string{"val_a"}, cp3.Batch.Validation, "cadence 3 runs the check on iteration 3")

	// Validation events simulate and compute misfits but never produce
	// gradients.
	jobs, err := h.mem.ListJobsByIteration(3)
	require.NoError(t, err)
	sawValidation := false
	for _, j := range jobs {
		if j.Event != "val_a" {
			continue
		}
		sawValidation = true
		assert.NotEqual(t, models.StageAdjoint, j.Stage, "validation events never run adjoints")
	}
	assert.True(t, sawValidation, "validation jobs were submitted")
}

func TestValidationMisfitNeverEntersAggregate(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.runUntil(t, h.iterationAccepted(3))

	data, err := h.blob.Get(context.Background(), "iterations/0003/aggregate.json")
	require.NoError(t, err)

	var manifest storage.AggregateManifest
	require.NoError(t, json.Unmarshal(data, &manifest))
	require.Len(t, manifest.GradientURIs, 2, "one gradient per batch event")
	for _, uri := range manifest.GradientURIs {
		assert.NotContains(t, uri, "val_a")
	}
}

func TestSpeculativeAdjointsConsumedOnAcceptance(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.runUntil(t, h.iterationAccepted(2))

	jobs, err := h.mem.ListJobsByIteration(1)
	require.NoError(t, err)

	speculative := 0
	for _, j := range jobs {
		if j.Speculative {
			speculative++
			assert.Equal(t, models.JobStatusFinished, j.Status,
				"an accepted iteration consumes its speculative results")
		}
	}
	assert.Greater(t, speculative, 0, "speculative adjoints were submitted")
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, nil)
	h.runUntil(t, h.iterationAccepted(2))

	cp1Before, _, err := h.mem.Get(1)
	require.NoError(t, err)

	// Restart against the same durable state with a fresh remote site:
	// every checkpointed handle is unknown and must be reconciled.
	h2 := &harness{cfg: cfg, mem: h.mem, blob: h.blob}
	h2.remote = site.NewLocalSite(1)
	h2.reg = registry.New(h2.remote, h.mem, cfg.HPC.MaxReposts)
	h2.trans = storage.NewTransferManager(h.blob)
	h2.opt = optimizer.NewAdapter(
		optimizer.NewBasicTrustRegion(),
		&optimizer.SteepestDescent{InitialStep: cfg.Inversion.InitialStep},
		models.ModelState{ModelURI: cfg.Inversion.InitialModelURI, StepScale: 1.0},
	)
	h2.ctrl = New(cfg, h2.reg, batch.NewManager(h.mem), scheduler.NewSpeculative(true),
		h2.opt, h.mem, h2.trans, h.mem, DecayingMisfits(), &fastClock{t: time.Now()})

	h2.runUntil(t, h2.iterationAccepted(4))

	cp1After, _, err := h.mem.Get(1)
	require.NoError(t, err)
	assert.Equal(t, cp1Before.Batch.Events, cp1After.Batch.Events,
		"completed iterations are never re-run")

	cp4, _, err := h.mem.Get(4)
	require.NoError(t, err)
	assert.Equal(t, models.IterAccepted, cp4.State)
}

func TestPermanentJobFailureIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.HPC.MaxReposts = 1
	h := newHarness(t, cfg, nil)

	// The first batch is ev_a, ev_b; every forward attempt for ev_a fails.
	h.remote.FailNext(models.StageForward, "ev_a", 10)

	err := h.ctrl.Run(context.Background())
	require.Error(t, err)

	var fatal *registry.FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, "ev_a", fatal.Event)
	assert.Equal(t, models.StageForward, fatal.Stage)
	assert.Equal(t, 1, fatal.Reposts)

	cp, ok, err2 := h.mem.Latest()
	require.NoError(t, err2)
	require.True(t, ok)
	assert.Equal(t, models.IterFatalFailure, cp.State)
}

func TestFatalCheckpointRefusesResume(t *testing.T) {
	cfg := testConfig()
	cfg.HPC.MaxReposts = 0
	h := newHarness(t, cfg, nil)
	h.remote.FailNext(models.StageForward, "ev_a", 10)

	require.Error(t, h.ctrl.Run(context.Background()))

	h2 := newHarness(t, cfg, nil)
	h2.ctrl = New(cfg, h2.reg, batch.NewManager(h.mem), scheduler.NewSpeculative(true),
		h2.opt, h.mem, h2.trans, h.mem, DecayingMisfits(), &fastClock{t: time.Now()})

	err := h2.ctrl.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fatal failure")
}

func TestTrialExhaustionIsFatal(t *testing.T) {
	cfg := testConfig()
	// A constant misfit means no trial ever improves: iteration 2 rejects
	// every smaller step until the attempt budget runs out.
	constant := func(_ context.Context, _ *models.Job) (float64, error) { return 1.0, nil }
	h := newHarness(t, cfg, constant)

	err := h.ctrl.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errTrialsExhausted), "got %v", err)

	cp, ok, err2 := h.mem.Latest()
	require.NoError(t, err2)
	require.True(t, ok)
	assert.Equal(t, models.IterFatalFailure, cp.State)
	assert.Equal(t, 2, cp.IterationID, "the first iteration is accepted unconditionally")
}

func TestRejectionDiscardsSpeculativeWork(t *testing.T) {
	cfg := testConfig()
	constant := func(_ context.Context, _ *models.Job) (float64, error) { return 1.0, nil }
	h := newHarness(t, cfg, constant)

	require.Error(t, h.ctrl.Run(context.Background()))

	jobs, err := h.mem.ListJobsByIteration(2)
	require.NoError(t, err)

	speculative := 0
	for _, j := range jobs {
		if !j.Speculative {
			continue
		}
		speculative++
		assert.Equal(t, models.JobStatusCancelled, j.Status,
			"discarded speculative work ends cancelled, never failed")
	}
	assert.Greater(t, speculative, 0)
}

func TestScratchCleanupAfterSupersession(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.runUntil(t, h.iterationAccepted(4))

	ctx := context.Background()
	keys, err := h.blob.List(ctx, "iterations/0001/scratch/")
	require.NoError(t, err)
	assert.Empty(t, keys, "superseded scratch is deleted")

	// The aggregate manifest survives cleanup.
	_, err = h.blob.Get(ctx, "iterations/0001/aggregate.json")
	assert.NoError(t, err)
}

func TestResumeRepostsJobWithoutRemoteHandle(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, nil)

	// Durable state as left by a process that died between persisting a
	// job row and the site acknowledging the submission: the iteration is
	// checkpointed mid-simulation with a handle-less pending job.
	require.NoError(t, h.mem.Save(&models.Checkpoint{
		IterationID: 1,
		State:       models.IterSimulating,
		Batch:       &models.Batch{IterationID: 1, Events: []string{"ev_a", "ev_b"}},
		ModelURI:    "models/initial.h5",
		TrialURI:    "models/initial.h5",
		StepScale:   1.0,
	}))
	require.NoError(t, h.mem.CreateJob(&models.Job{
		ID:          "stale-forward",
		IterationID: 1,
		Event:       "ev_a",
		Stage:       models.StageForward,
		Status:      models.JobStatusPending,
		WallTime:    time.Hour,
	}))

	h.runUntil(t, h.iterationAccepted(1))

	stored, err := h.mem.GetJob("stale-forward")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFinished, stored.Status)
	assert.Equal(t, 1, stored.Reposts, "the orphaned submission is reposted exactly once")
	assert.NotEmpty(t, stored.RemoteHandle)
}

func TestDecisionComparesControlGroupMisfits(t *testing.T) {
	cfg := testConfig()
	cfg.Monitoring.ValidationCadence = 0
	cfg.Monitoring.ValidationEvents = nil

	// Fresh events carry a far larger misfit than carried ones, so the
	// whole-batch sum grows whenever batch composition changes. Per event
	// the misfit still decays every iteration: judged over the control
	// group the trials improve and must be accepted.
	misfit := func(_ context.Context, job *models.Job) (float64, error) {
		base := 1.0
		if job.Event == "ev_c" || job.Event == "ev_d" {
			base = 1000.0
		}
		return base / math.Pow(1.3, float64(job.IterationID)), nil
	}

	h := newHarness(t, cfg, misfit)
	h.runUntil(t, h.iterationAccepted(3))

	for id := 1; id <= 3; id++ {
		cp, ok, err := h.mem.Get(id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.IterAccepted, cp.State, "iteration %d", id)
	}
}

// flakyCheckpoints fails every Save from failFrom on
type flakyCheckpoints struct {
	CheckpointStore
	mu       sync.Mutex
	saves    int
	failFrom int
}

func (f *flakyCheckpoints) Save(cp *models.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saves >= f.failFrom {
		return errors.New("disk full")
	}
	return f.CheckpointStore.Save(cp)
}

func TestCheckpointWriteFailureHaltsTheRun(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, nil)

	flaky := &flakyCheckpoints{CheckpointStore: h.mem, failFrom: 4}
	ctrl := New(cfg, h.reg, batch.NewManager(h.mem), scheduler.NewSpeculative(true),
		h.opt, flaky, h.trans, h.mem, DecayingMisfits(), &fastClock{t: time.Now()})

	err := ctrl.Run(context.Background())
	require.Error(t, err, "the controller must not run ahead of its durable record")
	assert.Contains(t, err.Error(), "checkpoint write failed")
	assert.Contains(t, err.Error(), "disk full")
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.runUntil(t, h.iterationAccepted(1))

	snap := h.ctrl.Status()
	assert.GreaterOrEqual(t, snap.IterationID, 1)
	assert.NotEmpty(t, snap.State)
	assert.False(t, snap.UpdatedAt.IsZero())
	assert.True(t, strings.HasPrefix(snap.ModelURI, "models/"), "got %s", snap.ModelURI)
}
