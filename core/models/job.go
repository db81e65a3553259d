package models

import "time"

// Job represents one unit of remote work submitted to the HPC site
type Job struct {
	ID           string
	IterationID  int
	Attempt      int    // rejection retries re-run the iteration under a new attempt
	Event        string // empty for iteration-wide stages (e.g. smoothing)
	Stage        StageKind
	RemoteHandle string
	Status       JobStatus
	Reposts      int // number of times this logical task was re-submitted
	WallTime     time.Duration
	Speculative  bool // submitted before the previous model was accepted
	OutputURI    string
	CreatedAt    time.Time
	SubmittedAt  *time.Time
	FinishedAt   *time.Time
	UpdatedAt    time.Time
}

// StageKind represents the kind of remote work a job performs
type StageKind string

const (
	StageModelInterp StageKind = "model_interp"    // master model -> event mesh
	StageForward     StageKind = "forward"         // forward wave simulation
	StageProcessing  StageKind = "hpc_processing"  // windowing, misfit, adjoint sources
	StageAdjoint     StageKind = "adjoint"         // adjoint wave simulation
	StageGradInterp  StageKind = "gradient_interp" // event gradient -> inversion mesh
	StageSmoothing   StageKind = "smoothing"       // regularization diffusion
)

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusSubmitted JobStatus = "submitted"
	JobStatusRunning   JobStatus = "running"
	JobStatusFinished  JobStatus = "finished"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s JobStatus) Terminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed || s == JobStatusCancelled
}

// JobTransition represents a state transition record for a job.
// Transitions are appended to the durable log before the new status is
// reported to any caller, so a resumed process can replay the log.
type JobTransition struct {
	ID         int64
	JobID      string
	At         time.Time
	FromStatus *JobStatus
	ToStatus   JobStatus
	Reason     string
	MetaJSON   map[string]interface{}
}

// StageDescriptor is the site-facing description of one remote task
type StageDescriptor struct {
	IterationID int
	Attempt     int
	Event       string
	Stage       StageKind
	Ranks       int
	WallTime    time.Duration
	ModelURI    string
	InputURIs   []string
	OutputURI   string
}
