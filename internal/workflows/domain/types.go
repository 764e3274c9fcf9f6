// Package domain defines the core entities for the histoflow scheduler:
// workflows, branches, and jobs, together with the job status state machine
// and the repository contracts the scheduler and service are built on.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowID uniquely identifies a workflow. UUID v4 format.
type WorkflowID string

// NewWorkflowID generates a new unique WorkflowID.
func NewWorkflowID() WorkflowID {
	return WorkflowID(uuid.New().String())
}

// String returns the string representation of the WorkflowID.
func (id WorkflowID) String() string {
	return string(id)
}

// BranchID uniquely identifies a branch within a workflow. UUID v4 format.
type BranchID string

// NewBranchID generates a new unique BranchID.
func NewBranchID() BranchID {
	return BranchID(uuid.New().String())
}

// String returns the string representation of the BranchID.
func (id BranchID) String() string {
	return string(id)
}

// JobID uniquely identifies a job. UUID v4 format.
type JobID string

// NewJobID generates a new unique JobID.
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// String returns the string representation of the JobID.
func (id JobID) String() string {
	return string(id)
}

// JobStatus represents the lifecycle state of a job.
// Valid transitions:
//
//	Pending   -> Running, Cancelled
//	Running   -> Succeeded, Failed, Cancelled
//	Succeeded -> (terminal)
//	Failed    -> (terminal)
//	Cancelled -> (terminal)
type JobStatus string

const (
	// JobPending indicates the job is queued and has not been dispatched.
	JobPending JobStatus = "PENDING"
	// JobRunning indicates the job is actively executing.
	JobRunning JobStatus = "RUNNING"
	// JobSucceeded indicates the job body completed normally.
	JobSucceeded JobStatus = "SUCCEEDED"
	// JobFailed indicates the job body returned an error.
	JobFailed JobStatus = "FAILED"
	// JobCancelled indicates the job was cancelled, either directly or by
	// cascade from an earlier job in its branch.
	JobCancelled JobStatus = "CANCELLED"
)

// validTransitions defines the allowed status transitions for jobs.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobPending: {
		JobRunning:   true,
		JobCancelled: true,
	},
	JobRunning: {
		JobSucceeded: true,
		JobFailed:    true,
		JobCancelled: true,
	},
	// Terminal statuses are absorbing.
	JobSucceeded: {},
	JobFailed:    {},
	JobCancelled: {},
}

// String returns the string representation of the JobStatus.
func (s JobStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized JobStatus value.
func (s JobStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true for Succeeded, Failed, and Cancelled.
// Terminal statuses cannot transition to any other status.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// CanTransitionTo returns true if transitioning from the current status
// to the target status is valid according to the job state machine.
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// JobType identifies the image-processing body a job runs.
type JobType string

const (
	// JobTissueMask produces a downsampled binary tissue mask PNG.
	JobTissueMask JobType = "tissue_mask"
	// JobCellSeg tiles the slide and runs per-tile cell segmentation,
	// emitting a polygons JSON plus an overlay PNG.
	JobCellSeg JobType = "instanseg_cell_seg"
	// JobPreview emits a thumbnail of the slide.
	JobPreview JobType = "preview_downsample"
)

// IsValid returns true if this is a recognized JobType value.
func (t JobType) IsValid() bool {
	switch t {
	case JobTissueMask, JobCellSeg, JobPreview:
		return true
	}
	return false
}

// String returns the string representation of the JobType.
func (t JobType) String() string {
	return string(t)
}

// Workflow is a named collection of branches owned by one user.
// Workflows are immutable after creation.
type Workflow struct {
	ID        WorkflowID
	UserID    string
	Name      string
	CreatedAt time.Time
}

// NewWorkflow creates a workflow with a fresh id for the given owner.
func NewWorkflow(userID, name string) *Workflow {
	return &Workflow{
		ID:        NewWorkflowID(),
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now(),
	}
}

// Branch is an ordered sequence of jobs that execute serially.
// Branch names are unique within a workflow; branches are created lazily
// when the first job of a named branch is appended.
type Branch struct {
	ID         BranchID
	WorkflowID WorkflowID
	Name       string
}

// Job is one unit of work: a typed image-processing step with inputs,
// outputs, status, and progress. workflow_id and user_id are denormalized
// onto the job row for query efficiency.
type Job struct {
	ID         JobID
	WorkflowID WorkflowID
	BranchID   BranchID
	UserID     string

	Type       JobType
	InputPath  string
	OutputPath string

	Status   JobStatus
	Progress float64

	// OrderIndex is the job's position within its branch: dense, starting
	// at 0, unique per branch.
	OrderIndex int

	// Tile counters written by tile-based job bodies.
	TotalTiles     int
	ProcessedTiles int

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}
