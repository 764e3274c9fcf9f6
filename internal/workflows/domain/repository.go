package domain

import "time"

// WorkflowRepository persists workflows. Implementations must be safe for
// concurrent use.
type WorkflowRepository interface {
	// Create persists a new workflow.
	Create(wf *Workflow) error

	// FindByID retrieves a workflow by id scoped to its owner.
	// Returns WorkflowNotFoundError if no matching workflow exists.
	FindByID(id WorkflowID, userID string) (*Workflow, error)

	// ListForUser returns the user's workflows, newest first.
	ListForUser(userID string) ([]*Workflow, error)
}

// JobRepository persists branches and jobs and exposes the query primitives
// the scheduler's admission and dispatch policies are built on.
type JobRepository interface {
	// FindJob retrieves a job by id.
	// Returns JobNotFoundError if no matching job exists.
	FindJob(id JobID) (*Job, error)

	// UsersWithIncompleteJobs returns the distinct users holding at least
	// one PENDING or RUNNING job, ordered by the created_at of their
	// earliest such job. The ordering makes admission fairness
	// deterministic: users who have been waiting longest come first.
	UsersWithIncompleteJobs() ([]string, error)

	// RunnableJobs returns PENDING jobs owned by the allowed users whose
	// in-branch predecessor has SUCCEEDED (or which sit at order_index 0),
	// ordered ascending by created_at. An empty allowed set yields an
	// empty result.
	RunnableJobs(allowedUsers []string) ([]*Job, error)

	// CascadeCancel flips every PENDING job whose in-branch predecessor is
	// FAILED or CANCELLED to CANCELLED, stamping finished_at, repeating
	// until a fixpoint so whole chains collapse in one call. Returns the
	// number of jobs cancelled. Idempotent: a second call returns 0.
	CascadeCancel() (int, error)

	// GetOrCreateBranch returns the branch with the given name in the
	// workflow, creating it if absent.
	GetOrCreateBranch(workflowID WorkflowID, name string) (*Branch, error)

	// AppendJob creates a job at the tail of the branch, assigning
	// order_index = max(branch)+1 or 0 for an empty branch. The tail read
	// and insert are serialized per branch so order indexes stay dense
	// under concurrent appends.
	AppendJob(wf WorkflowID, branch *Branch, userID string, jobType JobType, inputPath, outputPath string) (*Job, error)

	// ListForWorkflow returns the workflow's jobs ordered by branch then
	// order_index, scoped to the owner.
	ListForWorkflow(workflowID WorkflowID, userID string) ([]*Job, error)

	// ListBranches returns all branches of a workflow.
	ListBranches(workflowID WorkflowID) ([]*Branch, error)

	// MarkRunning transitions a job PENDING -> RUNNING and stamps
	// started_at. Returns false without error when the job was no longer
	// PENDING (lost race).
	MarkRunning(id JobID, startedAt time.Time) (bool, error)

	// MarkSucceeded transitions RUNNING -> SUCCEEDED, stamps finished_at,
	// and raises progress to 1.0. No-op when the job is not RUNNING.
	MarkSucceeded(id JobID, finishedAt time.Time) (bool, error)

	// MarkFailed transitions RUNNING -> FAILED and stamps finished_at.
	// No-op when the job is not RUNNING.
	MarkFailed(id JobID, finishedAt time.Time) (bool, error)

	// MarkCancelled transitions any non-terminal status to CANCELLED and
	// stamps finished_at. Returns false when the job was already terminal.
	MarkCancelled(id JobID, finishedAt time.Time) (bool, error)

	// UpdateProgress persists progress and tile counters while the job is
	// RUNNING. Writes against a job that has left RUNNING are dropped so a
	// cancelled body cannot clobber a terminal row.
	UpdateProgress(id JobID, progress float64, totalTiles, processedTiles int) error
}
