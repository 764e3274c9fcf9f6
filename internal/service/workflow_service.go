// Package service implements the workflow use cases sitting between the
// HTTP surface and the repositories: workflow creation, job submission,
// status roll-up, and cancellation.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/zjrosen/histoflow/internal/cachemanager"
	"github.com/zjrosen/histoflow/internal/log"
	"github.com/zjrosen/histoflow/internal/workflows/domain"
)

// ownerCacheTTL bounds how long an ownership check is trusted without
// re-reading the workflow row. Workflows are immutable after creation so a
// generous TTL is safe.
const ownerCacheTTL = 10 * time.Minute

// Killer cancels an in-flight job in the current process.
type Killer interface {
	Kill(id domain.JobID) bool
}

// ownerKey caches (workflow, user) ownership lookups.
type ownerKey string

type ownerInput struct {
	id     domain.WorkflowID
	userID string
}

// WorkflowService implements the workflow use cases. All operations are
// scoped to the calling user; a workflow owned by someone else behaves as
// if it does not exist.
type WorkflowService struct {
	workflows domain.WorkflowRepository
	jobs      domain.JobRepository
	killer    Killer
	owners    *cachemanager.ReadThroughCache[ownerKey, *domain.Workflow, ownerInput]
}

// NewWorkflowService creates a WorkflowService. killer may be nil when no
// scheduler is running, such as in tests exercising only the HTTP surface.
func NewWorkflowService(workflows domain.WorkflowRepository, jobs domain.JobRepository, killer Killer) *WorkflowService {
	s := &WorkflowService{
		workflows: workflows,
		jobs:      jobs,
		killer:    killer,
	}
	cache := cachemanager.NewInMemoryCacheManager[ownerKey, *domain.Workflow](
		"workflow-ownership", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	s.owners = cachemanager.NewReadThroughCache(cache,
		func(ctx context.Context, in ownerInput) (*domain.Workflow, error) {
			return s.workflows.FindByID(in.id, in.userID)
		}, false)
	return s
}

// CreateWorkflow creates an empty workflow owned by userID.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, userID, name string) (*domain.Workflow, error) {
	wf := domain.NewWorkflow(userID, name)
	if err := s.workflows.Create(wf); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	log.Info(log.CatHTTP, "workflow created", "workflowID", wf.ID, "userID", userID, "name", name)
	return wf, nil
}

// ListWorkflows returns the caller's workflows, newest first.
func (s *WorkflowService) ListWorkflows(ctx context.Context, userID string) ([]*domain.Workflow, error) {
	return s.workflows.ListForUser(userID)
}

// AddJob appends a job to the named branch of the workflow, creating the
// branch if absent. The job enters PENDING at the branch tail; only the
// scheduler dispatches it.
func (s *WorkflowService) AddJob(ctx context.Context, userID string, workflowID domain.WorkflowID, branchName string, jobType domain.JobType, inputPath, outputPath string) (*domain.Job, error) {
	if !jobType.IsValid() {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownJobType, jobType)
	}

	// Ownership check. Served from cache on repeat submissions; workflows
	// are immutable so staleness cannot grant access.
	if _, err := s.owners.Get(ctx, ownerCacheKey(workflowID, userID), ownerInput{id: workflowID, userID: userID}, ownerCacheTTL); err != nil {
		return nil, err
	}

	branch, err := s.jobs.GetOrCreateBranch(workflowID, branchName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve branch: %w", err)
	}

	job, err := s.jobs.AppendJob(workflowID, branch, userID, jobType, inputPath, outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to append job: %w", err)
	}
	log.Info(log.CatHTTP, "job submitted", "jobID", job.ID, "workflowID", workflowID, "branch", branchName, "type", jobType, "orderIndex", job.OrderIndex)
	return job, nil
}

// BranchStatus is the per-branch slice of a workflow status report.
type BranchStatus struct {
	ID     domain.BranchID
	Name   string
	Status domain.AggregateStatus
	Jobs   []*domain.Job
}

// WorkflowStatusReport is the rolled-up view of one workflow.
type WorkflowStatusReport struct {
	Workflow *domain.Workflow
	Status   domain.AggregateStatus
	Progress float64
	Branches []*BranchStatus
}

// WorkflowStatus builds the status roll-up for one workflow: the aggregate
// status across all jobs, the unweighted mean progress, and the per-branch
// breakdown.
func (s *WorkflowService) WorkflowStatus(ctx context.Context, userID string, workflowID domain.WorkflowID) (*WorkflowStatusReport, error) {
	wf, err := s.workflows.FindByID(workflowID, userID)
	if err != nil {
		return nil, err
	}

	allJobs, err := s.jobs.ListForWorkflow(workflowID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	branches, err := s.jobs.ListBranches(workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}

	byBranch := make(map[domain.BranchID][]*domain.Job, len(branches))
	for _, j := range allJobs {
		byBranch[j.BranchID] = append(byBranch[j.BranchID], j)
	}

	report := &WorkflowStatusReport{
		Workflow: wf,
		Status:   domain.RollupStatus(allJobs),
		Progress: domain.MeanProgress(allJobs),
	}
	for _, b := range branches {
		jobs := byBranch[b.ID]
		report.Branches = append(report.Branches, &BranchStatus{
			ID:     b.ID,
			Name:   b.Name,
			Status: domain.RollupStatus(jobs),
			Jobs:   jobs,
		})
	}
	return report, nil
}

// CancelResult reports what a cancellation did.
type CancelResult struct {
	// Job is the row after cancellation.
	Job *domain.Job
	// Killed is true when an in-flight runner was interrupted.
	Killed bool
	// Cascaded is the number of downstream jobs cancelled as a result.
	Cascaded int
}

// CancelJob cancels a job the caller owns. The database row is flipped
// first so the outcome survives even if the process dies mid-kill, then any
// in-flight runner is interrupted, then the cascade collapses downstream
// PENDING jobs in the same branch.
//
// Returns ErrNotOwned when the job belongs to another user, and
// ErrAlreadyTerminal when the job has already finished.
func (s *WorkflowService) CancelJob(ctx context.Context, userID string, jobID domain.JobID) (*CancelResult, error) {
	job, err := s.jobs.FindJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, domain.ErrNotOwned
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrAlreadyTerminal, jobID, job.Status)
	}

	flipped, err := s.jobs.MarkCancelled(jobID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if !flipped {
		// Raced a terminal transition between the read and the update.
		current, ferr := s.jobs.FindJob(jobID)
		if ferr != nil {
			return nil, ferr
		}
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrAlreadyTerminal, jobID, current.Status)
	}

	killed := false
	if s.killer != nil {
		killed = s.killer.Kill(jobID)
	}

	cascaded, err := s.jobs.CascadeCancel()
	if err != nil {
		return nil, fmt.Errorf("failed to cascade cancel: %w", err)
	}

	log.Info(log.CatHTTP, "job cancelled", "jobID", jobID, "userID", userID, "killed", killed, "cascaded", cascaded)

	cancelled, err := s.jobs.FindJob(jobID)
	if err != nil {
		return nil, err
	}
	return &CancelResult{Job: cancelled, Killed: killed, Cascaded: cascaded}, nil
}

// GetJob returns a job the caller owns.
func (s *WorkflowService) GetJob(ctx context.Context, userID string, jobID domain.JobID) (*domain.Job, error) {
	job, err := s.jobs.FindJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, domain.ErrNotOwned
	}
	return job, nil
}

func ownerCacheKey(id domain.WorkflowID, userID string) ownerKey {
	return ownerKey(id.String() + ":" + userID)
}
