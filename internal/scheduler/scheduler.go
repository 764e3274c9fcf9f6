// Package scheduler implements the admission and dispatch loop: a bounded
// set of users is admitted, their runnable jobs are dispatched to a bounded
// worker pool, and cancellation cascades down branches between ticks.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/histoflow/internal/jobs"
	"github.com/zjrosen/histoflow/internal/log"
	"github.com/zjrosen/histoflow/internal/pubsub"
	"github.com/zjrosen/histoflow/internal/tracing"
	"github.com/zjrosen/histoflow/internal/workflows/domain"
)

// defaultTickInterval is the scheduling cadence when none is configured.
const defaultTickInterval = time.Second

// Config bounds the scheduler.
type Config struct {
	// MaxWorkers caps concurrently running jobs. Zero dispatches nothing.
	MaxWorkers int

	// MaxActiveUsers caps the number of users whose jobs may be dispatched
	// at once.
	MaxActiveUsers int

	// TickInterval is the scheduling cadence. Defaults to one second.
	TickInterval time.Duration
}

// Executor runs a job body to completion or cancellation.
type Executor interface {
	Execute(ctx context.Context, task jobs.Task) error
}

// JobEvent is published on every job status transition the scheduler makes.
type JobEvent struct {
	JobID      domain.JobID
	WorkflowID domain.WorkflowID
	UserID     string
	Status     domain.JobStatus
}

// runningTask tracks one in-flight job: its cancel func for the kill path
// and its branch so dispatch can skip branches that already have a runner.
type runningTask struct {
	cancel   context.CancelFunc
	branchID domain.BranchID
	userID   string
}

// Scheduler owns the tick loop. One instance per process; all methods are
// safe for concurrent use.
type Scheduler struct {
	cfg      Config
	repo     domain.JobRepository
	executor Executor
	events   *pubsub.Broker[JobEvent]
	tracer   trace.Tracer

	mu          sync.Mutex
	activeUsers map[string]struct{}
	running     map[domain.JobID]runningTask

	wg     sync.WaitGroup
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Scheduler. The tracer may be nil, in which case spans are
// no-ops.
func New(cfg Config, repo domain.JobRepository, executor Executor, tracer trace.Tracer) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return &Scheduler{
		cfg:         cfg,
		repo:        repo,
		executor:    executor,
		events:      pubsub.NewBroker[JobEvent](),
		tracer:      tracer,
		activeUsers: make(map[string]struct{}),
		running:     make(map[domain.JobID]runningTask),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Events returns the broker publishing job status transitions.
func (s *Scheduler) Events() *pubsub.Broker[JobEvent] {
	return s.events
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
// It ticks once immediately so queued work does not wait a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.doneCh)

	log.Info(log.CatSched, "scheduler started",
		"maxWorkers", s.cfg.MaxWorkers,
		"maxActiveUsers", s.cfg.MaxActiveUsers,
		"tickInterval", s.cfg.TickInterval)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-s.stopCh:
			s.drain()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for in-flight jobs to finish.
// In-flight job contexts are cancelled so the wait is short.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

// drain cancels all running jobs and waits for their goroutines.
func (s *Scheduler) drain() {
	s.mu.Lock()
	for _, rt := range s.running {
		rt.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	log.Info(log.CatSched, "scheduler stopped")
}

// Kill cancels the in-flight job if it is running in this process.
// Returns false when the job is not currently running here; the caller is
// responsible for the database-side status flip either way.
func (s *Scheduler) Kill(id domain.JobID) bool {
	s.mu.Lock()
	rt, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	log.Info(log.CatSched, "killing running job", "jobID", id)
	rt.cancel()
	return true
}

// RunningCount returns the number of in-flight jobs.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// ActiveUserCount returns the number of currently admitted users.
func (s *Scheduler) ActiveUserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeUsers)
}

// tick runs one scheduling pass. Errors are logged and the loop continues;
// a failed tick must never take the scheduler down.
func (s *Scheduler) tick(ctx context.Context) {
	tickCtx, span := s.tracer.Start(ctx, tracing.SpanTick)
	defer span.End()

	s.refreshActiveUsers(span)

	cancelled, err := s.repo.CascadeCancel()
	if err != nil {
		log.ErrorErr(log.CatSched, "cascade cancel failed", err)
	} else if cancelled > 0 {
		log.Info(log.CatSched, "cascade cancelled jobs", "count", cancelled)
		s.reapZombies()
	}

	dispatched := s.dispatch(tickCtx)

	span.SetAttributes(
		attribute.Int(tracing.AttrSchedCascaded, cancelled),
		attribute.Int(tracing.AttrSchedDispatched, dispatched),
		attribute.Int(tracing.AttrSchedRunning, s.RunningCount()),
		attribute.Int(tracing.AttrSchedActiveUsers, s.ActiveUserCount()),
	)
}

// refreshActiveUsers releases admission slots held by users with no
// incomplete jobs left, then admits waiting users up to MaxActiveUsers in
// the repository's deterministic order.
func (s *Scheduler) refreshActiveUsers(span trace.Span) {
	incomplete, err := s.repo.UsersWithIncompleteJobs()
	if err != nil {
		log.ErrorErr(log.CatSched, "incomplete users query failed", err)
		return
	}

	incompleteSet := make(map[string]struct{}, len(incomplete))
	for _, u := range incomplete {
		incompleteSet[u] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for u := range s.activeUsers {
		if _, ok := incompleteSet[u]; !ok {
			delete(s.activeUsers, u)
			log.Debug(log.CatSched, "released admission slot", "userID", u)
		}
	}

	for _, u := range incomplete {
		if len(s.activeUsers) >= s.cfg.MaxActiveUsers {
			break
		}
		if _, ok := s.activeUsers[u]; ok {
			continue
		}
		s.activeUsers[u] = struct{}{}
		log.Debug(log.CatSched, "admitted user", "userID", u)
	}

	span.AddEvent(tracing.EventAdmissionRefreshed)
}

// reapZombies cancels in-flight runners whose database row has already gone
// terminal, such as a RUNNING job cascade-cancelled by an operator flipping
// its row directly.
func (s *Scheduler) reapZombies() {
	s.mu.Lock()
	ids := make([]domain.JobID, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		job, err := s.repo.FindJob(id)
		if err != nil {
			log.ErrorErr(log.CatSched, "zombie check failed", err, "jobID", id)
			continue
		}
		if job.Status.IsTerminal() {
			log.Warn(log.CatSched, "reaping zombie runner", "jobID", id, "status", job.Status)
			s.Kill(id)
		}
	}
}

// dispatch starts runnable jobs for admitted users, up to MaxWorkers total
// in-flight, at most one running job per branch. Returns the number of jobs
// started this pass.
func (s *Scheduler) dispatch(ctx context.Context) int {
	if s.cfg.MaxWorkers <= 0 {
		return 0
	}

	s.mu.Lock()
	allowed := make([]string, 0, len(s.activeUsers))
	for u := range s.activeUsers {
		allowed = append(allowed, u)
	}
	s.mu.Unlock()

	runnable, err := s.repo.RunnableJobs(allowed)
	if err != nil {
		log.ErrorErr(log.CatSched, "runnable query failed", err)
		return 0
	}

	started := 0
	for _, job := range runnable {
		s.mu.Lock()
		if len(s.running) >= s.cfg.MaxWorkers {
			s.mu.Unlock()
			break
		}
		if s.branchBusyLocked(job.BranchID) {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		if s.startJob(ctx, job) {
			started++
		}
	}
	return started
}

// branchBusyLocked reports whether the branch already has an in-flight job.
// Caller holds s.mu.
func (s *Scheduler) branchBusyLocked(branchID domain.BranchID) bool {
	for _, rt := range s.running {
		if rt.branchID == branchID {
			return true
		}
	}
	return false
}

// startJob claims the job via the conditional PENDING -> RUNNING update and
// launches its runner goroutine. Returns false when the claim was lost.
func (s *Scheduler) startJob(ctx context.Context, job *domain.Job) bool {
	claimed, err := s.repo.MarkRunning(job.ID, time.Now())
	if err != nil {
		log.ErrorErr(log.CatSched, "mark running failed", err, "jobID", job.ID)
		return false
	}
	if !claimed {
		// Lost the race: the job was cancelled or claimed between the
		// runnable query and now.
		log.Debug(log.CatSched, "dispatch lost claim", "jobID", job.ID)
		return false
	}

	jobCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.running[job.ID] = runningTask{cancel: cancel, branchID: job.BranchID, userID: job.UserID}
	s.mu.Unlock()

	log.Info(log.CatSched, "dispatched job", "jobID", job.ID, "type", job.Type, "userID", job.UserID, "branchID", job.BranchID)
	s.events.Publish(pubsub.UpdatedEvent, JobEvent{
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		UserID:     job.UserID,
		Status:     domain.JobRunning,
	})

	s.wg.Add(1)
	go s.runJob(jobCtx, cancel, job)
	return true
}

// runJob executes the job body and writes the terminal status. Cancellation
// re-reads the row first: the kill path may have already flipped it to
// CANCELLED, and terminal statuses are never overwritten.
func (s *Scheduler) runJob(ctx context.Context, cancel context.CancelFunc, job *domain.Job) {
	defer s.wg.Done()
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	runCtx, span := s.tracer.Start(ctx, tracing.SpanJobRun, trace.WithAttributes(
		attribute.String(tracing.AttrJobID, job.ID.String()),
		attribute.String(tracing.AttrJobType, job.Type.String()),
		attribute.String(tracing.AttrJobBranchID, job.BranchID.String()),
		attribute.String(tracing.AttrWorkflowID, job.WorkflowID.String()),
		attribute.String(tracing.AttrUserID, job.UserID),
	))
	defer span.End()

	task := jobs.Task{
		Job:      job,
		Progress: &repoProgress{repo: s.repo, jobID: job.ID},
	}

	err := s.executor.Execute(runCtx, task)
	finished := time.Now()

	var final domain.JobStatus
	switch {
	case err == nil:
		final = domain.JobSucceeded
		if _, serr := s.repo.MarkSucceeded(job.ID, finished); serr != nil {
			log.ErrorErr(log.CatSched, "mark succeeded failed", serr, "jobID", job.ID)
		}
		log.Info(log.CatSched, "job succeeded", "jobID", job.ID)

	case runCtx.Err() != nil:
		// Cancelled. The row may already be CANCELLED (kill path flips it
		// before cancelling us); only flip it ourselves if it is not
		// terminal yet.
		final = domain.JobCancelled
		current, ferr := s.repo.FindJob(job.ID)
		switch {
		case ferr != nil:
			log.ErrorErr(log.CatSched, "post-cancel read failed", ferr, "jobID", job.ID)
		case !current.Status.IsTerminal():
			if _, cerr := s.repo.MarkCancelled(job.ID, finished); cerr != nil {
				log.ErrorErr(log.CatSched, "mark cancelled failed", cerr, "jobID", job.ID)
			}
		default:
			final = current.Status
		}
		log.Info(log.CatSched, "job cancelled", "jobID", job.ID)

	default:
		final = domain.JobFailed
		if _, ferr := s.repo.MarkFailed(job.ID, finished); ferr != nil {
			log.ErrorErr(log.CatSched, "mark failed failed", ferr, "jobID", job.ID)
		}
		log.ErrorErr(log.CatSched, "job failed", err, "jobID", job.ID, "type", job.Type)
		span.RecordError(err)
	}

	span.SetAttributes(attribute.String(tracing.AttrJobStatus, final.String()))
	s.events.Publish(pubsub.UpdatedEvent, JobEvent{
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		UserID:     job.UserID,
		Status:     final,
	})
}

// repoProgress persists body progress through the repository. Writes are
// dropped once the job leaves RUNNING.
type repoProgress struct {
	repo  domain.JobRepository
	jobID domain.JobID
}

func (p *repoProgress) Report(progress float64, totalTiles, processedTiles int) error {
	return p.repo.UpdateProgress(p.jobID, progress, totalTiles, processedTiles)
}
