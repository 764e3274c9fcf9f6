package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/histoflow/internal/infrastructure/sqlite"
	"github.com/zjrosen/histoflow/internal/jobs"
	"github.com/zjrosen/histoflow/internal/pubsub"
	"github.com/zjrosen/histoflow/internal/workflows/domain"
)

// stubExecutor fakes job bodies based on the job's input path:
// "ok" returns immediately, "fail" errors, "block" waits for cancellation.
type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, task jobs.Task) error {
	switch task.Job.InputPath {
	case "ok":
		return nil
	case "fail":
		return errors.New("body exploded")
	case "block":
		<-ctx.Done()
		return ctx.Err()
	default:
		return nil
	}
}

type testEnv struct {
	db    *sqlite.DB
	repo  domain.JobRepository
	sched *Scheduler
}

func newTestEnv(t *testing.T, maxWorkers, maxActiveUsers int) *testEnv {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sched := New(Config{
		MaxWorkers:     maxWorkers,
		MaxActiveUsers: maxActiveUsers,
		TickInterval:   time.Second,
	}, db.JobRepository(), stubExecutor{}, nil)
	t.Cleanup(func() {
		sched.mu.Lock()
		for _, rt := range sched.running {
			rt.cancel()
		}
		sched.mu.Unlock()
		sched.wg.Wait()
	})

	return &testEnv{db: db, repo: db.JobRepository(), sched: sched}
}

// enqueue creates a workflow-backed job whose stub behavior is behavior.
func (e *testEnv) enqueue(t *testing.T, userID, branchName, behavior string) *domain.Job {
	t.Helper()
	wf := domain.NewWorkflow(userID, "wf")
	require.NoError(t, e.db.WorkflowRepository().Create(wf))
	return e.enqueueIn(t, wf, branchName, behavior)
}

func (e *testEnv) enqueueIn(t *testing.T, wf *domain.Workflow, branchName, behavior string) *domain.Job {
	t.Helper()
	branch, err := e.repo.GetOrCreateBranch(wf.ID, branchName)
	require.NoError(t, err)
	job, err := e.repo.AppendJob(wf.ID, branch, wf.UserID, domain.JobPreview, behavior, "out.png")
	require.NoError(t, err)
	return job
}

func (e *testEnv) status(t *testing.T, id domain.JobID) domain.JobStatus {
	t.Helper()
	job, err := e.repo.FindJob(id)
	require.NoError(t, err)
	return job.Status
}

// waitForStatus blocks until the job reaches the wanted status.
func (e *testEnv) waitForStatus(t *testing.T, id domain.JobID, want domain.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.status(t, id) == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
}

// waitForIdle blocks until no runner goroutines are in flight.
func (e *testEnv) waitForIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.sched.RunningCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_RunsBranchSerially(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	ctx := context.Background()

	wf := domain.NewWorkflow("user-a", "wf")
	require.NoError(t, env.db.WorkflowRepository().Create(wf))
	first := env.enqueueIn(t, wf, "main", "ok")
	second := env.enqueueIn(t, wf, "main", "ok")

	env.sched.tick(ctx)
	env.waitForStatus(t, first.ID, domain.JobSucceeded)
	// The successor waits for the next pass even though a worker is free.
	require.Equal(t, domain.JobPending, env.status(t, second.ID))

	env.sched.tick(ctx)
	env.waitForStatus(t, second.ID, domain.JobSucceeded)
}

func TestScheduler_MaxWorkersBoundsDispatch(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	ctx := context.Background()

	wf := domain.NewWorkflow("user-a", "wf")
	require.NoError(t, env.db.WorkflowRepository().Create(wf))
	a := env.enqueueIn(t, wf, "branch-1", "block")
	b := env.enqueueIn(t, wf, "branch-2", "block")
	c := env.enqueueIn(t, wf, "branch-3", "block")

	env.sched.tick(ctx)
	require.Equal(t, 2, env.sched.RunningCount())
	require.Equal(t, domain.JobRunning, env.status(t, a.ID))
	require.Equal(t, domain.JobRunning, env.status(t, b.ID))
	require.Equal(t, domain.JobPending, env.status(t, c.ID))

	// Freeing a worker lets the third job in on the next pass.
	require.True(t, env.sched.Kill(a.ID))
	env.waitForStatus(t, a.ID, domain.JobCancelled)
	env.sched.tick(ctx)
	env.waitForStatus(t, c.ID, domain.JobRunning)
}

func TestScheduler_ZeroWorkersDispatchesNothing(t *testing.T) {
	env := newTestEnv(t, 0, 2)
	ctx := context.Background()

	job := env.enqueue(t, "user-a", "main", "ok")

	env.sched.tick(ctx)
	env.sched.tick(ctx)
	require.Equal(t, domain.JobPending, env.status(t, job.ID))
	require.Zero(t, env.sched.RunningCount())
}

func TestScheduler_MaxActiveUsersBoundsAdmission(t *testing.T) {
	env := newTestEnv(t, 4, 1)
	ctx := context.Background()

	// user-a enqueued first, so they hold the only admission slot.
	jobA := env.enqueue(t, "user-a", "main", "block")
	jobB := env.enqueue(t, "user-b", "main", "ok")

	env.sched.tick(ctx)
	require.Equal(t, domain.JobRunning, env.status(t, jobA.ID))
	require.Equal(t, domain.JobPending, env.status(t, jobB.ID))
	require.Equal(t, 1, env.sched.ActiveUserCount())

	// Slot releases only when user-a has no incomplete jobs left.
	require.True(t, env.sched.Kill(jobA.ID))
	env.waitForStatus(t, jobA.ID, domain.JobCancelled)
	env.sched.tick(ctx)
	env.waitForStatus(t, jobB.ID, domain.JobSucceeded)
}

func TestScheduler_FailureCascadesDownBranch(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	ctx := context.Background()

	wf := domain.NewWorkflow("user-a", "wf")
	require.NoError(t, env.db.WorkflowRepository().Create(wf))
	head := env.enqueueIn(t, wf, "main", "fail")
	mid := env.enqueueIn(t, wf, "main", "ok")
	tail := env.enqueueIn(t, wf, "main", "ok")

	env.sched.tick(ctx)
	env.waitForStatus(t, head.ID, domain.JobFailed)

	// The next pass collapses the rest of the branch without running it.
	env.sched.tick(ctx)
	require.Equal(t, domain.JobCancelled, env.status(t, mid.ID))
	require.Equal(t, domain.JobCancelled, env.status(t, tail.ID))
	require.Zero(t, env.sched.RunningCount())
}

func TestScheduler_KillInterruptsRunningJob(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	ctx := context.Background()

	job := env.enqueue(t, "user-a", "main", "block")
	env.sched.tick(ctx)
	require.Equal(t, domain.JobRunning, env.status(t, job.ID))

	require.True(t, env.sched.Kill(job.ID))
	env.waitForStatus(t, job.ID, domain.JobCancelled)
	env.waitForIdle(t)

	// A second kill finds nothing to do.
	require.False(t, env.sched.Kill(job.ID))
}

func TestScheduler_KillUnknownJob(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	require.False(t, env.sched.Kill(domain.NewJobID()))
}

func TestScheduler_CancelledRowIsNotOverwritten(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	ctx := context.Background()

	job := env.enqueue(t, "user-a", "main", "block")
	env.sched.tick(ctx)
	require.Equal(t, domain.JobRunning, env.status(t, job.ID))

	// The kill path flips the row first, then interrupts the runner. The
	// runner must observe the terminal row and leave it alone.
	ok, err := env.repo.MarkCancelled(job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, env.sched.Kill(job.ID))

	env.waitForIdle(t)
	require.Equal(t, domain.JobCancelled, env.status(t, job.ID))
}

func TestScheduler_ReapsZombieRunners(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	ctx := context.Background()

	wf := domain.NewWorkflow("user-a", "wf")
	require.NoError(t, env.db.WorkflowRepository().Create(wf))
	head := env.enqueueIn(t, wf, "main", "block")
	tail := env.enqueueIn(t, wf, "main", "ok")

	env.sched.tick(ctx)
	require.Equal(t, domain.JobRunning, env.status(t, head.ID))

	// Someone flips the running row directly. The scheduler notices via the
	// cascade on the next pass and interrupts the orphaned runner.
	ok, err := env.repo.MarkCancelled(head.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	env.sched.tick(ctx)
	require.Equal(t, domain.JobCancelled, env.status(t, tail.ID), "Successor is cascade-cancelled")
	env.waitForIdle(t)
}

func TestScheduler_LostClaimIsSkipped(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	ctx := context.Background()

	job := env.enqueue(t, "user-a", "main", "ok")

	// The job is cancelled between the runnable query and dispatch; the
	// conditional claim fails and nothing runs.
	ok, err := env.repo.MarkCancelled(job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	env.sched.tick(ctx)
	require.Zero(t, env.sched.RunningCount())
	require.Equal(t, domain.JobCancelled, env.status(t, job.ID))
}

func TestScheduler_StartAndStop(t *testing.T) {
	env := newTestEnv(t, 2, 2)

	job := env.enqueue(t, "user-a", "main", "ok")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.sched.Start(ctx)

	// The loop ticks immediately, so the job completes without waiting for
	// a full interval.
	env.waitForStatus(t, job.ID, domain.JobSucceeded)

	env.sched.Stop()
	require.Zero(t, env.sched.RunningCount())
}

func TestScheduler_PublishesJobEvents(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := env.sched.Events().Subscribe(ctx)
	job := env.enqueue(t, "user-a", "main", "ok")

	env.sched.tick(ctx)
	env.waitForStatus(t, job.ID, domain.JobSucceeded)

	var seen []domain.JobStatus
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-events:
			require.Equal(t, pubsub.UpdatedEvent, ev.Type, "Status transitions publish as updates")
			require.Equal(t, job.ID, ev.Payload.JobID)
			require.Equal(t, "user-a", ev.Payload.UserID)
			seen = append(seen, ev.Payload.Status)
		case <-deadline:
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}
	require.Equal(t, []domain.JobStatus{domain.JobRunning, domain.JobSucceeded}, seen)
}
