// Package jobs implements the job runtime: a dispatch table mapping job
// types to their image-processing bodies. Bodies are cancellable at tile
// boundaries and report progress through a ProgressReporter; they never
// write a terminal job status themselves, the scheduler owns that
// transition.
package jobs

import (
	"context"
	"fmt"

	"github.com/zjrosen/histoflow/internal/log"
	"github.com/zjrosen/histoflow/internal/workflows/domain"
)

// progressEvery is the tile cadence at which tile-based bodies persist
// progress to the store.
const progressEvery = 5

// ProgressReporter persists intermediate progress for a running job.
type ProgressReporter interface {
	// Report persists progress in [0,1] together with the tile counters.
	Report(progress float64, totalTiles, processedTiles int) error
}

// Task is the unit of work handed to a job body: the job row snapshot plus
// the progress sink bound to it.
type Task struct {
	Job      *domain.Job
	Progress ProgressReporter
}

// Body is a job body. It must honor ctx at tile boundaries so cancellation
// stays prompt, and must return the ctx error when interrupted.
type Body func(ctx context.Context, task Task) error

// Runtime dispatches a job to the body registered for its type.
type Runtime struct {
	bodies map[domain.JobType]Body
}

// NewRuntime creates a Runtime with the built-in image-processing bodies
// registered.
func NewRuntime() *Runtime {
	r := &Runtime{bodies: make(map[domain.JobType]Body)}
	r.Register(domain.JobTissueMask, runTissueMask)
	r.Register(domain.JobCellSeg, runCellSeg)
	r.Register(domain.JobPreview, runPreview)
	return r
}

// Register installs a body for a job type, replacing any existing one.
func (r *Runtime) Register(t domain.JobType, body Body) {
	r.bodies[t] = body
}

// Execute runs the body registered for the task's job type.
// An unregistered type is defensive-only: the service rejects unknown
// types at submission time.
func (r *Runtime) Execute(ctx context.Context, task Task) error {
	body, ok := r.bodies[task.Job.Type]
	if !ok {
		log.Error(log.CatJobs, "no body registered for job type", "type", task.Job.Type, "jobID", task.Job.ID)
		return fmt.Errorf("%w: %s", domain.ErrUnknownJobType, task.Job.Type)
	}
	return body(ctx, task)
}
