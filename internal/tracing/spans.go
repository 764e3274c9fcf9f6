package tracing

// Span attribute keys for scheduler and job tracing.
const (
	// Job attributes
	AttrJobID       = "job.id"
	AttrJobType     = "job.type"
	AttrJobStatus   = "job.final_status"
	AttrJobBranchID = "job.branch_id"

	// Workflow attributes
	AttrWorkflowID = "workflow.id"

	// User attributes
	AttrUserID = "user.id"

	// Scheduler attributes
	AttrSchedDispatched  = "sched.dispatched"
	AttrSchedRunning     = "sched.running"
	AttrSchedActiveUsers = "sched.active_users"
	AttrSchedCascaded    = "sched.cascade_cancelled"

	// Error attributes
	AttrErrorMessage = "error.message"
)

// Span names.
const (
	SpanTick   = "scheduler.tick"
	SpanJobRun = "job.run"
)

// Event names for span events.
const (
	EventAdmissionRefreshed = "admission.refreshed"
)
