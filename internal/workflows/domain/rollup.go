package domain

// AggregateStatus is the roll-up status of a workflow derived from its jobs.
type AggregateStatus string

const (
	AggregateEmpty     AggregateStatus = "EMPTY"
	AggregateRunning   AggregateStatus = "RUNNING"
	AggregatePending   AggregateStatus = "PENDING"
	AggregateFailed    AggregateStatus = "FAILED"
	AggregateCancelled AggregateStatus = "CANCELLED"
	AggregateSucceeded AggregateStatus = "SUCCEEDED"
)

// RollupStatus derives the workflow aggregate status from its jobs using the
// precedence rule: RUNNING > PENDING > FAILED > CANCELLED > SUCCEEDED.
// An empty workflow rolls up to EMPTY.
func RollupStatus(jobs []*Job) AggregateStatus {
	if len(jobs) == 0 {
		return AggregateEmpty
	}

	var anyPending, anyFailed, anyCancelled bool
	for _, j := range jobs {
		switch j.Status {
		case JobRunning:
			return AggregateRunning
		case JobPending:
			anyPending = true
		case JobFailed:
			anyFailed = true
		case JobCancelled:
			anyCancelled = true
		}
	}

	switch {
	case anyPending:
		return AggregatePending
	case anyFailed:
		return AggregateFailed
	case anyCancelled:
		return AggregateCancelled
	default:
		return AggregateSucceeded
	}
}

// MeanProgress is the unweighted mean progress across jobs, 0 when empty.
// Unweighted means short jobs inflate progress relative to long ones; this
// is an approximation for display.
func MeanProgress(jobs []*Job) float64 {
	if len(jobs) == 0 {
		return 0
	}
	var sum float64
	for _, j := range jobs {
		sum += j.Progress
	}
	return sum / float64(len(jobs))
}
