package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func jobsWith(statuses ...JobStatus) []*Job {
	jobs := make([]*Job, len(statuses))
	for i, s := range statuses {
		jobs[i] = &Job{ID: NewJobID(), Status: s}
	}
	return jobs
}

func TestRollupStatus_Empty(t *testing.T) {
	require.Equal(t, AggregateEmpty, RollupStatus(nil))
	require.Equal(t, AggregateEmpty, RollupStatus([]*Job{}))
}

func TestRollupStatus_Precedence(t *testing.T) {
	tests := []struct {
		name     string
		statuses []JobStatus
		want     AggregateStatus
	}{
		{"running wins over everything", []JobStatus{JobSucceeded, JobFailed, JobCancelled, JobPending, JobRunning}, AggregateRunning},
		{"pending wins over terminal mixes", []JobStatus{JobSucceeded, JobFailed, JobCancelled, JobPending}, AggregatePending},
		{"failed wins over cancelled and succeeded", []JobStatus{JobSucceeded, JobCancelled, JobFailed}, AggregateFailed},
		{"cancelled wins over succeeded", []JobStatus{JobSucceeded, JobCancelled}, AggregateCancelled},
		{"all succeeded", []JobStatus{JobSucceeded, JobSucceeded}, AggregateSucceeded},
		{"single pending", []JobStatus{JobPending}, AggregatePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, RollupStatus(jobsWith(tt.statuses...)))
		})
	}
}

// TestRollupStatus_OrderIndependent verifies the roll-up depends only on the
// multiset of statuses, not their order.
func TestRollupStatus_OrderIndependent(t *testing.T) {
	statuses := []JobStatus{JobPending, JobRunning, JobSucceeded, JobFailed, JobCancelled}
	rapid.Check(t, func(r *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(r, "n")
		picked := make([]JobStatus, n)
		for i := range picked {
			picked[i] = statuses[rapid.IntRange(0, len(statuses)-1).Draw(r, "status")]
		}
		want := RollupStatus(jobsWith(picked...))

		// Reverse and compare.
		reversed := make([]JobStatus, n)
		for i := range picked {
			reversed[n-1-i] = picked[i]
		}
		if got := RollupStatus(jobsWith(reversed...)); got != want {
			r.Fatalf("roll-up changed under reordering: %s vs %s", got, want)
		}
	})
}

func TestMeanProgress(t *testing.T) {
	require.Zero(t, MeanProgress(nil))

	jobs := []*Job{
		{Progress: 1.0},
		{Progress: 0.5},
		{Progress: 0.0},
	}
	require.InDelta(t, 0.5, MeanProgress(jobs), 1e-9)
}
