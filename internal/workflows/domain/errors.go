package domain

import (
	"errors"
	"fmt"
)

// ErrUnknownJobType is returned when a job type is not in the dispatch table.
var ErrUnknownJobType = errors.New("unknown job type")

// ErrAlreadyTerminal is returned when an operation targets a job that has
// already reached a terminal status.
var ErrAlreadyTerminal = errors.New("job already in terminal status")

// ErrNotOwned is returned when a caller references a job they do not own.
var ErrNotOwned = errors.New("job not owned by caller")

// WorkflowNotFoundError indicates no workflow matched the (id, user) pair.
type WorkflowNotFoundError struct {
	ID     WorkflowID
	UserID string
}

func (e *WorkflowNotFoundError) Error() string {
	return fmt.Sprintf("workflow %s not found for user %s", e.ID, e.UserID)
}

// JobNotFoundError indicates no job exists with the given id.
type JobNotFoundError struct {
	ID JobID
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.ID)
}

// IsNotFound reports whether err is a workflow or job not-found error.
func IsNotFound(err error) bool {
	var wnf *WorkflowNotFoundError
	var jnf *JobNotFoundError
	return errors.As(err, &wnf) || errors.As(err, &jnf)
}
