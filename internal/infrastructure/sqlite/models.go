package sqlite

import (
	"time"

	"github.com/zjrosen/histoflow/internal/workflows/domain"
)

// Timestamps are stored as unix nanoseconds. Nanosecond precision keeps the
// FIFO created_at ordering stable when jobs are appended in quick
// succession.

// WorkflowModel represents the database row for the workflows table.
type WorkflowModel struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt int64
}

func toWorkflowModel(wf *domain.Workflow) *WorkflowModel {
	return &WorkflowModel{
		ID:        wf.ID.String(),
		UserID:    wf.UserID,
		Name:      wf.Name,
		CreatedAt: wf.CreatedAt.UnixNano(),
	}
}

func (m *WorkflowModel) toDomain() *domain.Workflow {
	return &domain.Workflow{
		ID:        domain.WorkflowID(m.ID),
		UserID:    m.UserID,
		Name:      m.Name,
		CreatedAt: time.Unix(0, m.CreatedAt),
	}
}

// BranchModel represents the database row for the branches table.
type BranchModel struct {
	ID         string
	WorkflowID string
	Name       string
}

func (m *BranchModel) toDomain() *domain.Branch {
	return &domain.Branch{
		ID:         domain.BranchID(m.ID),
		WorkflowID: domain.WorkflowID(m.WorkflowID),
		Name:       m.Name,
	}
}

// JobModel represents the database row for the jobs table.
type JobModel struct {
	ID             string
	WorkflowID     string
	BranchID       string
	UserID         string
	Type           string
	InputPath      string
	OutputPath     string
	Status         string
	Progress       float64
	OrderIndex     int
	TotalTiles     int
	ProcessedTiles int
	CreatedAt      int64
	StartedAt      *int64 // nullable
	FinishedAt     *int64 // nullable
}

func (m *JobModel) toDomain() *domain.Job {
	j := &domain.Job{
		ID:             domain.JobID(m.ID),
		WorkflowID:     domain.WorkflowID(m.WorkflowID),
		BranchID:       domain.BranchID(m.BranchID),
		UserID:         m.UserID,
		Type:           domain.JobType(m.Type),
		InputPath:      m.InputPath,
		OutputPath:     m.OutputPath,
		Status:         domain.JobStatus(m.Status),
		Progress:       m.Progress,
		OrderIndex:     m.OrderIndex,
		TotalTiles:     m.TotalTiles,
		ProcessedTiles: m.ProcessedTiles,
		CreatedAt:      time.Unix(0, m.CreatedAt),
	}
	if m.StartedAt != nil {
		t := time.Unix(0, *m.StartedAt)
		j.StartedAt = &t
	}
	if m.FinishedAt != nil {
		t := time.Unix(0, *m.FinishedAt)
		j.FinishedAt = &t
	}
	return j
}
