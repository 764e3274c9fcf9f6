package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/zjrosen/histoflow/internal/workflows/domain"
)

// workflowRepository implements domain.WorkflowRepository using SQLite.
type workflowRepository struct {
	db *sql.DB
}

func newWorkflowRepository(db *sql.DB) *workflowRepository {
	return &workflowRepository{db: db}
}

// Ensure workflowRepository implements domain.WorkflowRepository.
var _ domain.WorkflowRepository = (*workflowRepository)(nil)

const workflowColumns = `id, user_id, name, created_at`

func scanWorkflow(scanner interface{ Scan(...any) error }) (*WorkflowModel, error) {
	var model WorkflowModel
	err := scanner.Scan(&model.ID, &model.UserID, &model.Name, &model.CreatedAt)
	return &model, err
}

// Create persists a new workflow.
func (r *workflowRepository) Create(wf *domain.Workflow) error {
	model := toWorkflowModel(wf)
	_, err := r.db.Exec(
		`INSERT INTO workflows (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		model.ID, model.UserID, model.Name, model.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// FindByID retrieves a workflow by id scoped to its owner.
// The joint (id, user_id) filter is what makes ownership checks cheap: a
// foreign workflow id behaves exactly like a missing one.
func (r *workflowRepository) FindByID(id domain.WorkflowID, userID string) (*domain.Workflow, error) {
	row := r.db.QueryRow(
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ? AND user_id = ?`,
		id.String(), userID,
	)
	model, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.WorkflowNotFoundError{ID: id, UserID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find workflow: %w", err)
	}
	return model.toDomain(), nil
}

// ListForUser returns the user's workflows, newest first.
func (r *workflowRepository) ListForUser(userID string) ([]*domain.Workflow, error) {
	rows, err := r.db.Query(
		`SELECT `+workflowColumns+` FROM workflows WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workflows []*domain.Workflow
	for rows.Next() {
		model, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}
		workflows = append(workflows, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow rows: %w", err)
	}
	return workflows, nil
}
