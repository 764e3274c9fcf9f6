package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/histoflow/internal/log"
	"github.com/zjrosen/histoflow/internal/workflows/domain"
)

// appendRetries bounds the unique-violation retry loop in AppendJob.
const appendRetries = 3

// jobColumns is the list of columns to select for job queries.
const jobColumns = `id, workflow_id, branch_id, user_id, type, input_path, output_path,
	status, progress, order_index, total_tiles, processed_tiles,
	created_at, started_at, finished_at`

// jobRepository implements domain.JobRepository using SQLite.
type jobRepository struct {
	db *sql.DB
}

func newJobRepository(db *sql.DB) *jobRepository {
	return &jobRepository{db: db}
}

// Ensure jobRepository implements domain.JobRepository.
var _ domain.JobRepository = (*jobRepository)(nil)

func scanJob(scanner interface{ Scan(...any) error }) (*JobModel, error) {
	var model JobModel
	err := scanner.Scan(
		&model.ID, &model.WorkflowID, &model.BranchID, &model.UserID,
		&model.Type, &model.InputPath, &model.OutputPath,
		&model.Status, &model.Progress, &model.OrderIndex,
		&model.TotalTiles, &model.ProcessedTiles,
		&model.CreatedAt, &model.StartedAt, &model.FinishedAt,
	)
	return &model, err
}

// FindJob retrieves a job by id.
func (r *jobRepository) FindJob(id domain.JobID) (*domain.Job, error) {
	row := r.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String())
	model, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.JobNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job: %w", err)
	}
	return model.toDomain(), nil
}

// UsersWithIncompleteJobs returns users holding PENDING or RUNNING jobs,
// ordered by the created_at of their earliest such job so that admission
// picks the longest-waiting user first.
func (r *jobRepository) UsersWithIncompleteJobs() ([]string, error) {
	rows, err := r.db.Query(
		`SELECT user_id, MIN(created_at) AS earliest
		   FROM jobs
		  WHERE status IN ('PENDING', 'RUNNING')
		  GROUP BY user_id
		  ORDER BY earliest ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query incomplete users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var userID string
		var earliest int64
		if err := rows.Scan(&userID, &earliest); err != nil {
			return nil, fmt.Errorf("failed to scan incomplete user row: %w", err)
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incomplete user rows: %w", err)
	}
	return users, nil
}

// RunnableJobs returns PENDING jobs for the allowed users whose in-branch
// predecessor has SUCCEEDED, or which open their branch. FIFO by created_at.
func (r *jobRepository) RunnableJobs(allowedUsers []string) ([]*domain.Job, error) {
	if len(allowedUsers) == 0 {
		return []*domain.Job{}, nil
	}

	placeholders := strings.Repeat("?, ", len(allowedUsers)-1) + "?"
	args := make([]any, len(allowedUsers))
	for i, u := range allowedUsers {
		args[i] = u
	}

	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'PENDING'
		  AND user_id IN (` + placeholders + `)
		  AND (order_index = 0 OR EXISTS (
			SELECT 1 FROM jobs p
			 WHERE p.branch_id = jobs.branch_id
			   AND p.order_index = jobs.order_index - 1
			   AND p.status = 'SUCCEEDED'))
		ORDER BY created_at ASC, order_index ASC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runnable jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := []*domain.Job{}
	for rows.Next() {
		model, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan runnable job row: %w", err)
		}
		jobs = append(jobs, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runnable job rows: %w", err)
	}
	return jobs, nil
}

// CascadeCancel cancels every PENDING job whose in-branch predecessor is
// FAILED or CANCELLED. The update repeats until a fixpoint inside one
// transaction, so a chain of successors collapses in a single call and a
// follow-up call reports 0.
func (r *jobRepository) CascadeCancel() (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning cascade transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixNano()
	total := 0
	for {
		result, err := tx.Exec(
			`UPDATE jobs SET status = 'CANCELLED', finished_at = ?
			  WHERE status = 'PENDING'
			    AND order_index > 0
			    AND EXISTS (
					SELECT 1 FROM jobs p
					 WHERE p.branch_id = jobs.branch_id
					   AND p.order_index = jobs.order_index - 1
					   AND p.status IN ('FAILED', 'CANCELLED'))`,
			now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to cascade cancel: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get cascade rows affected: %w", err)
		}
		if affected == 0 {
			break
		}
		total += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing cascade: %w", err)
	}
	if total > 0 {
		log.Debug(log.CatDB, "cascade cancelled blocked jobs", "count", total)
	}
	return total, nil
}

// GetOrCreateBranch returns the named branch, creating it lazily. The
// unique (workflow_id, name) index resolves create races: a loser of the
// race re-reads the winner's row.
func (r *jobRepository) GetOrCreateBranch(workflowID domain.WorkflowID, name string) (*domain.Branch, error) {
	branch, err := r.findBranch(workflowID, name)
	if err == nil {
		return branch, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to find branch: %w", err)
	}

	id := uuid.New().String()
	_, err = r.db.Exec(
		`INSERT INTO branches (id, workflow_id, name) VALUES (?, ?, ?)`,
		id, workflowID.String(), name,
	)
	if err != nil {
		if isUniqueViolation(err) {
			branch, ferr := r.findBranch(workflowID, name)
			if ferr != nil {
				return nil, fmt.Errorf("failed to re-read branch after race: %w", ferr)
			}
			return branch, nil
		}
		return nil, fmt.Errorf("failed to insert branch: %w", err)
	}

	return &domain.Branch{
		ID:         domain.BranchID(id),
		WorkflowID: workflowID,
		Name:       name,
	}, nil
}

func (r *jobRepository) findBranch(workflowID domain.WorkflowID, name string) (*domain.Branch, error) {
	row := r.db.QueryRow(
		`SELECT id, workflow_id, name FROM branches WHERE workflow_id = ? AND name = ?`,
		workflowID.String(), name,
	)
	var model BranchModel
	if err := row.Scan(&model.ID, &model.WorkflowID, &model.Name); err != nil {
		return nil, err
	}
	return model.toDomain(), nil
}

// ListBranches returns all branches of a workflow.
func (r *jobRepository) ListBranches(workflowID domain.WorkflowID) ([]*domain.Branch, error) {
	rows, err := r.db.Query(
		`SELECT id, workflow_id, name FROM branches WHERE workflow_id = ?`,
		workflowID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var branches []*domain.Branch
	for rows.Next() {
		var model BranchModel
		if err := rows.Scan(&model.ID, &model.WorkflowID, &model.Name); err != nil {
			return nil, fmt.Errorf("failed to scan branch row: %w", err)
		}
		branches = append(branches, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating branch rows: %w", err)
	}
	return branches, nil
}

// AppendJob creates a job at the branch tail. The tail read and the insert
// run in one transaction; the unique (branch_id, order_index) index catches
// concurrent appends from other processes, and the loser retries.
func (r *jobRepository) AppendJob(wf domain.WorkflowID, branch *domain.Branch, userID string, jobType domain.JobType, inputPath, outputPath string) (*domain.Job, error) {
	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		job, err := r.appendOnce(wf, branch, userID, jobType, inputPath, outputPath)
		if err == nil {
			return job, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("appending job after %d attempts: %w", appendRetries, lastErr)
}

func (r *jobRepository) appendOnce(wf domain.WorkflowID, branch *domain.Branch, userID string, jobType domain.JobType, inputPath, outputPath string) (*domain.Job, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var nextIndex int
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(order_index) + 1, 0) FROM jobs WHERE branch_id = ?`,
		branch.ID.String(),
	).Scan(&nextIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to read branch tail: %w", err)
	}

	job := &domain.Job{
		ID:         domain.NewJobID(),
		WorkflowID: wf,
		BranchID:   branch.ID,
		UserID:     userID,
		Type:       jobType,
		InputPath:  inputPath,
		OutputPath: outputPath,
		Status:     domain.JobPending,
		OrderIndex: nextIndex,
		CreatedAt:  time.Now(),
	}

	_, err = tx.Exec(
		`INSERT INTO jobs (id, workflow_id, branch_id, user_id, type, input_path, output_path,
			status, progress, order_index, total_tiles, processed_tiles, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'PENDING', 0, ?, 0, 0, ?)`,
		job.ID.String(), wf.String(), branch.ID.String(), userID, jobType.String(),
		inputPath, outputPath, nextIndex, job.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}
	return job, nil
}

// ListForWorkflow returns the workflow's jobs ordered by branch then
// order_index, scoped to the owner.
func (r *jobRepository) ListForWorkflow(workflowID domain.WorkflowID, userID string) ([]*domain.Job, error) {
	rows, err := r.db.Query(
		`SELECT `+jobColumns+` FROM jobs
		  WHERE workflow_id = ? AND user_id = ?
		  ORDER BY branch_id ASC, order_index ASC`,
		workflowID.String(), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*domain.Job
	for rows.Next() {
		model, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

// MarkRunning transitions a job PENDING -> RUNNING. The WHERE clause is the
// compare-and-swap: a job that already left PENDING is not touched.
func (r *jobRepository) MarkRunning(id domain.JobID, startedAt time.Time) (bool, error) {
	result, err := r.db.Exec(
		`UPDATE jobs SET status = 'RUNNING', started_at = ? WHERE id = ? AND status = 'PENDING'`,
		startedAt.UnixNano(), id.String(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job running: %w", err)
	}
	return rowChanged(result)
}

// MarkSucceeded transitions RUNNING -> SUCCEEDED and forces progress to 1.0.
func (r *jobRepository) MarkSucceeded(id domain.JobID, finishedAt time.Time) (bool, error) {
	result, err := r.db.Exec(
		`UPDATE jobs SET status = 'SUCCEEDED', finished_at = ?, progress = 1.0
		  WHERE id = ? AND status = 'RUNNING'`,
		finishedAt.UnixNano(), id.String(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job succeeded: %w", err)
	}
	return rowChanged(result)
}

// MarkFailed transitions RUNNING -> FAILED.
func (r *jobRepository) MarkFailed(id domain.JobID, finishedAt time.Time) (bool, error) {
	result, err := r.db.Exec(
		`UPDATE jobs SET status = 'FAILED', finished_at = ? WHERE id = ? AND status = 'RUNNING'`,
		finishedAt.UnixNano(), id.String(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", err)
	}
	return rowChanged(result)
}

// MarkCancelled transitions any non-terminal status to CANCELLED.
// Returns false when the job was already terminal.
func (r *jobRepository) MarkCancelled(id domain.JobID, finishedAt time.Time) (bool, error) {
	result, err := r.db.Exec(
		`UPDATE jobs SET status = 'CANCELLED', finished_at = ?
		  WHERE id = ? AND status IN ('PENDING', 'RUNNING')`,
		finishedAt.UnixNano(), id.String(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job cancelled: %w", err)
	}
	return rowChanged(result)
}

// UpdateProgress persists progress while the job is RUNNING. A body whose
// job has been cancelled underneath it writes zero rows here, which is what
// keeps late progress writes from clobbering a terminal status.
func (r *jobRepository) UpdateProgress(id domain.JobID, progress float64, totalTiles, processedTiles int) error {
	_, err := r.db.Exec(
		`UPDATE jobs SET progress = ?, total_tiles = ?, processed_tiles = ?
		  WHERE id = ? AND status = 'RUNNING'`,
		progress, totalTiles, processedTiles, id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

func rowChanged(result sql.Result) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// isUniqueViolation reports whether err is a sqlite UNIQUE constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
