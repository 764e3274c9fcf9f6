// Package api provides the HTTP surface for histoflow.
// It exposes REST endpoints for workflow and job management and SSE for
// job event streaming. Every data route is scoped to the user identified
// by the X-User-ID header.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zjrosen/histoflow/internal/log"
	"github.com/zjrosen/histoflow/internal/pubsub"
	"github.com/zjrosen/histoflow/internal/scheduler"
	"github.com/zjrosen/histoflow/internal/service"
	"github.com/zjrosen/histoflow/internal/workflows/domain"
)

// userHeader carries the caller identity. There is no authentication
// beyond trusting the header; the deployment fronts this with a gateway.
const userHeader = "X-User-ID"

// EventStream exposes the scheduler's job event broker for SSE.
type EventStream interface {
	Events() *pubsub.Broker[scheduler.JobEvent]
}

// Handler provides HTTP endpoints for workflow operations.
type Handler struct {
	svc    *service.WorkflowService
	stream EventStream
}

// NewHandler creates a new API handler. stream may be nil, in which case
// the events endpoint only emits heartbeats.
func NewHandler(svc *service.WorkflowService, stream EventStream) *Handler {
	return &Handler{svc: svc, stream: stream}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Workflow CRUD
	mux.HandleFunc("POST /api/workflows", h.withUser(h.Create))
	mux.HandleFunc("GET /api/workflows", h.withUser(h.List))
	mux.HandleFunc("GET /api/workflows/{id}", h.withUser(h.Get))
	mux.HandleFunc("POST /api/workflows/{id}/jobs", h.withUser(h.AddJob))

	// Jobs
	mux.HandleFunc("GET /api/jobs/{id}", h.withUser(h.GetJob))
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.withUser(h.CancelJob))

	// Event streaming
	mux.HandleFunc("GET /api/events", h.withUser(h.StreamEvents))

	// Health check
	mux.HandleFunc("GET /health", h.Health)

	return mux
}

// withUser extracts the caller identity or rejects the request.
func (h *Handler) withUser(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(userHeader))
		if userID == "" {
			h.writeError(w, http.StatusUnauthorized, "missing_user", "X-User-ID header is required", "")
			return
		}
		next(w, r, userID)
	}
}

// === Request/Response Types ===

// CreateWorkflowRequest is the request body for creating a workflow.
type CreateWorkflowRequest struct {
	// Name is the display name for the workflow.
	Name string `json:"name"`
}

// WorkflowResponse is the response body for a single workflow.
type WorkflowResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ListWorkflowsResponse is the response body for listing workflows.
type ListWorkflowsResponse struct {
	Workflows []WorkflowResponse `json:"workflows"`
	Total     int                `json:"total"`
}

// AddJobRequest is the request body for appending a job to a workflow.
type AddJobRequest struct {
	// Branch names the serial lane the job joins. Created on first use.
	Branch string `json:"branch_name"`
	// Type selects the processing body: tissue_mask, instanseg_cell_seg,
	// or preview_downsample.
	Type string `json:"job_type"`
	// InputPath is the slide image to process.
	InputPath string `json:"input_path"`
	// OutputPath is where the primary artifact is written.
	OutputPath string `json:"output_path"`
}

// JobResponse is the response body for a single job.
type JobResponse struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	BranchID       string     `json:"branch_id"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	Progress       float64    `json:"progress"`
	OrderIndex     int        `json:"order_index"`
	InputPath      string     `json:"input_path"`
	OutputPath     string     `json:"output_path"`
	TotalTiles     int        `json:"total_tiles,omitempty"`
	ProcessedTiles int        `json:"processed_tiles,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// BranchStatusResponse is the per-branch slice of a workflow status.
type BranchStatusResponse struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Status string        `json:"status"`
	Jobs   []JobResponse `json:"jobs"`
}

// WorkflowStatusResponse is the rolled-up view of one workflow.
type WorkflowStatusResponse struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Status    string                 `json:"status"`
	Progress  float64                `json:"progress"`
	CreatedAt time.Time              `json:"created_at"`
	Branches  []BranchStatusResponse `json:"branches"`
}

// CancelJobResponse is the response body for a job cancellation.
type CancelJobResponse struct {
	Job      JobResponse `json:"job"`
	Killed   bool        `json:"killed"`
	Cascaded int         `json:"cascaded"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// === Handlers ===

// Create creates a new empty workflow owned by the caller.
// POST /api/workflows
func (h *Handler) Create(w http.ResponseWriter, r *http.Request, userID string) {
	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "name is required", "")
		return
	}

	wf, err := h.svc.CreateWorkflow(r.Context(), userID, req.Name)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "create_failed", "Failed to create workflow", err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, workflowToResponse(wf))
}

// List returns the caller's workflows, newest first.
// GET /api/workflows
func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	workflows, err := h.svc.ListWorkflows(r.Context(), userID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list workflows", err.Error())
		return
	}

	resp := ListWorkflowsResponse{
		Workflows: make([]WorkflowResponse, 0, len(workflows)),
		Total:     len(workflows),
	}
	for _, wf := range workflows {
		resp.Workflows = append(resp.Workflows, workflowToResponse(wf))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Get returns the rolled-up status of one workflow.
// GET /api/workflows/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request, userID string) {
	id := domain.WorkflowID(r.PathValue("id"))

	report, err := h.svc.WorkflowStatus(r.Context(), userID, id)
	if err != nil {
		if domain.IsNotFound(err) {
			h.writeError(w, http.StatusNotFound, "not_found", "Workflow not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "status_failed", "Failed to get workflow status", err.Error())
		return
	}

	resp := WorkflowStatusResponse{
		ID:        report.Workflow.ID.String(),
		Name:      report.Workflow.Name,
		Status:    string(report.Status),
		Progress:  report.Progress,
		CreatedAt: report.Workflow.CreatedAt,
		Branches:  make([]BranchStatusResponse, 0, len(report.Branches)),
	}
	for _, b := range report.Branches {
		br := BranchStatusResponse{
			ID:     b.ID.String(),
			Name:   b.Name,
			Status: string(b.Status),
			Jobs:   make([]JobResponse, 0, len(b.Jobs)),
		}
		for _, j := range b.Jobs {
			br.Jobs = append(br.Jobs, jobToResponse(j))
		}
		resp.Branches = append(resp.Branches, br)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// AddJob appends a job to the named branch of a workflow.
// POST /api/workflows/{id}/jobs
func (h *Handler) AddJob(w http.ResponseWriter, r *http.Request, userID string) {
	id := domain.WorkflowID(r.PathValue("id"))

	var req AddJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if strings.TrimSpace(req.Branch) == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "branch is required", "")
		return
	}
	if req.InputPath == "" || req.OutputPath == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "input_path and output_path are required", "")
		return
	}

	job, err := h.svc.AddJob(r.Context(), userID, id, req.Branch, domain.JobType(req.Type), req.InputPath, req.OutputPath)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownJobType):
			h.writeError(w, http.StatusBadRequest, "unknown_job_type", "Unknown job type", req.Type)
		case domain.IsNotFound(err):
			h.writeError(w, http.StatusNotFound, "not_found", "Workflow not found", "")
		default:
			h.writeError(w, http.StatusInternalServerError, "add_job_failed", "Failed to add job", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

// GetJob returns one job owned by the caller.
// GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request, userID string) {
	id := domain.JobID(r.PathValue("id"))

	job, err := h.svc.GetJob(r.Context(), userID, id)
	if err != nil {
		switch {
		case domain.IsNotFound(err):
			h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
		case errors.Is(err, domain.ErrNotOwned):
			h.writeError(w, http.StatusForbidden, "forbidden", "Job belongs to another user", "")
		default:
			h.writeError(w, http.StatusInternalServerError, "get_failed", "Failed to get job", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusOK, jobToResponse(job))
}

// CancelJob cancels a job the caller owns, interrupting it if running and
// cascading the cancellation down its branch.
// POST /api/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request, userID string) {
	id := domain.JobID(r.PathValue("id"))

	result, err := h.svc.CancelJob(r.Context(), userID, id)
	if err != nil {
		switch {
		case domain.IsNotFound(err):
			h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
		case errors.Is(err, domain.ErrNotOwned):
			h.writeError(w, http.StatusForbidden, "forbidden", "Job belongs to another user", "")
		case errors.Is(err, domain.ErrAlreadyTerminal):
			h.writeError(w, http.StatusConflict, "already_terminal", "Job already finished", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "cancel_failed", "Failed to cancel job", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusOK, CancelJobResponse{
		Job:      jobToResponse(result.Job),
		Killed:   result.Killed,
		Cascaded: result.Cascaded,
	})
}

// StreamEvents streams the caller's job status transitions via SSE.
// GET /api/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request, userID string) {
	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	var events <-chan pubsub.Event[scheduler.JobEvent]
	if h.stream != nil {
		events = h.stream.Events().Subscribe(r.Context())
	}

	// Send initial connection event
	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	// Heartbeat ticker to keep connection alive
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			// Events are scoped to the caller.
			if event.Payload.UserID != userID {
				continue
			}

			data, err := json.Marshal(map[string]any{
				"job_id":      event.Payload.JobID.String(),
				"workflow_id": event.Payload.WorkflowID.String(),
				"status":      event.Payload.Status.String(),
				"timestamp":   event.Timestamp,
			})
			if err != nil {
				log.Error(log.CatHTTP, "Failed to marshal event", "error", err)
				continue
			}

			_, _ = fmt.Fprintf(w, "event: job\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// Health returns the daemon health status.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// === Helpers ===

func workflowToResponse(wf *domain.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:        wf.ID.String(),
		Name:      wf.Name,
		CreatedAt: wf.CreatedAt,
	}
}

func jobToResponse(j *domain.Job) JobResponse {
	return JobResponse{
		ID:             j.ID.String(),
		WorkflowID:     j.WorkflowID.String(),
		BranchID:       j.BranchID.String(),
		Type:           j.Type.String(),
		Status:         j.Status.String(),
		Progress:       j.Progress,
		OrderIndex:     j.OrderIndex,
		InputPath:      j.InputPath,
		OutputPath:     j.OutputPath,
		TotalTiles:     j.TotalTiles,
		ProcessedTiles: j.ProcessedTiles,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatHTTP, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
