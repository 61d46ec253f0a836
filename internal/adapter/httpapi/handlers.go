package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/forgecrew/forgecrew/internal/adapter/ws"
	"github.com/forgecrew/forgecrew/internal/domain/phase"
	"github.com/forgecrew/forgecrew/internal/domain/task"
	"github.com/forgecrew/forgecrew/internal/port/database"
	"github.com/forgecrew/forgecrew/internal/port/eventstore"
	"github.com/forgecrew/forgecrew/internal/resilience"
	"github.com/forgecrew/forgecrew/internal/service"
)

const bodyLimit = 1 << 20 // 1 MB

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	coord   *service.Coordinator
	events  *service.EventLog
	store   database.Store
	eslog   eventstore.Store
	breaker *resilience.Breaker
	hub     *ws.Hub
	log     *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(coord *service.Coordinator, events *service.EventLog, store database.Store, eslog eventstore.Store, breaker *resilience.Breaker, hub *ws.Hub, log *slog.Logger) *Handlers {
	return &Handlers{
		coord:   coord,
		events:  events,
		store:   store,
		eslog:   eslog,
		breaker: breaker,
		hub:     hub,
		log:     log,
	}
}

// --- Repositories ---

type createRepositoryRequest struct {
	Name          string `json:"name"`
	OwnerID       string `json:"owner_id"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
}

func (h *Handlers) CreateRepository(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createRepositoryRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if req.Name == "" || req.CloneURL == "" {
		writeError(w, http.StatusBadRequest, "name and clone_url are required")
		return
	}
	if req.DefaultBranch == "" {
		req.DefaultBranch = "main"
	}

	repo := &database.Repository{
		ID:            uuid.NewString(),
		Name:          req.Name,
		OwnerID:       req.OwnerID,
		CloneURL:      req.CloneURL,
		DefaultBranch: req.DefaultBranch,
	}
	if err := h.store.CreateRepository(r.Context(), repo); err != nil {
		writeDomainError(w, err, "repository not created")
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (h *Handlers) ListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := h.store.ListRepositories(r.Context())
	if err != nil {
		writeDomainError(w, err, "repositories not listed")
		return
	}
	if repos == nil {
		repos = []database.Repository{}
	}
	writeJSON(w, http.StatusOK, repos)
}

// --- Tasks ---

type createTaskRequest struct {
	UserID        string   `json:"user_id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	RepositoryIDs []string `json:"repository_ids"`
	AutoApprove   bool     `json:"auto_approve"`
}

func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createTaskRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if req.Title == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "title and user_id are required")
		return
	}
	if len(req.RepositoryIDs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one repository is required")
		return
	}

	t := &task.Task{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Title:         req.Title,
		Description:   req.Description,
		Status:        task.StatusPending,
		RepositoryIDs: req.RepositoryIDs,
		Orchestration: task.Orchestration{
			AutoApprovalEnabled: req.AutoApprove,
		},
	}
	if err := h.store.CreateTask(r.Context(), t); err != nil {
		writeDomainError(w, err, "task not created")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListTasks(r.Context())
	if err != nil {
		writeDomainError(w, err, "tasks not listed")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetTaskStatus returns the event-log projection, the authoritative view of
// per-story progress.
func (h *Handlers) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	proj, err := h.events.CurrentState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task state not available")
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (h *Handlers) ListTaskEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.eslog.LoadByTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "events not listed")
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

// --- Orchestration control ---

// OrchestrateTask kicks off the pipeline in the background and returns 202.
// Progress is observable via /status, /events, and the WebSocket feed.
func (h *Handlers) OrchestrateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := h.store.GetTask(r.Context(), taskID); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	h.startOrchestration(taskID)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "orchestrating"})
}

// startOrchestration runs the pipeline detached from the request context.
// A concurrent duplicate is refused by the coordinator, not an error here.
func (h *Handlers) startOrchestration(taskID string) {
	go func() {
		err := h.coord.OrchestrateTask(context.Background(), taskID)
		if err != nil && !errors.Is(err, service.ErrAlreadyRunning) {
			h.log.Error("orchestration ended with error", "task_id", taskID, "error", err)
		}
	}()
}

type decisionRequest struct {
	Phase    string `json:"phase"`
	Actor    string `json:"actor"`
	Comments string `json:"comments"`
}

func (h *Handlers) ApproveTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	req, ok := readJSON[decisionRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if req.Phase == "" || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "phase and actor are required")
		return
	}
	if err := h.coord.Approve(r.Context(), taskID, phase.Name(req.Phase), req.Actor, req.Comments); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	// The approved gate unblocks the pipeline; resume it immediately.
	h.startOrchestration(taskID)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "approved"})
}

func (h *Handlers) RejectTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	req, ok := readJSON[decisionRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if req.Phase == "" || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "phase and actor are required")
		return
	}
	if err := h.coord.Reject(r.Context(), taskID, phase.Name(req.Phase), req.Actor, req.Comments); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "rejected"})
}

type actorRequest struct {
	Actor string `json:"actor"`
}

func (h *Handlers) PauseTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	req, ok := readJSON[actorRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if err := h.coord.Pause(r.Context(), taskID, req.Actor); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "paused"})
}

func (h *Handlers) ResumeTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	req, ok := readJSON[actorRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if err := h.coord.Resume(r.Context(), taskID, req.Actor); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	h.startOrchestration(taskID)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "resuming"})
}

func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	req, ok := readJSON[actorRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if err := h.coord.RequestCancel(r.Context(), taskID, req.Actor); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "cancel_requested"})
}

// --- Health ---

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"breaker": h.breaker.State(),
	})
}
