// Package server is the HTTP adapter over the lifecycle coordinator.
// Handlers translate requests to coordinator calls and coordinator
// errors to status codes; no lifecycle rules live here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/throw-if-null/quill/internal/api"
	"github.com/throw-if-null/quill/internal/lifecycle"
	"github.com/throw-if-null/quill/internal/machine"
	"github.com/throw-if-null/quill/internal/store"
)

type Server struct {
	coord Coordinator
	log   *slog.Logger
}

// Coordinator is the slice of lifecycle behavior the HTTP layer needs.
type Coordinator interface {
	CreateTask(ctx context.Context, prompt string) (*api.TaskView, error)
	Submit(ctx context.Context, taskID string) (*api.TaskView, error)
	Approve(ctx context.Context, taskID string) (*api.TaskView, error)
	GetState(ctx context.Context, taskID string) (*api.TaskView, error)
	ListTasks(ctx context.Context, limit int) ([]*api.TaskView, error)
}

func NewServer(coord Coordinator, log *slog.Logger) *Server {
	return &Server{coord: coord, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{task_id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{task_id}/submit", s.handleSubmitTask)
	mux.HandleFunc("POST /v1/tasks/{task_id}/approve", s.handleApproveTask)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	view, err := s.coord.CreateTask(r.Context(), req.Prompt)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(api.CreateTaskResponse{TaskID: view.TaskID, Status: view.Status})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if taskID == "" {
		http.Error(w, "missing task_id", http.StatusBadRequest)
		return
	}

	view, err := s.coord.GetState(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		x, err := strconv.Atoi(v)
		if err != nil || x < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = x
	}

	views, err := s.coord.ListTasks(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	s.applyTrigger(w, r, s.coord.Submit)
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	s.applyTrigger(w, r, s.coord.Approve)
}

func (s *Server) applyTrigger(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*api.TaskView, error)) {
	taskID := r.PathValue("task_id")
	if taskID == "" {
		http.Error(w, "missing task_id", http.StatusBadRequest)
		return
	}

	view, err := fn(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// A dispatch failure after the commit is not surfaced here: the
	// transition is durable and reconciliation repairs the gap.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(view)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, machine.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, lifecycle.ErrEmptyPrompt):
		http.Error(w, "prompt is required", http.StatusBadRequest)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, "task busy, retry", http.StatusServiceUnavailable)
	default:
		s.log.Error("request failed", "error", err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
