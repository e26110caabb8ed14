package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
)

// createTaskRequest is the JSON body for POST /v1/tasks.
type createTaskRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// dispatchFailure is returned when a task was charged and stored but its
// backend refused it. The task is already failed and refunded.
type dispatchFailure struct {
	Error string      `json:"error"`
	Task  *model.Task `json:"task"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	user := r.Header.Get(userHeader)
	if user == "" {
		s.writeError(w, http.StatusUnauthorized, userHeader+" header is required")
		return
	}

	var req createTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Tool == "" {
		s.writeError(w, http.StatusBadRequest, "tool is required")
		return
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}

	task, err := s.engine.CreateTask(r.Context(), req.Tool, req.Args, user)
	if task != nil {
		setToolLabel(r, task.Tool)
	}
	if err != nil {
		if task != nil {
			s.log.WithError(err).WithField("task_id", task.ID).Warn("task dispatch failed")
			s.writeJSON(w, http.StatusBadGateway, dispatchFailure{Error: err.Error(), Task: task})
			return
		}
		s.writeFailure(w, err, "create task")
		return
	}

	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err, "get task")
		return
	}
	setToolLabel(r, task.Tool)
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.engine.ListTasks(r.Context(), requestUser(r), limit, offset)
	if err != nil {
		s.writeFailure(w, err, "list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.CancelTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err, "cancel task")
		return
	}
	setToolLabel(r, task.Tool)
	s.writeJSON(w, http.StatusOK, task)
}
