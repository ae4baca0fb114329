// Package httpapi exposes the engine over a plain net/http surface:
// submit, get, cancel, list, and counts, plus a health check (the
// Prometheus /metrics handler is mounted by cmd/queued). Grounded on the teacher's control_plane/api.go — a
// single API struct wrapping the thing it fronts, one handler method per
// route, http.Error for failures, json.NewEncoder for success.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mohsinsiddi/taskqueue/internal/engine"
	"github.com/mohsinsiddi/taskqueue/internal/storage"
	"github.com/mohsinsiddi/taskqueue/internal/task"
)

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// API wraps an Engine with its HTTP handlers.
type API struct {
	engine             *engine.Engine
	defaultMaxAttempts int
}

func New(e *engine.Engine, defaultMaxAttempts int) *API {
	return &API{engine: e, defaultMaxAttempts: defaultMaxAttempts}
}

// Register attaches every route to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID) // /tasks/{id} and /tasks/{id}/cancel
	mux.HandleFunc("/stats", a.handleStats)
	mux.HandleFunc("/healthz", a.handleHealthz)
}

type submitRequest struct {
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledAt *int64          `json:"scheduled_at_unix"`
	Tags        []string        `json:"tags"`
}

// handleTasks serves POST /tasks (submit) and GET /tasks (list).
func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleSubmit(w, r)
	case http.MethodGet:
		a.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}

	t := task.New(req.Name, req.Payload)
	if req.Priority != "" {
		t.WithPriority(task.Priority(req.Priority))
	}
	switch {
	case req.MaxAttempts > 0:
		t.WithMaxAttempts(req.MaxAttempts)
	case a.defaultMaxAttempts > 0:
		t.WithMaxAttempts(a.defaultMaxAttempts)
	}
	if len(req.Tags) > 0 {
		t.WithTags(req.Tags)
	}
	if req.ScheduledAt != nil {
		t.WithSchedule(unixToTime(*req.ScheduledAt))
	}

	if err := a.engine.Submit(r.Context(), t); err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(t)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ListFilter{}
	if s := q.Get("state"); s != "" {
		st := task.State(s)
		filter.State = &st
	}
	if p := q.Get("priority"); p != "" {
		pr := task.Priority(p)
		filter.Priority = &pr
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, total, err := a.engine.List(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"tasks": tasks,
		"total": total,
	})
}

// handleTaskByID serves GET /tasks/{id} and POST /tasks/{id}/cancel.
func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	id, action, hasAction := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	if hasAction {
		if action != "cancel" || r.Method != http.MethodPost {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		a.handleCancel(w, r, id)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.handleGet(w, r, id)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	t, err := a.engine.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.engine.Cancel(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	byState, byPriority, err := a.engine.Counts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"by_state":    byState,
		"by_priority": byPriority,
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, engine.ErrInvalidMaxAttempts):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrAlreadyExists):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		var transition *task.ErrInvalidTransition
		if errors.As(err, &transition) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
