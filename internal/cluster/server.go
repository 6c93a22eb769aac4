package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Handler executes a named task from its JSON payload.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Registry maps task names to handlers on a worker.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds handler under name. Names are unique.
func (r *Registry) Register(name string, handler Handler) error {
	if name == "" || handler == nil {
		return errors.New("cluster registry: task name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("cluster registry: duplicate handler for task %q", name)
	}
	r.handlers[name] = handler
	return nil
}

func (r *Registry) lookup(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// Server exposes a Registry over HTTP for RemoteMember callers.
type Server struct {
	registry *Registry
	codes    []ErrorCode
	logger   *slog.Logger
}

// NewServer returns a Server for registry. codes translate handler errors into stable codes.
func NewServer(registry *Registry, codes []ErrorCode, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: registry, codes: codes, logger: logger}
}

// Mount registers the task endpoint on r.
func (s *Server) Mount(r chi.Router) {
	r.Post(tasksPath+"{name}", s.handleTask)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	handler, ok := s.registry.lookup(name)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown task %q", name), http.StatusNotFound)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	value, err := handler(r.Context(), payload)
	if err != nil {
		s.logger.Warn("cluster task failed", "task", name, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, taskFailure{
			Code:      codeOf(s.codes, err),
			Message:   err.Error(),
			Permanent: IsPermanent(err),
		})
		return
	}

	writeJSON(w, http.StatusOK, value)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	body, err := json.Marshal(value)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
