package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/jobspec"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/monitor"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/observer"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/prompts"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/supervisor"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/taskstore"
)

// Store is the read side of the task store
type Store interface {
	ListTasks(ctx context.Context, opts taskstore.ListOptions) ([]*domain.Task, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListProgressUpdates(ctx context.Context, id string, limit int) ([]*domain.ProgressUpdate, error)
}

// Supervisor starts and controls supervised processes
type Supervisor interface {
	Start(ctx context.Context, spec supervisor.SpawnSpec) (string, int, error)
	Cancel(taskID string) error
	Sessions() []monitor.Info
	Pool() supervisor.PoolStatus
	KillAll() []int
	ResetInvocations(sessionID string)
	InvocationCount(sessionID string) int
}

// Metrics reports aggregated run metrics
type Metrics interface {
	GetMetrics() observer.Metrics
	StuckSessions(infos []monitor.Info) []monitor.Info
}

// Options configures a Server
type Options struct {
	Addr              string
	RequestsPerMinute int // job submissions per client, 0 disables limiting
	Burst             int
	JobDefaults       jobspec.Defaults
	Prompts           *prompts.Loader
	Logger            *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	store   Store
	sup     Supervisor
	metrics Metrics
	opts    Options
	logger  *slog.Logger
	mux     *http.ServeMux
	hub     *Hub
	limiter *clientLimiter
}

// NewServer creates a new API server. metrics may be nil.
func NewServer(store Store, sup Supervisor, metrics Metrics, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:   store,
		sup:     sup,
		metrics: metrics,
		opts:    opts,
		logger:  logger,
		mux:     http.NewServeMux(),
		hub:     NewHub(),
	}
	if opts.RequestsPerMinute > 0 {
		s.limiter = newClientLimiter(opts.RequestsPerMinute, opts.Burst)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Handle("POST /api/jobs", s.rateLimited(s.submitJobHandler()))
	s.mux.HandleFunc("GET /api/tasks", s.listTasksHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}", s.getTaskHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}/progress", s.progressHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelHandler())
	s.mux.HandleFunc("GET /api/sessions", s.sessionsHandler())
	s.mux.HandleFunc("GET /api/sessions/{id}/invocations", s.invocationsHandler())
	s.mux.HandleFunc("DELETE /api/sessions/{id}/invocations", s.resetInvocationsHandler())
	s.mux.HandleFunc("GET /api/pool", s.poolHandler())
	s.mux.HandleFunc("POST /api/pool/kill", s.killAllHandler())
	s.mux.HandleFunc("GET /api/metrics", s.metricsHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())
}

// Handler returns the API's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the event hub feeding SSE and WebSocket clients
func (s *Server) Hub() *Hub {
	return s.hub
}

// HandleEvent forwards a supervisor event to connected clients.
// It matches domain.EventCallback.
func (s *Server) HandleEvent(e domain.Event) {
	s.hub.Broadcast(StreamEvent{Type: string(e.Type), Data: e})
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.Run(ctx)
	if s.limiter != nil {
		go s.limiter.cleanup(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeStatus(w, http.StatusOK, data)
}

func writeStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeStatus(w, code, map[string]string{"error": message})
}
