package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/halverson/autodev/internal/config"
	"github.com/halverson/autodev/internal/events"
	"github.com/halverson/autodev/internal/ingress"
	"github.com/halverson/autodev/internal/runner"
	"github.com/halverson/autodev/internal/selector"
	"github.com/halverson/autodev/internal/store"
)

// Server is the autodev API server. Handlers are stateless apart from the
// cancel registry for runs this server started; the store remains the
// single source of truth.
type Server struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	cfg      *config.Config
	store    *store.Store
	runner   *runner.Runner
	ingress  *ingress.Ingress
	selector *selector.Selector
	emitter  *events.Emitter

	wsHandler *WSHandler

	// Cancel functions for task runs started via POST /start.
	runningMu sync.Mutex
	running   map[string]context.CancelFunc
}

// New assembles the API server over the shared components.
func New(st *store.Store, r *runner.Runner, in *ingress.Ingress, sel *selector.Selector, cfg *config.Config, pub events.Publisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:      http.NewServeMux(),
		logger:   logger,
		cfg:      cfg,
		store:    st,
		runner:   r,
		ingress:  in,
		selector: sel,
		emitter:  events.NewEmitter(pub),
		running:  make(map[string]context.CancelFunc),
	}
	s.wsHandler = NewWSHandler(pub, logger)
	s.registerRoutes()
	return s
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	// CORS middleware wrapper
	cors := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			h(w, r)
		}
	}

	// Health check
	s.mux.HandleFunc("GET /api/health", cors(s.handleHealth))

	// Tasks
	s.mux.HandleFunc("GET /api/tasks", cors(s.handleListTasks))
	s.mux.HandleFunc("POST /api/tasks", cors(s.handleCreateTask))
	s.mux.HandleFunc("GET /api/tasks/{id}", cors(s.handleGetTask))
	s.mux.HandleFunc("GET /api/tasks/{id}/events", cors(s.handleTaskEvents))

	// Task control
	s.mux.HandleFunc("POST /api/tasks/{id}/start", cors(s.handleStartTask))
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", cors(s.handleCancelTask))
	s.mux.HandleFunc("POST /api/tasks/{id}/refresh", cors(s.handleRefreshTask))

	// Jobs
	s.mux.HandleFunc("GET /api/jobs", cors(s.handleListJobs))
	s.mux.HandleFunc("POST /api/jobs", cors(s.handleCreateJob))
	s.mux.HandleFunc("GET /api/jobs/{id}", cors(s.handleGetJob))
	s.mux.HandleFunc("GET /api/jobs/{id}/events", cors(s.handleJobEvents))
	s.mux.HandleFunc("POST /api/jobs/{id}/run", cors(s.handleRunJob))
	s.mux.HandleFunc("POST /api/jobs/{id}/cancel", cors(s.handleCancelJob))

	// Model config
	s.mux.HandleFunc("GET /api/config/models", cors(s.handleListModelConfigs))
	s.mux.HandleFunc("PUT /api/config/models/{position}", cors(s.handleSetModelConfig))

	// Normalized source-host events
	s.mux.HandleFunc("POST /webhooks/source", cors(s.handleWebhook))

	// Preflight requests match no method pattern above, so answer them here.
	s.mux.HandleFunc("OPTIONS /", cors(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// WebSocket for real-time updates
	s.mux.Handle("GET /api/events/stream", s.wsHandler)
}

// Handler returns the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.cfg.Server.Addr(),
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.wsHandler.Close()
	}()

	s.logger.Info("api server listening", "addr", server.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]string{"status": "ok"})
}

// handleWebhook accepts one normalized ingress event. Malformed bodies are
// the sender's problem; everything accepted is already persisted or
// deliberately dropped by the time the 202 goes out.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev ingress.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.ingress.Handle(r.Context(), ev); err != nil {
		HandleError(w, err)
		return
	}
	JSONResponseStatus(w, map[string]string{"status": "accepted"}, http.StatusAccepted)
}
