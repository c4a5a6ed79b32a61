package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/heyfun/internal/agent"
	"github.com/haasonsaas/heyfun/internal/auth"
	"github.com/haasonsaas/heyfun/internal/generation"
	"github.com/haasonsaas/heyfun/internal/workflow"
)

// Routes served by the gateway.
const (
	BlobPath   = "/blobs"
	EventsPath = "/v1/workflows/events"
	StreamPath = "/v1/sessions/stream"

	maxWorkflowBody = 1 << 20
)

// RunExecutor runs agent sessions.
type RunExecutor interface {
	Run(ctx context.Context, req *agent.RunRequest) (*agent.RunResult, error)
}

// EventNotifier delivers workflow events to waiting runs.
type EventNotifier interface {
	Notify(ctx context.Context, event string, payload any) error
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration

	Runner   RunExecutor
	Notifier EventNotifier
	// Reconcile handles generation trigger deliveries.
	Reconcile workflow.HandlerFunc

	// Auth guards the session stream. A disabled service lets every
	// request through.
	Auth *auth.JWTService
	// WorkflowToken guards the workflow endpoints. Empty disables the check.
	WorkflowToken string

	Gatherer prometheus.Gatherer
	// Blobs serves local blob downloads. Nil when blobs live elsewhere.
	Blobs  http.Handler
	Logger *slog.Logger
}

// Server is the gateway HTTP server.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	server *http.Server
	ln     net.Listener
}

// NewServer creates a server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg, logger: cfg.Logger.With("component", "http")}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	if s.cfg.Blobs != nil {
		mux.Handle(BlobPath+"/", http.StripPrefix(BlobPath, s.cfg.Blobs))
	}
	if s.cfg.Reconcile != nil {
		mux.Handle("POST "+generation.TriggerPath, s.requireWorkflowToken(http.HandlerFunc(s.handleGeneration)))
	}
	if s.cfg.Notifier != nil {
		mux.Handle("POST "+EventsPath, s.requireWorkflowToken(http.HandlerFunc(s.handleEvent)))
	}
	if s.cfg.Runner != nil {
		mux.Handle("GET "+StreamPath, auth.Middleware(s.cfg.Auth, s.logger)(http.HandlerFunc(s.handleStream)))
	}
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests up to the
// shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) requireWorkflowToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WorkflowToken != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.WorkflowToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid workflow token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handleGeneration runs one reconciliation synchronously. A non-2xx answer
// makes the HTTP triggerer deliver again.
func (s *Server) handleGeneration(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWorkflowBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if err := s.cfg.Reconcile(r.Context(), body); err != nil {
		s.logger.WarnContext(r.Context(), "generation trigger failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type eventRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWorkflowBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Event) == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("null")
	}
	if err := s.cfg.Notifier.Notify(r.Context(), req.Event, req.Payload); err != nil {
		s.logger.ErrorContext(r.Context(), "event delivery failed", "event", req.Event, "error", err)
		writeError(w, http.StatusInternalServerError, "event delivery failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
