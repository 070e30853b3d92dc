package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/metrics"
	"github.com/parjafrica/discovery-engine/internal/opportunity"
	"github.com/parjafrica/discovery-engine/internal/scheduler"
	"github.com/parjafrica/discovery-engine/internal/status"
	"github.com/parjafrica/discovery-engine/internal/store"
)

const defaultRequestTimeout = 30 * time.Second

// StatusReporter builds the fleet status view.
type StatusReporter interface {
	Report(ctx context.Context) status.Report
}

// Opportunities is the read side of the opportunity store plus on-demand
// re-verification.
type Opportunities interface {
	Feed(ctx context.Context, filter store.OpportunityFilter) (opportunity.FeedPage, error)
	Get(ctx context.Context, id string) (discovery.OpportunityRecord, error)
	Verifications(ctx context.Context, id string) ([]discovery.VerificationResult, error)
	ReVerify(ctx context.Context, id string) (discovery.VerificationResult, error)
}

// Targets reads and writes target configuration.
type Targets interface {
	ListAll(ctx context.Context, country string) ([]discovery.SearchTarget, error)
	Upsert(ctx context.Context, target discovery.SearchTarget) (discovery.SearchTarget, error)
}

// Controller changes target scheduling state.
type Controller interface {
	Pause(ctx context.Context, id string) error
	Reactivate(ctx context.Context, id string) error
	Reload(ctx context.Context) error
	Snapshot() []scheduler.TargetStatus
}

// Statistics lists daily snapshots.
type Statistics interface {
	List(ctx context.Context, filter store.StatsFilter) ([]discovery.StatisticsSnapshot, error)
}

// Config controls the Server.
type Config struct {
	// APIKey guards mutating routes when non-empty.
	APIKey         string
	RequestTimeout time.Duration
}

// Deps are the Server collaborators. Controller and Ready are optional.
type Deps struct {
	Status        StatusReporter
	Opportunities Opportunities
	Targets       Targets
	Controller    Controller
	Statistics    Statistics
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the engine.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Status == nil || deps.Opportunities == nil || deps.Targets == nil || deps.Statistics == nil {
		return nil, errors.New("api: status, opportunities, targets and statistics are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Get("/status", s.getStatus)
		r.Get("/statistics", s.listStatistics)

		r.Route("/opportunities", func(r chi.Router) {
			r.Get("/", s.listOpportunities)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getOpportunity)
				r.Get("/verifications", s.listVerifications)
				r.With(apiKeyMiddleware(cfg.APIKey)).Post("/reverify", s.reverifyOpportunity)
			})
		})

		r.Route("/targets", func(r chi.Router) {
			r.Get("/", s.listTargets)
			r.Group(func(r chi.Router) {
				r.Use(apiKeyMiddleware(cfg.APIKey))
				r.Put("/{id}", s.putTarget)
				r.Post("/{id}/pause", s.pauseTarget)
				r.Post("/{id}/reactivate", s.reactivateTarget)
			})
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("panic", rec),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// apiKeyMiddleware rejects requests without the expected key. An empty key
// disables the check.
func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if expected == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSON(w, status, payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps service errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, scheduler.ErrUnknownTarget):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, discovery.ErrConfig):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
