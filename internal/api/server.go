package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/curious-surfer/internal/memory"
	"github.com/JakeFAU/curious-surfer/internal/metrics"
	"github.com/JakeFAU/curious-surfer/internal/results"
	"github.com/JakeFAU/curious-surfer/internal/scheduler"
	"github.com/JakeFAU/curious-surfer/internal/usage"
)

const (
	defaultLimit    = 20
	maxLimit        = 500
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// ResultsSource exposes the current result document.
type ResultsSource interface {
	Snapshot() results.Document
}

// UsageSource exposes the model usage of the session.
type UsageSource interface {
	Summary() usage.Summary
}

// SessionSource exposes the scheduler counters.
type SessionSource interface {
	Session() scheduler.Session
}

// MemorySource answers queries over the persisted memory.
type MemorySource interface {
	PrioritizedSites(limit int) []memory.SitePriority
	BestPatterns(patternType, context string, limit int) []memory.PatternScore
}

// Sources groups the read models behind the routes. Nil sources answer 503.
type Sources struct {
	Results ResultsSource
	Usage   UsageSource
	Session SessionSource
	Memory  MemorySource
}

// Server serves read-only session state.
type Server struct {
	router  chi.Router
	sources Sources
	logger  *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sources Sources, opts ...Option) *Server {
	s := &Server{sources: sources, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("api")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/results", s.getResults)
		r.Get("/usage", s.getUsage)
		r.Get("/session", s.getSession)
		r.Route("/memory", func(r chi.Router) {
			r.Get("/sites", s.listSites)
			r.Get("/patterns", s.listPatterns)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getResults(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Results == nil {
		writeError(w, http.StatusServiceUnavailable, "results unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.sources.Results.Snapshot())
}

func (s *Server) getUsage(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Usage == nil {
		writeError(w, http.StatusServiceUnavailable, "usage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.sources.Usage.Summary())
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Session == nil {
		writeError(w, http.StatusServiceUnavailable, "session unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.sources.Session.Session())
}

func (s *Server) listSites(w http.ResponseWriter, r *http.Request) {
	if s.sources.Memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory unavailable")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sites := s.sources.Memory.PrioritizedSites(limit)
	if sites == nil {
		sites = []memory.SitePriority{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

func (s *Server) listPatterns(w http.ResponseWriter, r *http.Request) {
	if s.sources.Memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory unavailable")
		return
	}
	q := r.URL.Query()
	patternType := q.Get("type")
	if patternType == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	patterns := s.sources.Memory.BestPatterns(patternType, q.Get("context"), limit)
	if patterns == nil {
		patterns = []memory.PatternScore{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("request_id", requestID(r.Context())),
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
					zap.String("request_id", requestID(r.Context())),
					zap.Any("error", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
