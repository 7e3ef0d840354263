package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-queue-crawler/internal/metrics"
	"github.com/JakeFAU/news-queue-crawler/internal/news"
	"github.com/JakeFAU/news-queue-crawler/internal/runner"
)

// QueueReader is the read side of the store the server reports on.
type QueueReader interface {
	Ping(ctx context.Context) error
	ListYears(ctx context.Context) ([]news.Year, error)
	QueueStats(ctx context.Context, year int) (news.QueueStats, error)
}

// Config controls server behavior.
type Config struct {
	// APIKey, when set, is required on every /v1 request.
	APIKey string
	// ReadTimeout bounds read-only handlers. Stage runs are bounded by their own pass timeout.
	ReadTimeout time.Duration
}

// Server exposes health, metrics, queue statistics and manual stage runs.
type Server struct {
	router chi.Router
	store  QueueReader
	runner *runner.Runner
	stages map[string]runner.Stage
	passes atomic.Int64
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store QueueReader,
	run *runner.Runner,
	stages []runner.Stage,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	s := &Server{
		store:  store,
		runner: run,
		stages: make(map[string]runner.Stage, len(stages)),
		logger: logger.Named("api"),
	}
	for _, st := range stages {
		s.stages[st.Name] = st
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.ReadTimeout))
			r.Get("/queue", s.listQueues)
			r.Get("/queue/{year}", s.getQueue)
			r.Get("/stages", s.listStages)
		})
		r.Post("/stages/{stage}/run", s.runStage)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	years, err := s.store.ListYears(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list years")
		return
	}
	out := make([]news.QueueStats, 0, len(years))
	for _, y := range years {
		stats, err := s.store.QueueStats(r.Context(), y.Year)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read queue %d", y.Year))
			return
		}
		out = append(out, stats)
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year < 1000 || year > 9999 {
		writeError(w, http.StatusBadRequest, "year must be four digits")
		return
	}
	stats, err := s.store.QueueStats(r.Context(), year)
	switch {
	case errors.Is(err, news.ErrYearNotFound):
		writeError(w, http.StatusNotFound, "year not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listStages(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.stages))
	for name := range s.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"stages": names})
}

type stageRunResponse struct {
	Stage   string `json:"stage"`
	Pass    int64  `json:"pass"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) runStage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "stage")
	stage, ok := s.stages[name]
	if !ok || s.runner == nil {
		writeError(w, http.StatusNotFound, "stage not found")
		return
	}
	n := s.passes.Add(1)
	outcome, err := s.runner.TryRunPass(r.Context(), stage, int(n))
	resp := stageRunResponse{Stage: name, Pass: n, Outcome: string(outcome)}
	status := http.StatusOK
	switch {
	case errors.Is(err, runner.ErrStageBusy):
		status = http.StatusConflict
	case errors.Is(err, news.ErrPassTimeout):
		status = http.StatusGatewayTimeout
	case err != nil:
		status = http.StatusInternalServerError
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
