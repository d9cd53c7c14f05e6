package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-taskboard/internal/config"
	"github.com/JakeFAU/crawl-taskboard/internal/crawler"
	"github.com/JakeFAU/crawl-taskboard/internal/dispatcher"
	"github.com/JakeFAU/crawl-taskboard/internal/metrics"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxBodyBytes          = 1 << 16
)

// ReadyFunc reports whether the service can take traffic.
type ReadyFunc func(ctx context.Context) error

// Server wires HTTP handlers to the dispatcher.
type Server struct {
	router     chi.Router
	dispatcher *dispatcher.Dispatcher
	ready      ReadyFunc
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil ready
// function always reports ready.
func NewServer(d *dispatcher.Dispatcher, cfg config.Config, ready ReadyFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher: d,
		ready:      ready,
		logger:     logger,
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/", s.addTask)
			r.Delete("/", s.deleteTask)
			r.Post("/start", s.startTask)
			r.Post("/stop", s.stopTask)
		})
		r.Post("/batch", s.runBatch)
		r.Route("/selection", func(r chi.Router) {
			r.Post("/toggle", s.toggleSelection)
			r.Post("/all", s.selectAll)
			r.Delete("/", s.clearSelection)
		})
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
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.View())
}

func (s *Server) addTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeURLRequest(w, r)
	if !ok {
		return
	}
	rec, err := s.dispatcher.Add(r.Context(), req.URL)
	if err != nil {
		s.writeActionError(w, "add", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter required")
		return
	}
	if err := s.dispatcher.Delete(r.Context(), url); err != nil {
		s.writeActionError(w, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url, "deleted": true})
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeURLRequest(w, r)
	if !ok {
		return
	}
	id, err := s.dispatcher.Start(r.Context(), req.URL)
	if err != nil {
		s.writeActionError(w, "start", err)
		return
	}
	writeJSON(w, http.StatusAccepted, batchResponse{BatchID: id})
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeURLRequest(w, r)
	if !ok {
		return
	}
	if err := s.dispatcher.Stop(r.Context(), req.URL); err != nil {
		s.writeActionError(w, "stop", err)
		return
	}
	writeJSON(w, http.StatusOK, crawler.TaskRecord{URL: req.URL, Status: crawler.TaskStatusStopped})
}

func (s *Server) runBatch(w http.ResponseWriter, r *http.Request) {
	id, err := s.dispatcher.RunSelection(r.Context())
	if err != nil {
		s.writeActionError(w, "batch", err)
		return
	}
	writeJSON(w, http.StatusAccepted, batchResponse{BatchID: id})
}

func (s *Server) toggleSelection(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeURLRequest(w, r)
	if !ok {
		return
	}
	selected, err := s.dispatcher.Toggle(req.URL)
	if err != nil {
		s.writeActionError(w, "toggle", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": req.URL, "selected": selected})
}

func (s *Server) selectAll(w http.ResponseWriter, _ *http.Request) {
	if err := s.dispatcher.SelectAll(); err != nil {
		s.writeActionError(w, "select all", err)
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.View())
}

func (s *Server) clearSelection(w http.ResponseWriter, _ *http.Request) {
	if err := s.dispatcher.ClearSelection(); err != nil {
		s.writeActionError(w, "clear selection", err)
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.View())
}

// writeActionError maps dispatcher errors onto HTTP status codes. Anything
// that is not a known sentinel came from the crawler service or its transport.
func (s *Server) writeActionError(w http.ResponseWriter, action string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("action failed", zap.String("action", action), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrInvalidURL), errors.Is(err, crawler.ErrEmptySelection):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrAlreadyRunning), errors.Is(err, crawler.ErrSelectionLocked),
		errors.Is(err, crawler.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

type urlRequest struct {
	URL string `json:"url"`
}

type batchResponse struct {
	BatchID uuid.UUID `json:"batch_id"`
}

func decodeURLRequest(w http.ResponseWriter, r *http.Request) (urlRequest, bool) {
	var req urlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return urlRequest{}, false
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return urlRequest{}, false
	}
	return req, true
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
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
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
