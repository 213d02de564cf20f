package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-capture/internal/articles"
	"github.com/JakeFAU/product-capture/internal/pool"
	"github.com/JakeFAU/product-capture/internal/product"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readyTimeout          = 2 * time.Second
)

// Jobs is the scheduler surface the API drives.
type Jobs interface {
	Enqueue(ctx context.Context, url string) (string, error)
	Cancel(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (product.Job, error)
	List(ctx context.Context, statuses ...product.JobStatus) ([]product.Job, error)
}

// ArticleReader looks up stored articles.
type ArticleReader interface {
	Get(articleNumber string) (articles.Entry, bool)
	List() []articles.Entry
}

// PoolStats reports browser pool occupancy.
type PoolStats interface {
	Stats() pool.Stats
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Articles, Pool, Events and
// Metrics are optional; their routes answer 404 when absent.
type Deps struct {
	Jobs     Jobs
	Articles ArticleReader
	Pool     PoolStats
	Events   http.Handler
	Metrics  http.Handler
	// Middleware wraps every route, e.g. request metrics.
	Middleware []func(http.Handler) http.Handler
	Ready      []ReadyCheck
	// RequestTimeout bounds non-streaming requests; zero means 30s.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the scheduler and read models.
type Server struct {
	router   chi.Router
	deps     Deps
	validate *validator.Validate
	logger   *zap.Logger
}

type submitRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	for _, mw := range deps.Middleware {
		r.Use(mw)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		// the websocket stream is long-lived and must not sit behind the timeout
		if deps.Events != nil {
			r.Method(http.MethodGet, "/events", deps.Events)
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(deps.RequestTimeout))
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.submitJob)
				r.Get("/", s.listJobs)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJob)
					r.Post("/cancel", s.cancelJob)
				})
			})
			r.Get("/articles", s.listArticles)
			r.Get("/articles/{article_number}", s.getArticle)
			r.Get("/pool", s.poolStats)
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
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failures := map[string]string{}
	for _, check := range s.deps.Ready {
		if err := check.Check(ctx); err != nil {
			failures[check.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	jobID, err := s.deps.Jobs.Enqueue(r.Context(), req.URL)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.deps.Jobs.List(r.Context(), statuses...)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	if jobs == nil {
		jobs = []product.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.deps.Jobs.Cancel(r.Context(), jobID); err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancelling"})
}

func (s *Server) listArticles(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Articles == nil {
		writeError(w, http.StatusNotFound, "article index disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"articles": s.deps.Articles.List()})
}

func (s *Server) getArticle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Articles == nil {
		writeError(w, http.StatusNotFound, "article index disabled")
		return
	}
	entry, ok := s.deps.Articles.Get(chi.URLParam(r, "article_number"))
	if !ok {
		writeError(w, http.StatusNotFound, "article not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) poolStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pool == nil {
		writeError(w, http.StatusNotFound, "pool unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pool.Stats())
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, product.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, product.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, product.ErrJobTerminal):
		writeError(w, http.StatusConflict, "job already finished")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("job request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseStatuses(raw string) ([]product.JobStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []product.JobStatus
	for _, part := range strings.Split(raw, ",") {
		status := product.JobStatus(strings.TrimSpace(part))
		switch status {
		case product.JobStatusQueued, product.JobStatusProcessing, product.JobStatusCompleted, product.JobStatusFailed:
			out = append(out, status)
		default:
			return nil, fmt.Errorf("unknown status %q", part)
		}
	}
	return out, nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "url":
		return field + " must be an absolute URL"
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
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
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
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
