// Package server exposes the alignment service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/skillalign/internal/app"
	"github.com/raphaelgruber/skillalign/internal/errs"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 8 << 20

// defaultWatchInterval is how often a job watch stream re-reads the job.
const defaultWatchInterval = time.Second

// Server routes REST requests onto the alignment stack.
type Server struct {
	app           *app.App
	logger        *slog.Logger
	version       string
	watchInterval time.Duration
	upgrader      websocket.Upgrader
	mux           *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// WithWatchInterval sets the job watch poll interval.
func WithWatchInterval(d time.Duration) Option { return func(s *Server) { s.watchInterval = d } }

// New creates a server over a and registers all routes.
func New(a *app.App, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:           a,
		logger:        logger,
		version:       "dev",
		watchInterval: defaultWatchInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // API clients are not browsers
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		mux: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.logger)(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)

	s.mux.HandleFunc("POST /skill-alignment/id", s.handleAlignByIDs)
	s.mux.HandleFunc("POST /skill-alignment/query", s.handleAlignByQuery)
	s.mux.HandleFunc("POST /skill-alignment/batch", s.handleBatch)

	s.mux.HandleFunc("GET /jobs/{job_type}", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{job_type}/{job_name}", s.handleGetJob)
	s.mux.HandleFunc("POST /jobs/{job_type}/{job_name}/abort", s.handleAbortJob)
	s.mux.HandleFunc("DELETE /jobs/{job_type}/{job_name}", s.handleDeleteJob)
	s.mux.HandleFunc("GET /jobs/{job_type}/{job_name}/watch", s.handleWatchJob)

	s.mux.HandleFunc("GET /data-sources", s.handleListDataSources)
	s.mux.HandleFunc("POST /data-sources/reload", s.handleReloadDataSources)
	s.mux.HandleFunc("GET /data-sources/{object_type}", s.handleGetDataSource)
	s.mux.HandleFunc("PUT /data-sources/{object_type}", s.handlePutDataSource)
	s.mux.HandleFunc("DELETE /data-sources/{object_type}/{source}", s.handleDeleteSource)

	s.mux.HandleFunc("POST /indexes", s.handleEnsureIndex)
	s.mux.HandleFunc("GET /indexes/{object_type}/{source}", s.handleGetIndex)
	s.mux.HandleFunc("POST /indexes/{object_type}/{source}/populate", s.handlePopulateIndex)
	s.mux.HandleFunc("DELETE /indexes/{object_type}/{source}", s.handleDeleteIndex)
	s.mux.HandleFunc("GET /operations/{id}", s.handleGetOperation)

	s.mux.HandleFunc("POST /entities", s.handleUpsertEntities)
	s.mux.HandleFunc("GET /entities/{id}", s.handleGetEntity)
	s.mux.HandleFunc("DELETE /entities/{id}", s.handleDeleteEntity)
	s.mux.HandleFunc("PUT /entities/{id}/alignments/{dimension}/{source}", s.handleSetAligned)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.app.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "version": s.version})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Metrics.Snapshot())
}

// errorBody is the shape of every error response.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorBody{Detail: errs.Message(err)})
}

// decode reads a JSON body into v. Unknown fields are rejected.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Validation("request body is empty")
		}
		return errs.Validation("invalid request body: %v", err)
	}
	return nil
}

// requestUser names the caller for job bookkeeping.
func requestUser(r *http.Request) string {
	if u := r.Header.Get("X-User"); u != "" {
		return u
	}
	return fmt.Sprintf("anonymous@%s", r.RemoteAddr)
}
