package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
	"github.com/JakeFAU/procurement-harvester/internal/id/uuid"
	"github.com/JakeFAU/procurement-harvester/internal/metrics"
	"github.com/JakeFAU/procurement-harvester/internal/workspace"
)

// Workspace is the read side the server needs.
type Workspace interface {
	Summaries(ctx context.Context) ([]harvest.Summary, error)
	Versions(source string, sample bool) ([]string, error)
	Snapshot(ctx context.Context, source string, sample bool, version string) (harvest.Snapshot, error)
}

// Config controls the server middleware.
type Config struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the session workspace.
type Server struct {
	router chi.Router
	ws     Workspace
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(ws Workspace, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{ws: ws, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/sources", s.listSources)
		r.Route("/sources/{source}/versions", func(r chi.Router) {
			r.Get("/", s.listVersions)
			r.Get("/{version}", s.getVersion)
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
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sums, err := s.ws.Summaries(r.Context())
	if err != nil {
		s.logger.Error("list sources failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": sums})
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	source, sample := workspace.SplitSourceDir(chi.URLParam(r, "source"))
	versions, err := s.ws.Versions(source, sample)
	if err != nil {
		s.logger.Error("list versions failed", zap.String("source", source), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list versions")
		return
	}
	if len(versions) == 0 {
		s.writeError(w, http.StatusNotFound, "source not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"source": source, "sample": sample, "versions": versions})
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	source, sample := workspace.SplitSourceDir(chi.URLParam(r, "source"))
	version := chi.URLParam(r, "version")
	snap, err := s.ws.Snapshot(r.Context(), source, sample, version)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, workspace.ErrInvalidVersion):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workspace.ErrNoVersions), errors.Is(err, os.ErrNotExist):
		s.writeError(w, http.StatusNotFound, "session not found")
	default:
		s.logger.Error("read session failed",
			zap.String("source", source),
			zap.String("data_version", version),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "failed to read session")
	}
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
