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

	"github.com/JakeFAU/imagine-orchestrator/internal/config"
	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/metrics"
	"github.com/JakeFAU/imagine-orchestrator/internal/studio"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxBodyBytes          = 32 << 20
)

// Studio is the orchestration surface the handlers drive.
type Studio interface {
	SubmitVideo(ctx context.Context, in studio.VideoInput) (imagine.Job, error)
	SubmitImage(ctx context.Context, in studio.ImageInput) (imagine.Job, error)

	Keys() []imagine.KeyEntry
	AddKey(label, credential string) (imagine.KeyEntry, bool, error)
	ImportKeys(text string) ([]imagine.KeyEntry, error)
	ToggleKey(id string) (imagine.KeyEntry, error)
	RemoveKey(id string) error
	ClearKeys()
	NextKey() (imagine.KeyEntry, bool)
	RotateKey() (imagine.KeyEntry, bool)
	CheckKey(ctx context.Context, id string) (imagine.KeyEntry, error)
	CheckAllKeys(ctx context.Context) ([]imagine.KeyEntry, error)

	Jobs(kind imagine.JobKind) []imagine.Job
	Job(id string) (imagine.Job, error)
	ClearJobs(kind imagine.JobKind) error
	ActiveJob() string
	ActivateJob(id string) (imagine.Job, error)
	StopJob(id string) (imagine.Job, error)
	ResumeJob(id string) (imagine.Job, error)
	RefreshJob(ctx context.Context, id string) (imagine.Job, error)
}

// Server wires HTTP handlers to the studio and the activity log.
type Server struct {
	router   chi.Router
	studio   Studio
	activity *ActivityHandler
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. activity may be
// nil, in which case the activity routes answer 503.
func NewServer(svc Studio, activity ActivityRepository, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		studio:   svc,
		activity: NewActivityHandler(activity, logger.Named("activity")),
		cfg:      cfg,
		logger:   logger,
	}
	timeout := cfg.Server.RequestTimeout
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
		r.Route("/keys", func(r chi.Router) {
			r.Get("/", s.listKeys)
			r.Post("/", s.addKey)
			r.Delete("/", s.clearKeys)
			r.Post("/import", s.importKeys)
			r.Post("/rotate", s.rotateKey)
			r.Post("/check", s.checkAllKeys)
			r.Get("/usage", s.activity.ListKeyUsage)
			r.Route("/{key_id}", func(r chi.Router) {
				r.Patch("/", s.toggleKey)
				r.Delete("/", s.removeKey)
				r.Post("/check", s.checkKey)
			})
		})
		r.Post("/videos", s.submitVideo)
		r.Post("/images", s.submitImage)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Delete("/", s.clearJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/transitions", s.activity.ListTransitions)
				r.Post("/activate", s.activateJob)
				r.Post("/stop", s.stopJob)
				r.Post("/resume", s.resumeJob)
				r.Post("/refresh", s.refreshJob)
			})
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"keys":        len(s.studio.Keys()),
		"active_job":  s.studio.ActiveJob(),
		"state_store": s.cfg.State.Backend,
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
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
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("error", rec),
						zap.Stack("stack"),
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

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
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
