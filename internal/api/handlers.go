package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/keypool"
	"github.com/JakeFAU/imagine-orchestrator/internal/poller"
	"github.com/JakeFAU/imagine-orchestrator/internal/registry"
	"github.com/JakeFAU/imagine-orchestrator/internal/studio"
	"github.com/JakeFAU/imagine-orchestrator/internal/upstream"
)

type addKeyRequest struct {
	Label  string `json:"label"`
	APIKey string `json:"api_key"`
}

// keyDTO never carries the credential itself.
type keyDTO struct {
	ID            string                `json:"id"`
	Label         string                `json:"label"`
	Masked        string                `json:"masked"`
	Enabled       bool                  `json:"enabled"`
	Health        imagine.KeyHealth     `json:"health"`
	LastCheckedAt *time.Time            `json:"last_checked_at,omitempty"`
	LastError     string                `json:"last_error,omitempty"`
	Capabilities  *imagine.Capabilities `json:"capabilities,omitempty"`
}

func toKeyDTO(e imagine.KeyEntry) keyDTO {
	return keyDTO{
		ID:            e.ID,
		Label:         e.Label,
		Masked:        e.Masked(),
		Enabled:       e.Enabled,
		Health:        e.Health,
		LastCheckedAt: e.LastCheckedAt,
		LastError:     e.LastError,
		Capabilities:  e.Capabilities,
	}
}

func toKeyDTOs(in []imagine.KeyEntry) []keyDTO {
	out := make([]keyDTO, 0, len(in))
	for _, e := range in {
		out = append(out, toKeyDTO(e))
	}
	return out
}

// nextKeyDTO is nil when no key is enabled.
func nextKeyDTO(e imagine.KeyEntry, ok bool) *keyDTO {
	if !ok {
		return nil
	}
	dto := toKeyDTO(e)
	return &dto
}

func (s *Server) listKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": toKeyDTOs(s.studio.Keys()),
		"next": nextKeyDTO(s.studio.NextKey()),
	})
}

func (s *Server) rotateKey(w http.ResponseWriter, _ *http.Request) {
	next, ok := s.studio.RotateKey()
	if !ok {
		writeError(w, http.StatusConflict, "no enabled keys to rotate")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"next": nextKeyDTO(next, ok)})
}

func (s *Server) clearKeys(w http.ResponseWriter, _ *http.Request) {
	s.studio.ClearKeys()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addKey(w http.ResponseWriter, r *http.Request) {
	var req addKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}
	entry, added, err := s.studio.AddKey(req.Label, req.APIKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !added {
		writeError(w, http.StatusConflict, "key already in pool")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": toKeyDTO(entry)})
}

func (s *Server) importKeys(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	added, err := s.studio.ImportKeys(string(body))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": toKeyDTOs(added)})
}

func (s *Server) toggleKey(w http.ResponseWriter, r *http.Request) {
	entry, err := s.studio.ToggleKey(chi.URLParam(r, "key_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": toKeyDTO(entry)})
}

func (s *Server) removeKey(w http.ResponseWriter, r *http.Request) {
	if err := s.studio.RemoveKey(chi.URLParam(r, "key_id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) checkKey(w http.ResponseWriter, r *http.Request) {
	entry, err := s.studio.CheckKey(r.Context(), chi.URLParam(r, "key_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": toKeyDTO(entry)})
}

func (s *Server) checkAllKeys(w http.ResponseWriter, r *http.Request) {
	entries, err := s.studio.CheckAllKeys(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": toKeyDTOs(entries)})
}

func (s *Server) submitVideo(w http.ResponseWriter, r *http.Request) {
	var in studio.VideoInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.studio.SubmitVideo(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job": job})
}

func (s *Server) submitImage(w http.ResponseWriter, r *http.Request) {
	var in studio.ImageInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.studio.SubmitImage(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body := map[string]any{"jobs": s.studio.Jobs(kind)}
	if kind == imagine.JobKindVideo {
		body["active"] = s.studio.ActiveJob()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) clearJobs(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.studio.ClearJobs(kind); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.studio.Job(chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJobWithRaw(w, job)
}

func (s *Server) activateJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.studio.ActivateJob)
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.studio.StopJob)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.studio.ResumeJob)
}

func (s *Server) refreshJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, func(id string) (imagine.Job, error) {
		return s.studio.RefreshJob(r.Context(), id)
	})
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, action func(id string) (imagine.Job, error)) {
	job, err := action(chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJobWithRaw(w, job)
}

func writeJobWithRaw(w http.ResponseWriter, job imagine.Job) {
	body := map[string]any{"job": job}
	if job.Raw != nil {
		body["raw"] = job.Raw
	}
	writeJSON(w, http.StatusOK, body)
}

// parseKind reads ?kind=; video is the default.
func parseKind(r *http.Request) (imagine.JobKind, error) {
	raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("kind")))
	if raw == "" {
		return imagine.JobKindVideo, nil
	}
	kind := imagine.JobKind(raw)
	if !kind.Valid() {
		return "", errors.New("kind must be video or image")
	}
	return kind, nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classifyError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, msg)
}

// classifyError maps domain errors onto an HTTP status and client message.
func classifyError(err error) (int, string) {
	var validation *studio.ValidationError
	var statusErr *upstream.StatusError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Error()
	case errors.Is(err, studio.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, keypool.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, poller.ErrTerminal), errors.Is(err, registry.ErrNotVideo):
		return http.StatusConflict, err.Error()
	case errors.Is(err, dispatcher.ErrNoCredential), errors.Is(err, upstream.ErrMissingCredential):
		return http.StatusPreconditionFailed, err.Error()
	case errors.As(err, &statusErr):
		switch statusErr.Status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
			return statusErr.Status, statusErr.Message
		default:
			return http.StatusBadGateway, statusErr.Message
		}
	case errors.Is(err, upstream.ErrInvalidDataURI):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream timed out"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
