package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/progress/sinks"
)

const (
	defaultTransitionLimit = 50
	maxTransitionLimit     = 500
	defaultUsageLimit      = 100
	maxUsageLimit          = 1000
	activityTimeout        = 3 * time.Second
)

// ActivityRepository reads the persisted lifecycle log.
type ActivityRepository interface {
	ListTransitions(ctx context.Context, jobID string, limit, offset int) ([]sinks.JobTransition, error)
	ListKeyUsage(ctx context.Context, limit, offset int) ([]sinks.KeyUsage, error)
}

// ActivityHandler exposes read-only job transition and key usage endpoints.
type ActivityHandler struct {
	repo    ActivityRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewActivityHandler wires the repository and logger. A nil repo makes every
// endpoint answer 503.
func NewActivityHandler(repo ActivityRepository, logger *zap.Logger) *ActivityHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityHandler{
		repo:    repo,
		timeout: activityTimeout,
		logger:  logger,
	}
}

// ListTransitions handles GET /v1/jobs/{job_id}/transitions?limit=&offset=.
// It returns {"transitions": [...]} oldest first, 400 for invalid paging, 503
// when no repository is configured, or 500 if the repository call fails.
func (h *ActivityHandler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "activity log unavailable")
		return
	}
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultTransitionLimit, maxTransitionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	transitions, err := h.repo.ListTransitions(ctx, jobID, limit, offset)
	if err != nil {
		h.logger.Error("list transitions failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list transitions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transitions": toTransitionDTOs(transitions),
	})
}

// ListKeyUsage handles GET /v1/keys/usage?limit=&offset=, most recently used
// credential first.
func (h *ActivityHandler) ListKeyUsage(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "activity log unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultUsageLimit, maxUsageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	usage, err := h.repo.ListKeyUsage(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list key usage failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list key usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"usage": toUsageDTOs(usage),
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toTransitionDTOs(in []sinks.JobTransition) []transitionDTO {
	out := make([]transitionDTO, 0, len(in))
	for _, t := range in {
		out = append(out, transitionDTO{
			JobID: t.JobID,
			Kind:  t.Kind,
			Stage: string(t.Stage),
			At:    t.At,
			Note:  t.Note,
		})
	}
	return out
}

func toUsageDTOs(in []sinks.KeyUsage) []usageDTO {
	out := make([]usageDTO, 0, len(in))
	for _, u := range in {
		out = append(out, usageDTO{
			KeyID:    u.KeyID,
			Attempts: u.Attempts,
			Failures: u.Failures,
			LastAt:   u.LastAt,
		})
	}
	return out
}

type transitionDTO struct {
	JobID string    `json:"job_id"`
	Kind  string    `json:"kind"`
	Stage string    `json:"stage"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

type usageDTO struct {
	KeyID    string    `json:"key_id"`
	Attempts int64     `json:"attempts"`
	Failures int64     `json:"failures"`
	LastAt   time.Time `json:"last_at"`
}
