// Package health probes pool credentials against the model listing endpoint
// and records their health and generation capabilities.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/keypool"
	"github.com/JakeFAU/imagine-orchestrator/internal/normalize"
	"github.com/JakeFAU/imagine-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
	"github.com/JakeFAU/imagine-orchestrator/internal/upstream"
)

// Model ids that grant the capabilities tracked on a key.
const (
	VideoModel = "grok-imagine-video"
	ImageModel = "grok-imagine-image"
)

// DefaultGap separates consecutive probes in CheckAll.
const DefaultGap = 150 * time.Millisecond

const probePartition = "models"

// Pool is the subset of the key pool the checker needs.
type Pool interface {
	Get(id string) (imagine.KeyEntry, bool)
	List() []imagine.KeyEntry
	SetHealth(id string, patch keypool.HealthPatch) (imagine.KeyEntry, error)
}

// ModelLister lists the models a credential can reach.
type ModelLister interface {
	ListModels(ctx context.Context, credential string) (imagine.Response, error)
}

// Config wires a Checker.
type Config struct {
	Pool     Pool
	Upstream ModelLister
	Clock    imagine.Clock
	// Workers bounds concurrent probes in CheckAll.
	Workers int
	// Gap paces probes in CheckAll; zero uses DefaultGap, negative disables pacing.
	Gap     time.Duration
	Emitter progress.Emitter
	Logger  *zap.Logger
}

// Checker probes credentials.
type Checker struct {
	pool     Pool
	upstream ModelLister
	clock    imagine.Clock
	workers  int
	limiter  *ratelimit.Limiter
	emitter  progress.Emitter
	logger   *zap.Logger
}

// New constructs a Checker.
func New(cfg Config) *Checker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Gap == 0 {
		cfg.Gap = DefaultGap
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var limiter *ratelimit.Limiter
	if cfg.Gap > 0 {
		limiter = ratelimit.New(ratelimit.Config{Interval: cfg.Gap, Burst: 1, Scope: "health"})
	}
	return &Checker{
		pool:     cfg.Pool,
		upstream: cfg.Upstream,
		clock:    cfg.Clock,
		workers:  cfg.Workers,
		limiter:  limiter,
		emitter:  cfg.Emitter,
		logger:   cfg.Logger,
	}
}

// Check probes one credential and returns the updated entry. Upstream
// failures are recorded on the entry, not returned.
func (c *Checker) Check(ctx context.Context, id string) (imagine.KeyEntry, error) {
	entry, ok := c.pool.Get(id)
	if !ok {
		return imagine.KeyEntry{}, fmt.Errorf("check key %q: %w", id, keypool.ErrNotFound)
	}

	unknown := imagine.KeyHealthUnknown
	cleared := ""
	if _, err := c.pool.SetHealth(id, keypool.HealthPatch{Health: &unknown, LastError: &cleared}); err != nil {
		return imagine.KeyEntry{}, fmt.Errorf("check key %q: %w", id, err)
	}

	start := time.Now()
	resp, err := c.upstream.ListModels(ctx, entry.Credential)
	patch := c.patchFor(resp, err)
	updated, setErr := c.pool.SetHealth(id, patch)
	if setErr != nil {
		// Removed while the probe was in flight.
		return imagine.KeyEntry{}, fmt.Errorf("check key %q: %w", id, setErr)
	}

	c.logger.Info("key checked",
		zap.String("key_id", id),
		zap.String("label", updated.Label),
		zap.String("health", string(updated.Health)),
	)
	c.emitter.Emit(progress.Event{
		KeyID:  id,
		Stage:  progress.StageKeyChecked,
		Status: resp.Status,
		Dur:    time.Since(start),
		Note:   string(updated.Health),
	})
	return updated, nil
}

// CheckAll probes every key, enabled or not, pacing the probes and bounding
// their concurrency. It returns the entries as they stand afterwards.
func (c *Checker) CheckAll(ctx context.Context) ([]imagine.KeyEntry, error) {
	entries := c.pool.List()
	if len(entries) == 0 {
		return nil, nil
	}

	pool := pond.NewPool(c.workers)
	for _, entry := range entries {
		id := entry.ID
		pool.Submit(func() {
			if err := c.limiter.Wait(ctx, probePartition); err != nil {
				return
			}
			if _, err := c.Check(ctx, id); err != nil {
				c.logger.Debug("key check skipped", zap.String("key_id", id), zap.Error(err))
			}
		})
	}
	pool.StopAndWait()

	if err := ctx.Err(); err != nil {
		return c.pool.List(), fmt.Errorf("check all keys: %w", err)
	}
	return c.pool.List(), nil
}

func (c *Checker) patchFor(resp imagine.Response, err error) keypool.HealthPatch {
	now := c.now()
	patch := keypool.HealthPatch{CheckedAt: &now}

	var health imagine.KeyHealth
	var message string
	switch {
	case err != nil:
		health, message = imagine.KeyHealthError, err.Error()
	case !resp.OK:
		health, message = imagine.HealthForStatus(resp.Status), upstream.FailureMessage(resp)
	default:
		health = imagine.KeyHealthOK
		patch.Capabilities = CapabilitiesOf(resp.Data)
	}
	patch.Health = &health
	patch.LastError = &message
	patch.ClearCapabilities = patch.Capabilities == nil
	return patch
}

func (c *Checker) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now()
}

// ModelIDs returns the non-empty string ids listed under data.
func ModelIDs(payload *normalize.Value) []string {
	if !payload.IsObject() {
		return nil
	}
	var ids []string
	for _, item := range payload.Get("data").Items() {
		if id, ok := item.Get("id").Str(); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// CapabilitiesOf derives capability flags from a model listing.
func CapabilitiesOf(payload *normalize.Value) *imagine.Capabilities {
	caps := &imagine.Capabilities{}
	for _, id := range ModelIDs(payload) {
		switch id {
		case VideoModel:
			caps.Video = true
		case ImageModel:
			caps.Image = true
		}
	}
	return caps
}
