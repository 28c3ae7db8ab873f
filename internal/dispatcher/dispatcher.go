// Package dispatcher submits one logical upstream operation, rotating across
// the enabled credentials of the key pool when a credential is rejected.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
	"github.com/JakeFAU/imagine-orchestrator/internal/upstream"
)

// ErrNoCredential is returned when the pool has no enabled credential and
// unauthenticated attempts are not allowed.
var ErrNoCredential = errors.New("no usable credential: add an API key to the pool")

// Pool is the slice of the key pool the dispatcher needs.
type Pool interface {
	Enabled() []imagine.KeyEntry
	Cursor() int
	CommitCursor(position int)
	MarkSuccess(id string)
	MarkFailure(id string, status int, message string)
}

// Attempt performs the operation once with key. key is the zero entry for an
// unauthenticated attempt. A non-nil error means the request never produced
// an upstream status.
type Attempt func(ctx context.Context, key imagine.KeyEntry) (imagine.Response, error)

// Result is the outcome of a successful dispatch.
type Result struct {
	Response imagine.Response
	// KeyID is the credential that produced Response; empty when unauthenticated.
	KeyID    string
	Attempts int
}

// Config wires a Dispatcher.
type Config struct {
	Pool Pool
	// AllowAnonymous permits a single attempt without a pool credential when
	// none is enabled; the transport then applies its fallback credential.
	AllowAnonymous bool
	Emitter        progress.Emitter
	Logger         *zap.Logger
}

// Dispatcher rotates credentials across attempts. Dispatches are serialized
// so that each walks the ring from the cursor the previous one committed.
type Dispatcher struct {
	mu             sync.Mutex
	pool           Pool
	allowAnonymous bool
	emitter        progress.Emitter
	logger         *zap.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Emitter == nil {
		cfg.Emitter = progress.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		pool:           cfg.Pool,
		allowAnonymous: cfg.AllowAnonymous,
		emitter:        cfg.Emitter,
		logger:         cfg.Logger,
	}
}

// Dispatch runs attempt against up to max(1, enabled) credentials.
//
// Success marks the credential ok and returns immediately. A failure marks the
// credential by status and is retried on the next credential only for
// 401/403/429 with more than one credential enabled; any other failure, and
// the last of the retries, is returned as *upstream.StatusError. Transport
// errors abort without touching credential health. The cursor advances once
// per attempt and is committed when the dispatch ends, whatever the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, op string, attempt Attempt) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ring := d.pool.Enabled()
	if len(ring) == 0 {
		if !d.allowAnonymous {
			return Result{}, ErrNoCredential
		}
		return d.anonymous(ctx, op, attempt)
	}

	rr := d.pool.Cursor()
	defer func() { d.pool.CommitCursor(rr) }()

	attempts := len(ring)
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: i}, fmt.Errorf("%s: %w", op, err)
		}
		key := ring[rr%len(ring)]
		rr++

		resp, err := d.try(ctx, i, key, attempt)
		if err != nil {
			return Result{KeyID: key.ID, Attempts: i + 1}, fmt.Errorf("%s via %s: %w", op, key.Label, err)
		}
		if resp.OK {
			d.pool.MarkSuccess(key.ID)
			return Result{Response: resp, KeyID: key.ID, Attempts: i + 1}, nil
		}

		statusErr := upstream.NewStatusError(resp)
		d.pool.MarkFailure(key.ID, resp.Status, statusErr.Message)
		lastErr = statusErr

		retry := imagine.Rotatable(resp.Status) && len(ring) > 1 && i < attempts-1
		d.logger.Info("dispatch attempt failed",
			zap.String("op", op),
			zap.String("key_id", key.ID),
			zap.String("key", key.Label),
			zap.Int("status", resp.Status),
			zap.Bool("rotating", retry),
		)
		if !retry {
			return Result{Response: resp, KeyID: key.ID, Attempts: i + 1}, lastErr
		}
	}
	return Result{Attempts: attempts}, lastErr
}

func (d *Dispatcher) anonymous(ctx context.Context, op string, attempt Attempt) (Result, error) {
	resp, err := d.try(ctx, 0, imagine.KeyEntry{}, attempt)
	if err != nil {
		return Result{Attempts: 1}, fmt.Errorf("%s: %w", op, err)
	}
	if !resp.OK {
		return Result{Response: resp, Attempts: 1}, upstream.NewStatusError(resp)
	}
	return Result{Response: resp, Attempts: 1}, nil
}

func (d *Dispatcher) try(ctx context.Context, n int, key imagine.KeyEntry, attempt Attempt) (imagine.Response, error) {
	start := time.Now()
	resp, err := attempt(ctx, key)
	if key.ID == "" {
		return resp, err
	}
	evt := progress.Event{
		KeyID:   key.ID,
		Stage:   progress.StageDispatchAttempt,
		Attempt: n,
		Status:  resp.Status,
		Dur:     time.Since(start),
	}
	if err != nil {
		evt.Status = 0
		evt.Note = err.Error()
	}
	evt.StatusClass = progress.ClassifyStatus(evt.Status)
	d.emitter.Emit(evt)
	return resp, err
}
