// Package poller drives deferred video jobs to a terminal state. One loop
// runs at a time, for the active job only; every loop carries a generation
// number and results from a superseded generation are discarded.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/normalize"
	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
	"github.com/JakeFAU/imagine-orchestrator/internal/registry"
)

// DefaultInterval separates consecutive polls of the same job.
const DefaultInterval = 2 * time.Second

// MissingCredentialMessage is recorded on a job whose credential left the pool.
const MissingCredentialMessage = "Missing API key for this job. Re-add it in API keys (local)."

// ErrTerminal is returned for operations that need a non-terminal job.
var ErrTerminal = errors.New("job already finished")

var errNotProcessing = errors.New("job is not processing")

// Registry is the job store the engine mutates.
type Registry interface {
	Get(id string) (imagine.Job, bool)
	Update(id string, transform func(job *imagine.Job) error) (imagine.Job, error)
	SetActive(id string) error
}

// Keys resolves the credential recorded on a job.
type Keys interface {
	Get(id string) (imagine.KeyEntry, bool)
}

// StatusQuerier is the status capability of the upstream transport.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, requestID string, credential string) (imagine.Response, error)
}

// Clock supplies time and waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Config wires an Engine.
type Config struct {
	Interval time.Duration
	Registry Registry
	Keys     Keys
	Upstream StatusQuerier
	Clock    Clock
	// AllowAnonymous lets jobs created without a pool credential poll with
	// the transport's fallback credential.
	AllowAnonymous bool
	Emitter        progress.Emitter
	Logger         *zap.Logger
}

type loop struct {
	id     string
	gen    uint64
	cancel context.CancelFunc
}

// Engine owns the polling loop.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	gen     uint64
	current *loop
	closed  bool
	wg      sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New constructs an Engine. No loop runs until Activate or Resume.
func New(cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		logger:     cfg.Logger,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Activate makes id the active job, tearing down any loop for another job,
// and starts polling it if it is processing.
func (e *Engine) Activate(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.cfg.Registry.SetActive(id); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	if e.current != nil && e.current.id == id {
		return nil
	}
	e.restartLocked(id)
	return nil
}

// Stop pauses a processing job. Stopping a stopped job is a no-op.
func (e *Engine) Stop(id string) (imagine.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, err := e.cfg.Registry.Update(id, func(j *imagine.Job) error {
		switch {
		case j.Status.Terminal():
			return ErrTerminal
		case j.Status == imagine.JobStatusProcessing:
			j.Status = imagine.JobStatusStopped
		}
		return nil
	})
	if err != nil {
		return job, fmt.Errorf("stop %s: %w", id, err)
	}
	if e.current != nil && e.current.id == id {
		e.cancelLocked()
	}
	return job, nil
}

// Resume restarts polling of a stopped job and makes it active. Resuming a
// processing job only ensures its loop runs. A rejected resume leaves the
// active job and its loop untouched.
func (e *Engine) Resume(id string) (imagine.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if job, ok := e.cfg.Registry.Get(id); ok && job.Kind != imagine.JobKindVideo {
		return job, fmt.Errorf("resume %s: %w", id, registry.ErrNotVideo)
	}
	job, err := e.cfg.Registry.Update(id, func(j *imagine.Job) error {
		switch {
		case j.Status.Terminal():
			return ErrTerminal
		case j.Status == imagine.JobStatusStopped:
			j.Status = imagine.JobStatusProcessing
		}
		return nil
	})
	if err != nil {
		return job, fmt.Errorf("resume %s: %w", id, err)
	}
	if err := e.cfg.Registry.SetActive(id); err != nil {
		return job, fmt.Errorf("resume %s: %w", id, err)
	}
	if e.current == nil || e.current.id != id {
		e.restartLocked(id)
	}
	return job, nil
}

// RefreshOnce polls a job once, outside the loop, applying the same
// classification. Terminal outcomes apply whatever the job's status; other
// outcomes only refresh bookkeeping, so a stopped job stays stopped.
// Transport errors are returned without touching the job.
func (e *Engine) RefreshOnce(ctx context.Context, id string) (imagine.Job, error) {
	job, ok := e.cfg.Registry.Get(id)
	if !ok {
		return imagine.Job{}, fmt.Errorf("refresh %s: %w", id, registry.ErrNotFound)
	}
	if job.Kind != imagine.JobKindVideo {
		return job, fmt.Errorf("refresh %s: %w", id, registry.ErrNotVideo)
	}
	if job.Status.Terminal() {
		return job, fmt.Errorf("refresh %s: %w", id, ErrTerminal)
	}

	credential, ok := e.credentialFor(job)
	if !ok {
		return e.applyRefresh(id, Outcome{Status: imagine.JobStatusError, Error: MissingCredentialMessage}, nil)
	}
	resp, err := e.cfg.Upstream.QueryStatus(ctx, id, credential)
	if err != nil {
		return job, fmt.Errorf("refresh %s: %w", id, err)
	}
	return e.applyRefresh(id, Classify(resp), resp.Data)
}

func (e *Engine) applyRefresh(id string, out Outcome, raw *normalize.Value) (imagine.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.cfg.Clock.Now()
	job, err := e.cfg.Registry.Update(id, func(j *imagine.Job) error {
		if j.Status.Terminal() {
			return ErrTerminal
		}
		j.LastPolledAt = &now
		applyOutcome(j, out, raw)
		return nil
	})
	if err != nil {
		return job, fmt.Errorf("refresh %s: %w", id, err)
	}
	if job.Status.Terminal() && e.current != nil && e.current.id == id {
		e.cancelLocked()
	}
	e.emitPoll(job, out)
	return job, nil
}

// Close stops the running loop and waits for it to exit.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.cancelLocked()
	e.mu.Unlock()
	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("poller close wait: %w", ctx.Err())
	}
}

func (e *Engine) restartLocked(id string) {
	e.cancelLocked()
	if e.closed || id == "" {
		return
	}
	job, ok := e.cfg.Registry.Get(id)
	if !ok || job.Kind != imagine.JobKindVideo || job.Status != imagine.JobStatusProcessing {
		return
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	l := &loop{id: id, gen: e.gen, cancel: cancel}
	e.current = l
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, l)
	}()
}

// cancelLocked invalidates the current generation.
func (e *Engine) cancelLocked() {
	if e.current != nil {
		e.current.cancel()
		e.current = nil
	}
	e.gen++
}

func (e *Engine) run(ctx context.Context, l *loop) {
	logger := e.logger.With(zap.String("job_id", l.id))
	logger.Debug("poll loop started")
	defer func() {
		e.mu.Lock()
		if e.current == l {
			e.current.cancel()
			e.current = nil
		}
		e.mu.Unlock()
		logger.Debug("poll loop exited")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		job, ok := e.cfg.Registry.Get(l.id)
		if !ok || job.Status != imagine.JobStatusProcessing {
			return
		}

		credential, ok := e.credentialFor(job)
		if !ok {
			logger.Warn("job credential missing")
			e.apply(l, Outcome{Status: imagine.JobStatusError, Error: MissingCredentialMessage}, nil)
			return
		}

		resp, err := e.cfg.Upstream.QueryStatus(ctx, l.id, credential)
		if ctx.Err() != nil {
			return
		}
		var out Outcome
		if err != nil {
			logger.Warn("status query failed", zap.Error(err))
			out = Outcome{Status: imagine.JobStatusError, Error: err.Error()}
		} else {
			out = Classify(resp)
		}
		if !e.apply(l, out, resp.Data) || out.Status != imagine.JobStatusProcessing {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-e.cfg.Clock.After(e.cfg.Interval):
		}
	}
}

// apply writes out onto the job if l is still the current generation and the
// job is still processing. It reports whether the loop may continue.
func (e *Engine) apply(l *loop, out Outcome, raw *normalize.Value) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != l.gen {
		return false
	}
	now := e.cfg.Clock.Now()
	job, err := e.cfg.Registry.Update(l.id, func(j *imagine.Job) error {
		if j.Status != imagine.JobStatusProcessing {
			return errNotProcessing
		}
		j.LastPolledAt = &now
		applyOutcome(j, out, raw)
		return nil
	})
	if err != nil {
		return false
	}
	e.emitPoll(job, out)
	return true
}

func (e *Engine) credentialFor(job imagine.Job) (string, bool) {
	if job.KeyID == "" {
		return "", e.cfg.AllowAnonymous
	}
	key, ok := e.cfg.Keys.Get(job.KeyID)
	if !ok {
		return "", false
	}
	return key.Credential, true
}

func (e *Engine) emitPoll(job imagine.Job, out Outcome) {
	if out.Status != imagine.JobStatusProcessing {
		return
	}
	e.cfg.Emitter.Emit(progress.Event{
		JobID: job.ID,
		Kind:  string(job.Kind),
		KeyID: job.KeyID,
		Stage: progress.StageJobPolled,
		Note:  job.LastState,
	})
}
