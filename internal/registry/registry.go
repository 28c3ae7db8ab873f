// Package registry owns the job history: per-kind, most-recent-first lists
// capped in size and mirrored to the state store after every mutation. The
// registry also tracks which video job is the polling target.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
)

// DefaultCapacity bounds the history of each job kind.
const DefaultCapacity = 25

// ErrNotFound is returned when no job matches an id.
var ErrNotFound = errors.New("job not found")

// ErrNotVideo is returned when a video-only operation targets an image job.
var ErrNotVideo = errors.New("not a video job")

// Store persists job history. Saves are fire-and-forget.
type Store interface {
	LoadJobs(ctx context.Context, kind imagine.JobKind) ([]imagine.Job, error)
	SaveJobs(kind imagine.JobKind, jobs []imagine.Job)
	ClearJobs(kind imagine.JobKind)
}

// Config wires a Registry.
type Config struct {
	Capacity int
	Store    Store
	Emitter  progress.Emitter
	Clock    imagine.Clock
	Logger   *zap.Logger
	// OnReady is called, outside the registry lock, whenever a job enters
	// the ready state.
	OnReady func(job imagine.Job)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[imagine.JobKind][]imagine.Job
	active   string
	capacity int
	store    Store
	emitter  progress.Emitter
	clock    imagine.Clock
	logger   *zap.Logger
	onReady  func(imagine.Job)
}

// New constructs an empty Registry.
func New(cfg Config) *Registry {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		jobs:     make(map[imagine.JobKind][]imagine.Job),
		capacity: cfg.Capacity,
		store:    cfg.Store,
		emitter:  cfg.Emitter,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		onReady:  cfg.OnReady,
	}
}

// Load replaces the history with the persisted collections. The first
// processing video job becomes active.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	loaded := make(map[imagine.JobKind][]imagine.Job, 2)
	for _, kind := range []imagine.JobKind{imagine.JobKindVideo, imagine.JobKindImage} {
		jobs, err := r.store.LoadJobs(ctx, kind)
		if err != nil {
			return fmt.Errorf("load job registry: %w", err)
		}
		if len(jobs) > r.capacity {
			jobs = jobs[:r.capacity]
		}
		loaded[kind] = jobs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = loaded
	r.active = ""
	for _, job := range loaded[imagine.JobKindVideo] {
		if job.Status == imagine.JobStatusProcessing {
			r.active = job.ID
			break
		}
	}
	r.logger.Info("job registry loaded",
		zap.Int("video", len(loaded[imagine.JobKindVideo])),
		zap.Int("image", len(loaded[imagine.JobKindImage])),
		zap.String("active", r.active),
	)
	return nil
}

// Create records job at the front of its kind's history, replacing any
// existing job with the same id, and truncates the history to capacity.
// A processing video job becomes the active job.
func (r *Registry) Create(job imagine.Job) (imagine.Job, error) {
	if !job.Kind.Valid() {
		return imagine.Job{}, fmt.Errorf("create job: unknown kind %q", job.Kind)
	}
	if job.ID == "" {
		return imagine.Job{}, errors.New("create job: id is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.now()
	}
	if job.Status == "" {
		job.Status = imagine.JobStatusProcessing
	}
	job = job.Clone()

	r.mu.Lock()
	current := r.jobs[job.Kind]
	next := make([]imagine.Job, 0, len(current)+1)
	next = append(next, job)
	for _, existing := range current {
		if existing.ID != job.ID {
			next = append(next, existing)
		}
	}
	if len(next) > r.capacity {
		next = next[:r.capacity]
	}
	r.jobs[job.Kind] = next
	if job.Kind == imagine.JobKindVideo && job.Status == imagine.JobStatusProcessing {
		r.active = job.ID
	}
	r.persistLocked(job.Kind)
	r.mu.Unlock()

	r.emit(job, progress.StageJobCreated)
	r.transitioned(imagine.JobStatusProcessing, job)
	return job.Clone(), nil
}

// Get returns the job with id.
func (r *Registry) Get(id string) (imagine.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, idx, job := r.findLocked(id)
	if idx < 0 {
		return imagine.Job{}, false
	}
	return job.Clone(), true
}

// List returns the history of kind, most recent first.
func (r *Registry) List(kind imagine.JobKind) []imagine.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jobs := r.jobs[kind]
	out := make([]imagine.Job, len(jobs))
	for i, job := range jobs {
		out[i] = job.Clone()
	}
	return out
}

// Update applies transform to a copy of the job and stores the result. If
// transform returns an error nothing changes and the error is returned.
func (r *Registry) Update(id string, transform func(job *imagine.Job) error) (imagine.Job, error) {
	r.mu.Lock()
	kind, idx, current := r.findLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return imagine.Job{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	updated := current.Clone()
	if err := transform(&updated); err != nil {
		r.mu.Unlock()
		return current.Clone(), err
	}
	updated.ID, updated.Kind = current.ID, current.Kind

	next := append([]imagine.Job(nil), r.jobs[kind]...)
	next[idx] = updated
	r.jobs[kind] = next
	r.persistLocked(kind)
	r.mu.Unlock()

	r.transitioned(current.Status, updated)
	return updated.Clone(), nil
}

// Clear drops the history of kind.
func (r *Registry) Clear(kind imagine.JobKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, kind)
	if kind == imagine.JobKindVideo {
		r.active = ""
	}
	if r.store != nil {
		r.store.ClearJobs(kind)
	}
}

// Active returns the id of the video job currently targeted by polling.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// SetActive designates id as the active video job. An empty id clears it.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		r.active = ""
		return nil
	}
	kind, idx, _ := r.findLocked(id)
	if idx < 0 {
		return fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	if kind != imagine.JobKindVideo {
		return fmt.Errorf("job %q: %w", id, ErrNotVideo)
	}
	r.active = id
	return nil
}

func (r *Registry) findLocked(id string) (imagine.JobKind, int, imagine.Job) {
	for _, kind := range []imagine.JobKind{imagine.JobKindVideo, imagine.JobKindImage} {
		for i, job := range r.jobs[kind] {
			if job.ID == id {
				return kind, i, job
			}
		}
	}
	return "", -1, imagine.Job{}
}

func (r *Registry) persistLocked(kind imagine.JobKind) {
	if r.store == nil {
		return
	}
	jobs := r.jobs[kind]
	snapshot := make([]imagine.Job, len(jobs))
	for i, job := range jobs {
		snapshot[i] = job.Clone()
	}
	r.store.SaveJobs(kind, snapshot)
}

// transitioned emits lifecycle events for a status change and runs the ready hook.
func (r *Registry) transitioned(from imagine.JobStatus, job imagine.Job) {
	if from == job.Status {
		return
	}
	switch job.Status {
	case imagine.JobStatusReady:
		r.emit(job, progress.StageJobReady)
		if r.onReady != nil {
			r.onReady(job.Clone())
		}
	case imagine.JobStatusError:
		r.emit(job, progress.StageJobError)
	case imagine.JobStatusStopped:
		r.emit(job, progress.StageJobStopped)
	case imagine.JobStatusProcessing:
		r.emit(job, progress.StageJobResumed)
	}
}

func (r *Registry) emit(job imagine.Job, stage progress.Stage) {
	evt := progress.Event{
		JobID: job.ID,
		Kind:  string(job.Kind),
		TS:    r.now(),
		Stage: stage,
		KeyID: job.KeyID,
	}
	switch stage {
	case progress.StageJobReady, progress.StageJobError:
		if d := evt.TS.Sub(job.CreatedAt); d > 0 {
			evt.Dur = d
		}
		evt.Note = job.Error
	}
	r.emitter.Emit(evt)
}

func (r *Registry) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now()
}
