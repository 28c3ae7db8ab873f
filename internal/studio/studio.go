// Package studio is the orchestration facade shared by the HTTP API and the
// CLI: it validates submissions, dispatches them through the key pool,
// records jobs and hands video jobs to the polling engine.
package studio

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/imagine-orchestrator/internal/health"
	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/keypool"
	"github.com/JakeFAU/imagine-orchestrator/internal/metrics"
	"github.com/JakeFAU/imagine-orchestrator/internal/normalize"
	"github.com/JakeFAU/imagine-orchestrator/internal/poller"
	"github.com/JakeFAU/imagine-orchestrator/internal/registry"
)

// DefaultMaxImages caps the images kept from one image response.
const DefaultMaxImages = 6

// NoImagesMessage is recorded on an image job whose response held no images.
const NoImagesMessage = "No image URLs returned."

// MissingRequestIDMessage reports a video start response without request_id.
const MissingRequestIDMessage = "xAI response missing request_id"

// Submitter posts a payload to an upstream endpoint.
type Submitter interface {
	Submit(ctx context.Context, endpoint string, payload []byte, credential string) (imagine.Response, error)
}

// Throttle releases pacing state kept for a credential. It is optional.
type Throttle interface {
	ForgetCredential(credential string)
}

// Config wires a Studio.
type Config struct {
	Pool       *keypool.Pool
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Poller     *poller.Engine
	// Health is optional; key checks fail without it.
	Health    *health.Checker
	Upstream  Submitter
	Throttle  Throttle
	IDs       imagine.IDGenerator
	MaxImages int
	Logger    *zap.Logger
}

// Studio is safe for concurrent use.
type Studio struct {
	pool       *keypool.Pool
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	poller     *poller.Engine
	health     *health.Checker
	upstream   Submitter
	throttle   Throttle
	ids        imagine.IDGenerator
	maxImages  int
	logger     *zap.Logger
}

// New constructs a Studio.
func New(cfg Config) *Studio {
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = DefaultMaxImages
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Studio{
		pool:       cfg.Pool,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		poller:     cfg.Poller,
		health:     cfg.Health,
		upstream:   cfg.Upstream,
		throttle:   cfg.Throttle,
		ids:        cfg.IDs,
		maxImages:  cfg.MaxImages,
		logger:     cfg.Logger,
	}
}

// SubmitVideo starts a deferred video job and makes it the active job.
func (s *Studio) SubmitVideo(ctx context.Context, in VideoInput) (imagine.Job, error) {
	req, err := in.Request()
	if err != nil {
		return imagine.Job{}, err
	}
	payload, err := req.Payload()
	if err != nil {
		return imagine.Job{}, err
	}

	var requestID string
	res, err := s.dispatcher.Dispatch(ctx, "video."+string(req.Mode), func(ctx context.Context, key imagine.KeyEntry) (imagine.Response, error) {
		resp, err := s.upstream.Submit(ctx, req.Endpoint(), payload, key.Credential)
		if err != nil || !resp.OK {
			return resp, err
		}
		id, ok := RequestID(resp.Data)
		if !ok {
			return missingRequestID(resp), nil
		}
		requestID = id
		return resp, nil
	})
	if err != nil {
		return imagine.Job{}, err
	}

	job, err := s.registry.Create(imagine.Job{
		ID:     requestID,
		Kind:   imagine.JobKindVideo,
		Mode:   req.Mode,
		Prompt: req.Prompt,
		Status: imagine.JobStatusProcessing,
		KeyID:  res.KeyID,
		Inputs: imagine.JobInputs{
			Model:       req.Model,
			Duration:    req.Duration,
			AspectRatio: req.AspectRatio,
			Resolution:  req.Resolution,
			ImageURL:    sourceHint(req.ImageURL),
			VideoURL:    req.VideoURL,
		},
		Raw: res.Response.Data,
	})
	if err != nil {
		return imagine.Job{}, fmt.Errorf("record video job: %w", err)
	}
	s.logger.Info("video job started",
		zap.String("job_id", job.ID),
		zap.String("mode", string(job.Mode)),
		zap.String("key_id", job.KeyID),
		zap.Int("attempts", res.Attempts),
	)
	if err := s.poller.Activate(job.ID); err != nil {
		return job, fmt.Errorf("activate video job: %w", err)
	}
	return job, nil
}

// SubmitImage runs an immediate image job. The job is recorded as ready
// with its images, or as error when the response held none.
func (s *Studio) SubmitImage(ctx context.Context, in ImageInput) (imagine.Job, error) {
	req, err := in.Request()
	if err != nil {
		return imagine.Job{}, err
	}
	if len(s.pool.Enabled()) == 0 {
		return imagine.Job{}, dispatcher.ErrNoCredential
	}
	payload, err := req.Payload()
	if err != nil {
		return imagine.Job{}, err
	}

	res, err := s.dispatcher.Dispatch(ctx, "image."+string(req.Mode), func(ctx context.Context, key imagine.KeyEntry) (imagine.Response, error) {
		return s.upstream.Submit(ctx, req.Endpoint(), payload, key.Credential)
	})
	if err != nil {
		return imagine.Job{}, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return imagine.Job{}, fmt.Errorf("generate image job id: %w", err)
	}
	images := normalize.ExtractImageURLs(res.Response.Data)
	if len(images) > s.maxImages {
		images = images[:s.maxImages]
	}
	job := imagine.Job{
		ID:     id,
		Kind:   imagine.JobKindImage,
		Mode:   req.Mode,
		Prompt: req.Prompt,
		Status: imagine.JobStatusReady,
		KeyID:  res.KeyID,
		Inputs: imagine.JobInputs{
			Model:          req.Model,
			ResponseFormat: req.ResponseFormat,
			Count:          req.Count,
			Resolution:     req.Resolution,
		},
		Images: images,
		Raw:    res.Response.Data,
	}
	if req.Mode == imagine.ModeEdit {
		job.Inputs.ImageURL = sourceHint(req.Image)
	} else {
		job.Inputs.AspectRatio = req.AspectRatio
	}
	if len(images) == 0 {
		job.Status = imagine.JobStatusError
		job.Error = NoImagesMessage
	}

	job, err = s.registry.Create(job)
	if err != nil {
		return imagine.Job{}, fmt.Errorf("record image job: %w", err)
	}
	s.logger.Info("image job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("images", len(job.Images)),
	)
	return job, nil
}

// RequestID reads the non-empty string request_id of a video start response.
func RequestID(data *normalize.Value) (string, bool) {
	id, ok := data.Get("request_id").Str()
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// missingRequestID turns a start response without request_id into a failed
// 502 response, so the credential is marked and the dispatch stops.
func missingRequestID(resp imagine.Response) imagine.Response {
	body := normalize.Object(
		normalize.Field("error", normalize.String(MissingRequestIDMessage)),
		normalize.Field("upstream", resp.Data),
	)
	return imagine.Response{OK: false, Status: http.StatusBadGateway, Data: body}
}

// Keys lists the pool.
func (s *Studio) Keys() []imagine.KeyEntry {
	return s.pool.List()
}

// AddKey adds one credential. added is false for blank or duplicate input.
func (s *Studio) AddKey(label, credential string) (imagine.KeyEntry, bool, error) {
	entry, added, err := s.pool.Add(label, credential)
	s.observePool()
	return entry, added, err
}

// ImportKeys adds every credential listed in text, one "label|key" or bare
// key per line.
func (s *Studio) ImportKeys(text string) ([]imagine.KeyEntry, error) {
	added, err := s.pool.Import(text)
	s.observePool()
	return added, err
}

// ToggleKey flips whether a credential takes part in rotation.
func (s *Studio) ToggleKey(id string) (imagine.KeyEntry, error) {
	entry, err := s.pool.Toggle(id)
	s.observePool()
	return entry, err
}

// RemoveKey deletes a credential. Jobs created with it can no longer poll.
func (s *Studio) RemoveKey(id string) error {
	entry, _ := s.pool.Get(id)
	if err := s.pool.Remove(id); err != nil {
		return err
	}
	s.forget(entry)
	s.observePool()
	return nil
}

// ClearKeys removes every credential and resets rotation.
func (s *Studio) ClearKeys() {
	s.forget(s.pool.Clear()...)
	s.observePool()
	s.logger.Info("key pool cleared")
}

// NextKey returns the credential the next dispatch starts from.
func (s *Studio) NextKey() (imagine.KeyEntry, bool) {
	return s.pool.Next()
}

// RotateKey skips the current rotation target.
func (s *Studio) RotateKey() (imagine.KeyEntry, bool) {
	return s.pool.Rotate()
}

func (s *Studio) forget(entries ...imagine.KeyEntry) {
	if s.throttle == nil {
		return
	}
	for _, e := range entries {
		if e.Credential != "" {
			s.throttle.ForgetCredential(e.Credential)
		}
	}
}

// CheckKey probes one credential.
func (s *Studio) CheckKey(ctx context.Context, id string) (imagine.KeyEntry, error) {
	if s.health == nil {
		return imagine.KeyEntry{}, fmt.Errorf("check key %q: health checks are not configured", id)
	}
	return s.health.Check(ctx, id)
}

// CheckAllKeys probes every credential.
func (s *Studio) CheckAllKeys(ctx context.Context) ([]imagine.KeyEntry, error) {
	if s.health == nil {
		return nil, fmt.Errorf("check keys: health checks are not configured")
	}
	return s.health.CheckAll(ctx)
}

// Jobs lists the history of kind, most recent first.
func (s *Studio) Jobs(kind imagine.JobKind) []imagine.Job {
	return s.registry.List(kind)
}

// Job returns one job of either kind.
func (s *Studio) Job(id string) (imagine.Job, error) {
	job, ok := s.registry.Get(id)
	if !ok {
		return imagine.Job{}, fmt.Errorf("job %q: %w", id, registry.ErrNotFound)
	}
	return job, nil
}

// ClearJobs drops the history of kind. Clearing video jobs stops polling.
func (s *Studio) ClearJobs(kind imagine.JobKind) error {
	if !kind.Valid() {
		return invalid("kind", "must be video or image")
	}
	if kind == imagine.JobKindVideo {
		if err := s.poller.Activate(""); err != nil {
			return err
		}
	}
	s.registry.Clear(kind)
	return nil
}

// ActiveJob returns the id of the job being polled, if any.
func (s *Studio) ActiveJob() string {
	return s.registry.Active()
}

// ActivateJob makes id the polled job.
func (s *Studio) ActivateJob(id string) (imagine.Job, error) {
	if err := s.poller.Activate(id); err != nil {
		return imagine.Job{}, err
	}
	return s.Job(id)
}

// StopJob pauses polling of a processing job.
func (s *Studio) StopJob(id string) (imagine.Job, error) {
	return s.poller.Stop(id)
}

// ResumeJob resumes polling of a stopped job.
func (s *Studio) ResumeJob(id string) (imagine.Job, error) {
	return s.poller.Resume(id)
}

// RefreshJob polls a job once.
func (s *Studio) RefreshJob(ctx context.Context, id string) (imagine.Job, error) {
	return s.poller.RefreshOnce(ctx, id)
}

func (s *Studio) observePool() {
	metrics.SetKeyPool(len(s.pool.List()), len(s.pool.Enabled()))
}
