// Package archive copies the media of ready jobs into a blob store and
// announces every stored object. Archiving is best effort: failures are
// logged and never change a job's status.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/metrics"
	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
	"github.com/JakeFAU/imagine-orchestrator/internal/upstream"
)

// Defaults for Config.
const (
	DefaultWorkers = 2
	DefaultPrefix  = "media"
	DefaultTopic   = "archive"
	DefaultRetries = 2
	DefaultBackoff = 500 * time.Millisecond
)

// Registry is the job store the archiver reads and annotates.
type Registry interface {
	Get(id string) (imagine.Job, bool)
	Update(id string, transform func(job *imagine.Job) error) (imagine.Job, error)
}

// Downloader fetches a media URL or decodes a data URI.
type Downloader interface {
	Download(ctx context.Context, source string) ([]byte, string, error)
}

// Config wires an Archiver.
type Config struct {
	Workers int
	Prefix  string
	Topic   string
	// Retries is the number of extra download attempts after a transient failure.
	Retries int
	Backoff time.Duration

	Queue      imagine.Queue
	Blobs      imagine.BlobStore
	Publisher  imagine.Publisher
	Hasher     imagine.Hasher
	Downloader Downloader
	Registry   Registry
	Clock      imagine.Clock
	Emitter    progress.Emitter
	Logger     *zap.Logger
}

// Archiver consumes archive items with a fixed set of workers.
type Archiver struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs an Archiver.
func New(cfg Config) *Archiver {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	cfg.Prefix = strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Archiver{cfg: cfg, logger: cfg.Logger}
}

// Enqueue schedules a ready job's results. It never blocks; when the queue
// is full the job is skipped.
func (a *Archiver) Enqueue(job imagine.Job) {
	urls := job.Results()
	if len(urls) == 0 {
		return
	}
	item := imagine.ArchiveItem{JobID: job.ID, Kind: job.Kind, URLs: urls}
	if !a.cfg.Queue.TryEnqueue(item) {
		a.logger.Warn("archive queue full, skipping job", zap.String("job_id", job.ID))
		metrics.ObserveArchive("dropped")
		return
	}
	a.logger.Debug("archive queued", zap.String("job_id", job.ID), zap.Int("objects", len(urls)))
}

// Run blocks, consuming the queue with the configured number of workers
// until ctx ends or the queue is closed.
func (a *Archiver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			a.work(ctx, worker)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("archive workers: %w", err)
	}
	return nil
}

func (a *Archiver) work(ctx context.Context, worker int) {
	logger := a.logger.With(zap.Int("worker", worker))
	for {
		item, err := a.cfg.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("archive queue drained", zap.Error(err))
			}
			return
		}
		a.Process(ctx, item)
	}
}

// Process archives every URL of item and records the blob URIs on the job.
func (a *Archiver) Process(ctx context.Context, item imagine.ArchiveItem) []string {
	logger := a.logger.With(zap.String("job_id", item.JobID))
	if _, ok := a.cfg.Registry.Get(item.JobID); !ok {
		logger.Debug("archive skipped, job gone")
		return nil
	}

	var uris []string
	for _, source := range item.URLs {
		uri, err := a.archiveOne(ctx, item, source)
		if err != nil {
			logger.Warn("archive failed", zap.String("source", redact(source)), zap.Error(err))
			metrics.ObserveArchive("failed")
			continue
		}
		metrics.ObserveArchive("stored")
		uris = append(uris, uri)
	}
	if len(uris) == 0 {
		return nil
	}

	_, err := a.cfg.Registry.Update(item.JobID, func(job *imagine.Job) error {
		job.Archived = appendUnique(job.Archived, uris...)
		return nil
	})
	if err != nil {
		logger.Warn("record archived media failed", zap.Error(err))
	}
	return uris
}

func (a *Archiver) archiveOne(ctx context.Context, item imagine.ArchiveItem, source string) (string, error) {
	start := time.Now()
	data, contentType, err := a.download(ctx, source)
	if err != nil {
		return "", err
	}
	digest, err := a.cfg.Hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash media: %w", err)
	}

	objectPath := ObjectPath(a.cfg.Prefix, item.Kind, item.JobID, digest, Extension(contentType, source, item.Kind))
	uri, err := a.cfg.Blobs.PutObject(ctx, objectPath, contentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("store media: %w", err)
	}

	evt := imagine.ArchiveEvent{
		JobID:      item.JobID,
		Kind:       item.Kind,
		SourceURL:  redact(source),
		BlobURI:    uri,
		SHA256:     digest,
		ArchivedAt: a.now(),
	}
	if a.cfg.Publisher != nil {
		if _, err := a.cfg.Publisher.Publish(ctx, a.cfg.Topic, evt); err != nil {
			a.logger.Warn("archive notification failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}
	a.cfg.Emitter.Emit(progress.Event{
		JobID: item.JobID,
		Kind:  string(item.Kind),
		Stage: progress.StageMediaArchived,
		Dur:   time.Since(start),
		Note:  uri,
	})
	return uri, nil
}

// download retries transport failures and 5xx/429 responses.
func (a *Archiver) download(ctx context.Context, source string) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt <= a.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, "", fmt.Errorf("download media: %w", ctx.Err())
			case <-time.After(a.cfg.Backoff * time.Duration(attempt)):
			}
		}
		data, contentType, err := a.cfg.Downloader.Download(ctx, source)
		if err == nil {
			return data, contentType, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, "", fmt.Errorf("download media: %w", lastErr)
}

func retryable(err error) bool {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status == http.StatusTooManyRequests || statusErr.Status >= http.StatusInternalServerError
	}
	return !errors.Is(err, upstream.ErrInvalidDataURI)
}

func (a *Archiver) now() time.Time {
	if a.cfg.Clock == nil {
		return time.Now().UTC()
	}
	return a.cfg.Clock.Now()
}

// ObjectPath lays out archived media as <prefix>/<kind>/<job id>/<sha256>.<ext>.
func ObjectPath(prefix string, kind imagine.JobKind, jobID, digest, ext string) string {
	return fmt.Sprintf("%s/%s/%s/%s.%s", prefix, kind, url.PathEscape(jobID), digest, ext)
}

var extensions = map[string]string{
	"video/mp4":       "mp4",
	"video/webm":      "webm",
	"video/quicktime": "mov",
	"image/png":       "png",
	"image/jpeg":      "jpg",
	"image/webp":      "webp",
	"image/gif":       "gif",
}

// Extension picks a file extension from the content type, then the source
// URL's path, then the job kind.
func Extension(contentType, source string, kind imagine.JobKind) string {
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if ext, ok := extensions[mediaType]; ok {
		return ext
	}
	if u, err := url.Parse(source); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
		if len(ext) >= 2 && len(ext) <= 4 {
			return ext
		}
	}
	if kind == imagine.JobKindVideo {
		return "mp4"
	}
	return "png"
}

// redact keeps data URIs and signed query strings out of logs and events.
func redact(source string) string {
	if strings.HasPrefix(strings.ToLower(source), "data:") {
		return "data:…"
	}
	if u, err := url.Parse(source); err == nil && u.RawQuery != "" {
		u.RawQuery = ""
		return u.String()
	}
	return source
}

func appendUnique(existing []string, values ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		existing = append(existing, v)
	}
	return existing
}
