package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
)

// State is the typed view over a Provider used by the key pool and the job
// registry. Loads are synchronous; saves are handed to a Mirror.
type State struct {
	provider Provider
	mirror   *Mirror
	codec    Codec
	ids      imagine.IDGenerator
	logger   *zap.Logger
}

// NewState wraps provider. ids fills in missing credential ids on load.
func NewState(provider Provider, codec Codec, ids imagine.IDGenerator, logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{
		provider: provider,
		mirror:   NewMirror(provider, logger.Named("mirror")),
		codec:    codec,
		ids:      ids,
		logger:   logger,
	}
}

// LoadJobs reads the persisted jobs of kind, most recent first.
func (s *State) LoadJobs(ctx context.Context, kind imagine.JobKind) ([]imagine.Job, error) {
	data, err := s.provider.Load(ctx, JobsKey(kind))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s jobs: %w", kind, err)
	}
	return s.codec.DecodeJobs(kind, data)
}

// SaveJobs schedules a snapshot of jobs.
func (s *State) SaveJobs(kind imagine.JobKind, jobs []imagine.Job) {
	data, err := s.codec.EncodeJobs(kind, jobs)
	if err != nil {
		s.logger.Warn("encode jobs failed", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	s.mirror.Put(JobsKey(kind), data)
}

// ClearJobs schedules removal of the jobs of kind.
func (s *State) ClearJobs(kind imagine.JobKind) {
	s.mirror.Remove(JobsKey(kind))
}

// LoadKeys reads the persisted credentials.
func (s *State) LoadKeys(ctx context.Context) ([]imagine.KeyEntry, error) {
	data, err := s.provider.Load(ctx, KeyKeys)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	return s.codec.DecodeKeys(data, s.newID)
}

// SaveKeys schedules a snapshot of the credential pool.
func (s *State) SaveKeys(entries []imagine.KeyEntry) {
	data, err := s.codec.EncodeKeys(entries)
	if err != nil {
		s.logger.Warn("encode keys failed", zap.Error(err))
		return
	}
	s.mirror.Put(KeyKeys, data)
}

// LoadCursor reads the rotation cursor; a missing cursor is 0.
func (s *State) LoadCursor(ctx context.Context) (int, error) {
	data, err := s.provider.Load(ctx, KeyCursor)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return s.codec.DecodeCursor(data), nil
}

// SaveCursor schedules the rotation cursor.
func (s *State) SaveCursor(cursor int) {
	s.mirror.Put(KeyCursor, s.codec.EncodeCursor(cursor))
}

// Flush waits for scheduled writes to reach the provider.
func (s *State) Flush(ctx context.Context) error {
	return s.mirror.Flush(ctx)
}

// Close drains pending writes.
func (s *State) Close(ctx context.Context) error {
	return s.mirror.Close(ctx)
}

func (s *State) newID() string {
	if s.ids == nil {
		return ""
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("id generation failed", zap.Error(err))
		return ""
	}
	return id
}
