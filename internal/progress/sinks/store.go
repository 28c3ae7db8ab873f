package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
)

// JobTransition is one lifecycle milestone of a job.
type JobTransition struct {
	JobID string
	Kind  string
	Stage progress.Stage
	At    time.Time
	Note  string
}

// KeyUsage aggregates dispatch attempts through one credential.
type KeyUsage struct {
	KeyID    string
	Attempts int64
	Failures int64
	LastAt   time.Time
}

// EventRepository persists job transitions and credential usage.
type EventRepository interface {
	AppendTransitions(ctx context.Context, transitions []JobTransition) error
	UpsertKeyUsage(ctx context.Context, usage KeyUsage) error
}

// StoreSink persists progress via an EventRepository. Dispatch attempts are
// collapsed per credential to reduce write amplification.
type StoreSink struct {
	repo   EventRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo EventRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events and per-key usage deltas to the
// repository. It respects ctx deadlines and returns repository errors.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var transitions []JobTransition
	usage := make(map[string]*KeyUsage)
	order := make([]string, 0)

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageDispatchAttempt:
			u := usage[evt.KeyID]
			if u == nil {
				u = &KeyUsage{KeyID: evt.KeyID}
				usage[evt.KeyID] = u
				order = append(order, evt.KeyID)
			}
			u.Attempts++
			if evt.StatusClass != progress.Status2xx {
				u.Failures++
			}
			if evt.TS.After(u.LastAt) {
				u.LastAt = evt.TS
			}
		case progress.StageJobCreated, progress.StageJobReady, progress.StageJobError,
			progress.StageJobStopped, progress.StageJobResumed, progress.StageMediaArchived:
			transitions = append(transitions, JobTransition{
				JobID: evt.JobID,
				Kind:  evt.Kind,
				Stage: evt.Stage,
				At:    evt.TS,
				Note:  evt.Note,
			})
		}
	}

	if len(transitions) > 0 {
		if err := s.repo.AppendTransitions(ctx, transitions); err != nil {
			return fmt.Errorf("append job transitions: %w", err)
		}
	}
	for _, keyID := range order {
		if err := s.repo.UpsertKeyUsage(ctx, *usage[keyID]); err != nil {
			return fmt.Errorf("upsert key usage: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
