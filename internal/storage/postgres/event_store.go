package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
	"github.com/JakeFAU/imagine-orchestrator/internal/progress/sinks"
)

// EventStore implements sinks.EventRepository on the state store's pool.
type EventStore struct {
	pool pool
}

// NewEventStore wraps an existing pool.
func NewEventStore(p pool) *EventStore {
	return &EventStore{pool: p}
}

// Events returns an EventStore sharing the state store's pool.
func (s *StateStore) Events() *EventStore {
	return NewEventStore(s.pool)
}

// EnsureSchema creates the transition and key usage tables.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS imagine_job_transitions (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	at TIMESTAMPTZ NOT NULL,
	note TEXT
)`,
		`CREATE INDEX IF NOT EXISTS imagine_job_transitions_job_idx ON imagine_job_transitions (job_id, at)`,
		`CREATE TABLE IF NOT EXISTS imagine_key_usage (
	key_id TEXT PRIMARY KEY,
	attempts BIGINT NOT NULL DEFAULT 0,
	failures BIGINT NOT NULL DEFAULT 0,
	last_at TIMESTAMPTZ NOT NULL
)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create event tables: %w", err)
		}
	}
	return nil
}

// AppendTransitions inserts one row per transition.
func (s *EventStore) AppendTransitions(ctx context.Context, transitions []sinks.JobTransition) error {
	query := `
		INSERT INTO imagine_job_transitions (job_id, kind, stage, at, note)
		VALUES ($1, $2, $3, $4, $5);
	`
	for _, tr := range transitions {
		var note *string
		if tr.Note != "" {
			n := tr.Note
			note = &n
		}
		if _, err := s.pool.Exec(ctx, query, tr.JobID, tr.Kind, string(tr.Stage), tr.At, note); err != nil {
			return fmt.Errorf("insert job transition: %w", err)
		}
	}
	return nil
}

// UpsertKeyUsage adds the usage deltas to the credential's running totals.
func (s *EventStore) UpsertKeyUsage(ctx context.Context, usage sinks.KeyUsage) error {
	query := `
		INSERT INTO imagine_key_usage (key_id, attempts, failures, last_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key_id) DO UPDATE
		SET attempts = imagine_key_usage.attempts + EXCLUDED.attempts,
			failures = imagine_key_usage.failures + EXCLUDED.failures,
			last_at = GREATEST(imagine_key_usage.last_at, EXCLUDED.last_at);
	`
	if _, err := s.pool.Exec(ctx, query, usage.KeyID, usage.Attempts, usage.Failures, usage.LastAt); err != nil {
		return fmt.Errorf("upsert key usage: %w", err)
	}
	return nil
}

// ListTransitions returns the recorded transitions of jobID, oldest first.
func (s *EventStore) ListTransitions(ctx context.Context, jobID string, limit, offset int) ([]sinks.JobTransition, error) {
	query := `
		SELECT job_id, kind, stage, at, COALESCE(note, '')
		FROM imagine_job_transitions
		WHERE job_id = $1
		ORDER BY at, id
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query job transitions: %w", err)
	}
	defer rows.Close()

	var out []sinks.JobTransition
	for rows.Next() {
		var (
			tr    sinks.JobTransition
			stage string
		)
		if err := rows.Scan(&tr.JobID, &tr.Kind, &stage, &tr.At, &tr.Note); err != nil {
			return nil, fmt.Errorf("scan job transition: %w", err)
		}
		tr.Stage = progress.Stage(stage)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job transitions: %w", err)
	}
	return out, nil
}

// ListKeyUsage returns credential usage totals, most recently used first.
func (s *EventStore) ListKeyUsage(ctx context.Context, limit, offset int) ([]sinks.KeyUsage, error) {
	query := `
		SELECT key_id, attempts, failures, last_at
		FROM imagine_key_usage
		ORDER BY last_at DESC
		LIMIT $1 OFFSET $2;
	`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query key usage: %w", err)
	}
	defer rows.Close()

	var out []sinks.KeyUsage
	for rows.Next() {
		var (
			u      sinks.KeyUsage
			lastAt time.Time
		)
		if err := rows.Scan(&u.KeyID, &u.Attempts, &u.Failures, &lastAt); err != nil {
			return nil, fmt.Errorf("scan key usage: %w", err)
		}
		u.LastAt = lastAt.UTC()
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key usage: %w", err)
	}
	return out, nil
}
