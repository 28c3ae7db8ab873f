// Package storage persists orchestrator state (jobs, credentials, and the
// rotation cursor) as versioned documents in a pluggable key/value backend.
//
// Reads happen once at startup. Writes go through a Mirror that coalesces
// snapshots and writes them in the background; failures are logged and
// never reach the caller.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Provider when a document does not exist.
var ErrNotFound = errors.New("state not found")

// Provider is a minimal document store keyed by fixed identifiers.
type Provider interface {
	// Load returns the stored document or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// Save replaces the document stored under key.
	Save(ctx context.Context, key string, data []byte) error
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
