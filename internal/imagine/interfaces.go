package imagine

import (
	"context"
	"io"
	"time"
)

// Upstream is the transport to the generative API.
type Upstream interface {
	Submit(ctx context.Context, endpoint string, payload []byte, credential string) (Response, error)
	QueryStatus(ctx context.Context, requestID string, credential string) (Response, error)
	ListModels(ctx context.Context, credential string) (Response, error)
}

// BlobStore writes archived media and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes archive events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for archive work. TryEnqueue
// never blocks and reports whether the item was accepted.
type Queue interface {
	Enqueue(ctx context.Context, item ArchiveItem) error
	TryEnqueue(item ArchiveItem) bool
	Dequeue(ctx context.Context) (ArchiveItem, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
