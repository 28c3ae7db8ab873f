package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	appstorage "github.com/JakeFAU/imagine-orchestrator/internal/storage"
)

// StateConfig selects the bucket and object prefix for state documents.
type StateConfig struct {
	Bucket string
	Prefix string
}

// objects is the slice of a bucket the state store touches.
type objects interface {
	read(ctx context.Context, name string) ([]byte, error)
	write(ctx context.Context, name string, data []byte) error
	remove(ctx context.Context, name string) error
}

// StateStore keeps each state document as one JSON object.
type StateStore struct {
	objects objects
	prefix  string
}

// NewStateStore verifies the bucket is reachable so a misconfigured
// deployment fails at startup rather than on the first background write.
func NewStateStore(ctx context.Context, client *storage.Client, cfg StateConfig) (*StateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	bkt := client.Bucket(cfg.Bucket)
	if _, err := bkt.Attrs(ctx); err != nil {
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", cfg.Bucket, err)
	}
	return newStateStore(bucketObjects{bucket: bkt}, cfg.Prefix), nil
}

func newStateStore(objs objects, prefix string) *StateStore {
	return &StateStore{objects: objs, prefix: strings.Trim(strings.TrimSpace(prefix), "/")}
}

func (s *StateStore) name(key string) string {
	file := strings.NewReplacer(":", "_", "/", "_").Replace(key) + ".json"
	if s.prefix == "" {
		return file
	}
	return path.Join(s.prefix, file)
}

// Load downloads the document for key.
func (s *StateStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.objects.read(ctx, s.name(key))
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, appstorage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read gcs object %s: %w", s.name(key), err)
	}
	return data, nil
}

// Save replaces the document for key.
func (s *StateStore) Save(ctx context.Context, key string, data []byte) error {
	if err := s.objects.write(ctx, s.name(key), data); err != nil {
		return fmt.Errorf("write gcs object %s: %w", s.name(key), err)
	}
	return nil
}

// Delete removes the document for key.
func (s *StateStore) Delete(ctx context.Context, key string) error {
	err := s.objects.remove(ctx, s.name(key))
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete gcs object %s: %w", s.name(key), err)
	}
	return nil
}

type bucketObjects struct {
	bucket *storage.BucketHandle
}

func (b bucketObjects) read(ctx context.Context, name string) ([]byte, error) {
	r, err := b.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (b bucketObjects) write(ctx context.Context, name string, data []byte) error {
	wc := b.bucket.Object(name).NewWriter(ctx)
	wc.ContentType = "application/json"
	if _, err := wc.Write(data); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			return errors.Join(err, closeErr)
		}
		return err
	}
	return wc.Close()
}

func (b bucketObjects) remove(ctx context.Context, name string) error {
	return b.bucket.Object(name).Delete(ctx)
}
