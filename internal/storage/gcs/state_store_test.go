package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	appstorage "github.com/JakeFAU/imagine-orchestrator/internal/storage"
)

type fakeObjects struct {
	data     map[string][]byte
	writeErr error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{data: map[string][]byte{}}
}

func (f *fakeObjects) read(_ context.Context, name string) ([]byte, error) {
	data, ok := f.data[name]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return data, nil
}

func (f *fakeObjects) write(_ context.Context, name string, data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.data[name] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjects) remove(_ context.Context, name string) error {
	if _, ok := f.data[name]; !ok {
		return storage.ErrObjectNotExist
	}
	delete(f.data, name)
	return nil
}

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestStateStoreRoundTrip(t *testing.T) {
	t.Parallel()

	objs := newFakeObjects()
	store := newStateStore(objs, "/state/")
	ctx := context.Background()

	_, err := store.Load(ctx, "jobs:video")
	require.ErrorIs(t, err, appstorage.ErrNotFound)

	require.NoError(t, store.Save(ctx, "jobs:video", []byte(`{"version":1}`)))
	require.Contains(t, objs.data, "state/jobs_video.json")

	data, err := store.Load(ctx, "jobs:video")
	require.NoError(t, err)
	require.JSONEq(t, `{"version":1}`, string(data))

	require.NoError(t, store.Delete(ctx, "jobs:video"))
	require.NoError(t, store.Delete(ctx, "jobs:video"))
	require.Empty(t, objs.data)
}

func TestStateStoreWrapsWriteErrors(t *testing.T) {
	t.Parallel()

	objs := newFakeObjects()
	objs.writeErr = errors.New("quota exceeded")
	store := newStateStore(objs, "")

	err := store.Save(context.Background(), "keys", []byte(`[]`))
	require.ErrorContains(t, err, "write gcs object keys.json")
	require.ErrorContains(t, err, "quota exceeded")
}

func TestNewStateStoreChecksBucket(t *testing.T) {
	t.Parallel()

	bucketName := "imagine-state"
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{
			Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				assert.Contains(t, r.URL.Path, fmt.Sprintf("/storage/v1/b/%s", bucketName))
				return &http.Response{
					StatusCode: http.StatusOK,
					Body:       io.NopCloser(strings.NewReader(`{}`)),
					Header:     make(http.Header),
					Request:    r,
				}, nil
			}),
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewStateStore(context.Background(), client, StateConfig{Bucket: bucketName, Prefix: "state"})
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestNewStateStoreBucketError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = NewStateStore(context.Background(), client, StateConfig{Bucket: "missing"})
	require.ErrorContains(t, err, `get gcs bucket "missing" attributes`)
}

func TestNewStateStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewStateStore(context.Background(), nil, StateConfig{Bucket: "b"})
	require.ErrorContains(t, err, "storage client is required")
}

func TestBucketObjectsWriteUploads(t *testing.T) {
	t.Parallel()

	bucketName := "imagine-state"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucketName))
		assert.Equal(t, "state/keys.json", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `[{"id":"k1"}]`)
		fmt.Fprintln(w, `{ "name": "state/keys.json" }`)
	}))
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := newStateStore(bucketObjects{bucket: client.Bucket(bucketName)}, "state")
	require.NoError(t, store.Save(context.Background(), "keys", []byte(`[{"id":"k1"}]`)))
}
