package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/keypool"
	"github.com/JakeFAU/imagine-orchestrator/internal/normalize"
	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
	"github.com/JakeFAU/imagine-orchestrator/internal/upstream"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("k%d", s.n), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// newPool returns a pool whose enabled order is credentials[0], credentials[1], ...
func newPool(t *testing.T, credentials ...string) (*keypool.Pool, []imagine.KeyEntry) {
	t.Helper()
	pool := keypool.New(keypool.Config{IDs: &seqIDs{}})
	for i := len(credentials) - 1; i >= 0; i-- {
		_, added, err := pool.Add("", credentials[i])
		require.NoError(t, err)
		require.True(t, added)
	}
	enabled := pool.Enabled()
	require.Len(t, enabled, len(credentials))
	return pool, enabled
}

func respond(status int, body string) imagine.Response {
	return imagine.Response{OK: status >= 200 && status < 300, Status: status, Data: normalize.Decode([]byte(body))}
}

// scripted answers per credential; missing credentials answer 200.
func scripted(statuses map[string]int, calls *[]string) Attempt {
	return func(_ context.Context, key imagine.KeyEntry) (imagine.Response, error) {
		*calls = append(*calls, key.Credential)
		status, ok := statuses[key.Credential]
		if !ok {
			status = http.StatusOK
		}
		if status >= 400 {
			return respond(status, `{"error":"status `+fmt.Sprint(status)+`"}`), nil
		}
		return respond(status, `{"request_id":"req-`+key.Credential+`"}`), nil
	}
}

func TestDispatchRotatesPastRejectedCredentials(t *testing.T) {
	t.Parallel()

	pool, enabled := newPool(t, "xai-first-credential", "xai-second-credential", "xai-third-credential")
	emitter := &recordingEmitter{}
	d := New(Config{Pool: pool, Emitter: emitter})

	var calls []string
	res, err := d.Dispatch(context.Background(), "video submit", scripted(map[string]int{
		"xai-first-credential":  http.StatusUnauthorized,
		"xai-second-credential": http.StatusUnauthorized,
	}, &calls))
	require.NoError(t, err)

	assert.Equal(t, []string{"xai-first-credential", "xai-second-credential", "xai-third-credential"}, calls)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, enabled[2].ID, res.KeyID)
	id, _ := res.Response.Data.Get("request_id").Str()
	assert.Equal(t, "req-xai-third-credential", id)

	for i, want := range []imagine.KeyHealth{imagine.KeyHealthInvalid, imagine.KeyHealthInvalid, imagine.KeyHealthOK} {
		got, ok := pool.Get(enabled[i].ID)
		require.True(t, ok)
		assert.Equal(t, want, got.Health, "credential %d", i)
	}
	first, _ := pool.Get(enabled[0].ID)
	assert.Equal(t, "status 401", first.LastError)
	require.NotNil(t, first.LastCheckedAt)

	assert.Equal(t, 0, pool.Cursor(), "3 attempts mod 3")
	require.Len(t, emitter.events, 3)
	assert.Equal(t, progress.Status4xx, emitter.events[0].StatusClass)
	assert.Equal(t, progress.Status2xx, emitter.events[2].StatusClass)
}

func TestDispatchCursorTracksTotalAttempts(t *testing.T) {
	t.Parallel()

	pool, _ := newPool(t, "xai-a-credential", "xai-b-credential", "xai-c-credential")
	d := New(Config{Pool: pool})

	statuses := map[string]int{"xai-b-credential": http.StatusTooManyRequests}
	total := 0
	for i := 0; i < 7; i++ {
		var calls []string
		res, err := d.Dispatch(context.Background(), "op", scripted(statuses, &calls))
		require.NoError(t, err)
		total += res.Attempts
		assert.Equal(t, total%3, pool.Cursor())
	}
	assert.Greater(t, total, 7)
}

func TestDispatchAbortsOnNonRotatableFailure(t *testing.T) {
	t.Parallel()

	pool, enabled := newPool(t, "xai-a-credential", "xai-b-credential")
	d := New(Config{Pool: pool})

	var calls []string
	res, err := d.Dispatch(context.Background(), "op", scripted(map[string]int{
		"xai-a-credential": http.StatusBadRequest,
	}, &calls))
	var statusErr *upstream.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Status)
	assert.Equal(t, "status 400", statusErr.Message)
	assert.Len(t, calls, 1)
	assert.Equal(t, 1, res.Attempts)

	got, _ := pool.Get(enabled[0].ID)
	assert.Equal(t, imagine.KeyHealthError, got.Health)
	assert.Equal(t, 1, pool.Cursor(), "a failed dispatch still advances rotation")
}

func TestDispatchSingleCredentialDoesNotRetry(t *testing.T) {
	t.Parallel()

	pool, enabled := newPool(t, "xai-only-credential")
	d := New(Config{Pool: pool})

	var calls []string
	_, err := d.Dispatch(context.Background(), "op", scripted(map[string]int{
		"xai-only-credential": http.StatusTooManyRequests,
	}, &calls))
	require.Error(t, err)
	assert.Len(t, calls, 1)
	got, _ := pool.Get(enabled[0].ID)
	assert.Equal(t, imagine.KeyHealthRateLimited, got.Health)
	assert.Equal(t, 0, pool.Cursor())
}

func TestDispatchExhaustedSurfacesLastError(t *testing.T) {
	t.Parallel()

	pool, _ := newPool(t, "xai-a-credential", "xai-b-credential")
	d := New(Config{Pool: pool})

	var calls []string
	_, err := d.Dispatch(context.Background(), "op", scripted(map[string]int{
		"xai-a-credential": http.StatusForbidden,
		"xai-b-credential": http.StatusTooManyRequests,
	}, &calls))
	var statusErr *upstream.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Status)
	assert.Len(t, calls, 2)
}

func TestDispatchWithoutCredentials(t *testing.T) {
	t.Parallel()

	pool := keypool.New(keypool.Config{IDs: &seqIDs{}})
	var calls []string

	_, err := New(Config{Pool: pool}).Dispatch(context.Background(), "op", scripted(nil, &calls))
	require.ErrorIs(t, err, ErrNoCredential)
	assert.Empty(t, calls)

	res, err := New(Config{Pool: pool, AllowAnonymous: true}).Dispatch(context.Background(), "op", scripted(nil, &calls))
	require.NoError(t, err)
	assert.Equal(t, []string{""}, calls)
	assert.Empty(t, res.KeyID)
}

func TestDispatchTransportErrorLeavesHealth(t *testing.T) {
	t.Parallel()

	pool, enabled := newPool(t, "xai-a-credential", "xai-b-credential")
	d := New(Config{Pool: pool})

	boom := errors.New("connection reset")
	_, err := d.Dispatch(context.Background(), "op", func(context.Context, imagine.KeyEntry) (imagine.Response, error) {
		return imagine.Response{}, boom
	})
	require.ErrorIs(t, err, boom)
	got, _ := pool.Get(enabled[0].ID)
	assert.Equal(t, imagine.KeyHealthUnknown, got.Health)
	assert.Equal(t, 1, pool.Cursor())
}

func TestDispatchHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	pool, _ := newPool(t, "xai-a-credential")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls []string
	_, err := New(Config{Pool: pool}).Dispatch(ctx, "op", scripted(nil, &calls))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, calls)
}
