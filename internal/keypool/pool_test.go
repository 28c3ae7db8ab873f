package keypool_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/keypool"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("key-%d", s.n), nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeStore struct {
	mu      sync.Mutex
	keys    []imagine.KeyEntry
	cursor  int
	saves   int
	cursors []int
}

func (f *fakeStore) LoadKeys(context.Context) ([]imagine.KeyEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]imagine.KeyEntry(nil), f.keys...), nil
}

func (f *fakeStore) LoadCursor(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor, nil
}

func (f *fakeStore) SaveKeys(entries []imagine.KeyEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = entries
	f.saves++
}

func (f *fakeStore) SaveCursor(cursor int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = cursor
	f.cursors = append(f.cursors, cursor)
}

func newPool(t *testing.T, store *fakeStore) *keypool.Pool {
	t.Helper()
	return keypool.New(keypool.Config{
		Store: store,
		IDs:   &seqIDs{},
		Clock: fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	})
}

func TestAddInsertsAtFrontWithMaskedLabel(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	pool := newPool(t, store)

	first, added, err := pool.Add("", "  xai-aaaaaaaaaaaa1111  ")
	require.NoError(t, err)
	require.True(t, added)
	assert.Equal(t, "xai-aaaaaaaaaaaa1111", first.Credential)
	assert.Equal(t, "xai-…1111", first.Label)
	assert.True(t, first.Enabled)
	assert.Equal(t, imagine.KeyHealthUnknown, first.Health)

	second, added, err := pool.Add("backup", "xai-bbbbbbbbbbbb2222")
	require.NoError(t, err)
	require.True(t, added)

	list := pool.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Equal(t, 2, store.saves)
}

func TestAddRejectsDuplicatesAndBlanks(t *testing.T) {
	t.Parallel()

	pool := newPool(t, &fakeStore{})
	_, added, err := pool.Add("a", "xai-same-credential")
	require.NoError(t, err)
	require.True(t, added)

	_, added, err = pool.Add("b", " xai-same-credential ")
	require.NoError(t, err)
	assert.False(t, added)

	_, added, err = pool.Add("c", "   ")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Len(t, pool.List(), 1)
}

func TestParseBulk(t *testing.T) {
	t.Parallel()

	got := keypool.ParseBulk("primary|xai-one\r\n\n  xai-two  \nsecond | xai-three|tail\n")
	assert.Equal(t, []keypool.Candidate{
		{Label: "primary", Credential: "xai-one"},
		{Credential: "xai-two"},
		{Label: "second", Credential: "xai-three|tail"},
	}, got)
}

func TestImportCapsPoolAtCapacity(t *testing.T) {
	t.Parallel()

	pool := keypool.New(keypool.Config{Capacity: 3, IDs: &seqIDs{}})
	text := "xai-k1-aaaaaaaa\nxai-k2-aaaaaaaa\nxai-k1-aaaaaaaa\nxai-k3-aaaaaaaa\nxai-k4-aaaaaaaa\n"
	added, err := pool.Import(text)
	require.NoError(t, err)

	list := pool.List()
	require.Len(t, list, 3)
	assert.Equal(t, "xai-k4-aaaaaaaa", list[0].Credential)
	assert.Equal(t, "xai-k2-aaaaaaaa", list[2].Credential)
	require.Len(t, added, 3)
}

func TestToggleRemoveAndNotFound(t *testing.T) {
	t.Parallel()

	pool := newPool(t, &fakeStore{})
	entry, _, err := pool.Add("", "xai-toggle-credential")
	require.NoError(t, err)

	toggled, err := pool.Toggle(entry.ID)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)
	assert.Empty(t, pool.Enabled())

	_, ok := pool.Next()
	assert.False(t, ok)

	require.NoError(t, pool.Remove(entry.ID))
	require.ErrorIs(t, pool.Remove(entry.ID), keypool.ErrNotFound)
	_, err = pool.Toggle("missing")
	require.ErrorIs(t, err, keypool.ErrNotFound)
}

func TestCursorStaysInsideEnabledSet(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	pool := newPool(t, store)
	var ids []string
	for i := 0; i < 3; i++ {
		e, _, err := pool.Add("", fmt.Sprintf("xai-cursor-%d-credential", i))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	pool.CommitCursor(7)
	assert.Equal(t, 1, pool.Cursor())

	pool.CommitCursor(2)
	_, err := pool.Toggle(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Cursor(), "2 mod 2 enabled")

	_, err = pool.Toggle(ids[1])
	require.NoError(t, err)
	_, err = pool.Toggle(ids[2])
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Cursor())
	pool.CommitCursor(5)
	assert.Equal(t, 0, pool.Cursor())
}

func TestNextUsesCursorWithoutAdvancing(t *testing.T) {
	t.Parallel()

	pool := newPool(t, &fakeStore{})
	for i := 0; i < 2; i++ {
		_, _, err := pool.Add("", fmt.Sprintf("xai-next-%d-credential", i))
		require.NoError(t, err)
	}
	enabled := pool.Enabled()
	pool.CommitCursor(1)

	got, ok := pool.Next()
	require.True(t, ok)
	assert.Equal(t, enabled[1].ID, got.ID)
	got, _ = pool.Next()
	assert.Equal(t, enabled[1].ID, got.ID)
}

func TestRotateAdvancesAndWraps(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	pool := newPool(t, store)
	_, ok := pool.Rotate()
	require.False(t, ok)

	for i := 0; i < 3; i++ {
		_, _, err := pool.Add("", fmt.Sprintf("xai-rotate-%d-credential", i))
		require.NoError(t, err)
	}
	enabled := pool.Enabled()

	for _, want := range []int{1, 2, 0} {
		got, ok := pool.Rotate()
		require.True(t, ok)
		assert.Equal(t, enabled[want].ID, got.ID)
		next, _ := pool.Next()
		assert.Equal(t, got.ID, next.ID)
	}
	assert.Equal(t, 0, store.cursor)
}

func TestClearEmptiesPoolAndResetsCursor(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	pool := newPool(t, store)
	for i := 0; i < 2; i++ {
		_, _, err := pool.Add("", fmt.Sprintf("xai-clear-%d-credential", i))
		require.NoError(t, err)
	}
	pool.CommitCursor(1)

	removed := pool.Clear()
	assert.Len(t, removed, 2)
	assert.Empty(t, pool.List())
	assert.Equal(t, 0, pool.Cursor())
	_, ok := pool.Next()
	assert.False(t, ok)
	assert.Empty(t, store.keys)
	assert.Equal(t, 0, store.cursor)
}

func TestSetHealthAndMarks(t *testing.T) {
	t.Parallel()

	pool := newPool(t, &fakeStore{})
	entry, _, err := pool.Add("", "xai-health-credential")
	require.NoError(t, err)

	pool.MarkFailure(entry.ID, 429, "slow down")
	got, ok := pool.Get(entry.ID)
	require.True(t, ok)
	assert.Equal(t, imagine.KeyHealthRateLimited, got.Health)
	assert.Equal(t, "slow down", got.LastError)
	require.NotNil(t, got.LastCheckedAt)

	pool.MarkSuccess(entry.ID)
	got, _ = pool.Get(entry.ID)
	assert.Equal(t, imagine.KeyHealthOK, got.Health)
	assert.Empty(t, got.LastError)

	caps := imagine.Capabilities{Video: true}
	_, err = pool.SetHealth(entry.ID, keypool.HealthPatch{Capabilities: &caps})
	require.NoError(t, err)
	got, _ = pool.Get(entry.ID)
	require.NotNil(t, got.Capabilities)
	assert.True(t, got.Capabilities.Video)

	_, err = pool.SetHealth(entry.ID, keypool.HealthPatch{ClearCapabilities: true})
	require.NoError(t, err)
	got, _ = pool.Get(entry.ID)
	assert.Nil(t, got.Capabilities)
}

func TestLoadRestoresAndNormalizesCursor(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		keys: []imagine.KeyEntry{
			{ID: "a", Credential: "xai-a", Enabled: true},
			{ID: "b", Credential: "xai-b", Enabled: false},
			{ID: "c", Credential: "xai-c", Enabled: true},
		},
		cursor: 5,
	}
	pool := newPool(t, store)
	require.NoError(t, pool.Load(context.Background()))
	assert.Len(t, pool.List(), 3)
	assert.Equal(t, 1, pool.Cursor())
}
