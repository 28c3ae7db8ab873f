package registry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
	"github.com/JakeFAU/imagine-orchestrator/internal/registry"
)

type fakeStore struct {
	mu      sync.Mutex
	jobs    map[imagine.JobKind][]imagine.Job
	cleared []imagine.JobKind
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[imagine.JobKind][]imagine.Job)}
}

func (f *fakeStore) LoadJobs(_ context.Context, kind imagine.JobKind) ([]imagine.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]imagine.Job(nil), f.jobs[kind]...), nil
}

func (f *fakeStore) SaveJobs(kind imagine.JobKind, jobs []imagine.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[kind] = jobs
}

func (f *fakeStore) ClearJobs(kind imagine.JobKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, kind)
	f.cleared = append(f.cleared, kind)
}

type recordingEmitter struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, evt.Stage)
}

func videoJob(id string) imagine.Job {
	return imagine.Job{
		ID:        id,
		Kind:      imagine.JobKindVideo,
		Mode:      imagine.ModeGenerate,
		Prompt:    "prompt " + id,
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Status:    imagine.JobStatusProcessing,
	}
}

func TestCreateKeepsMostRecentFirstAndCaps(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	reg := registry.New(registry.Config{Capacity: 3, Store: store})
	for i := 0; i < 5; i++ {
		_, err := reg.Create(videoJob(fmt.Sprintf("req-%d", i)))
		require.NoError(t, err)
	}

	list := reg.List(imagine.JobKindVideo)
	require.Len(t, list, 3)
	assert.Equal(t, "req-4", list[0].ID)
	assert.Equal(t, "req-2", list[2].ID)
	assert.Equal(t, "req-4", reg.Active())
	assert.Len(t, store.jobs[imagine.JobKindVideo], 3)

	_, ok := reg.Get("req-0")
	assert.False(t, ok)
}

func TestCreateReplacesSameID(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.Config{})
	_, err := reg.Create(videoJob("req-1"))
	require.NoError(t, err)
	_, err = reg.Create(videoJob("req-2"))
	require.NoError(t, err)
	again := videoJob("req-1")
	again.Prompt = "second try"
	_, err = reg.Create(again)
	require.NoError(t, err)

	list := reg.List(imagine.JobKindVideo)
	require.Len(t, list, 2)
	assert.Equal(t, "second try", list[0].Prompt)
}

func TestCreateRejectsInvalidJobs(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.Config{})
	_, err := reg.Create(imagine.Job{ID: "x", Kind: "audio"})
	require.Error(t, err)
	_, err = reg.Create(imagine.Job{Kind: imagine.JobKindImage})
	require.Error(t, err)
}

func TestUpdateTransitionsAndEvents(t *testing.T) {
	t.Parallel()

	emitter := &recordingEmitter{}
	var ready []string
	reg := registry.New(registry.Config{
		Emitter: emitter,
		OnReady: func(job imagine.Job) { ready = append(ready, job.ID) },
	})
	_, err := reg.Create(videoJob("req-1"))
	require.NoError(t, err)

	job, err := reg.Update("req-1", func(j *imagine.Job) error {
		j.Status = imagine.JobStatusStopped
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, imagine.JobStatusStopped, job.Status)

	_, err = reg.Update("req-1", func(j *imagine.Job) error {
		j.Status = imagine.JobStatusProcessing
		return nil
	})
	require.NoError(t, err)

	_, err = reg.Update("req-1", func(j *imagine.Job) error {
		j.ID = "hijacked"
		j.Status = imagine.JobStatusReady
		j.VideoURL = "https://cdn/x.mp4"
		return nil
	})
	require.NoError(t, err)

	got, ok := reg.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, imagine.JobStatusReady, got.Status)
	assert.Equal(t, []string{"req-1"}, ready)
	assert.Equal(t, []progress.Stage{
		progress.StageJobCreated,
		progress.StageJobStopped,
		progress.StageJobResumed,
		progress.StageJobReady,
	}, emitter.stages)
}

func TestUpdateErrorLeavesJobUntouched(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.Config{})
	_, err := reg.Create(videoJob("req-1"))
	require.NoError(t, err)

	refused := fmt.Errorf("refused")
	_, err = reg.Update("req-1", func(j *imagine.Job) error {
		j.Status = imagine.JobStatusError
		return refused
	})
	require.ErrorIs(t, err, refused)
	got, _ := reg.Get("req-1")
	assert.Equal(t, imagine.JobStatusProcessing, got.Status)

	_, err = reg.Update("missing", func(*imagine.Job) error { return nil })
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestClearAndActive(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	reg := registry.New(registry.Config{Store: store})
	_, err := reg.Create(videoJob("req-1"))
	require.NoError(t, err)
	_, err = reg.Create(imagine.Job{ID: "img-1", Kind: imagine.JobKindImage, Status: imagine.JobStatusReady, Images: []string{"https://x/a.png"}})
	require.NoError(t, err)

	require.Error(t, reg.SetActive("img-1"))
	require.ErrorIs(t, reg.SetActive("nope"), registry.ErrNotFound)

	reg.Clear(imagine.JobKindVideo)
	assert.Empty(t, reg.List(imagine.JobKindVideo))
	assert.Empty(t, reg.Active())
	assert.Len(t, reg.List(imagine.JobKindImage), 1)
	assert.Equal(t, []imagine.JobKind{imagine.JobKindVideo}, store.cleared)
}

func TestLoadRestoresActiveProcessingJob(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	done := videoJob("req-done")
	done.Status = imagine.JobStatusReady
	store.jobs[imagine.JobKindVideo] = []imagine.Job{done, videoJob("req-live"), videoJob("req-older")}

	reg := registry.New(registry.Config{Store: store})
	require.NoError(t, reg.Load(context.Background()))
	assert.Equal(t, "req-live", reg.Active())
	assert.Len(t, reg.List(imagine.JobKindVideo), 3)
}

func TestListReturnsCopies(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.Config{})
	_, err := reg.Create(imagine.Job{ID: "img-1", Kind: imagine.JobKindImage, Status: imagine.JobStatusReady, Images: []string{"https://x/a.png"}})
	require.NoError(t, err)

	list := reg.List(imagine.JobKindImage)
	list[0].Images[0] = "mutated"
	got, _ := reg.Get("img-1")
	assert.Equal(t, "https://x/a.png", got.Images[0])
}
