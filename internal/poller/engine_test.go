package poller_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/normalize"
	"github.com/JakeFAU/imagine-orchestrator/internal/poller"
	"github.com/JakeFAU/imagine-orchestrator/internal/registry"
)

const waitFor = 2 * time.Second

type fastClock struct{}

func (fastClock) Now() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func (fastClock) After(time.Duration) <-chan time.Time { return time.After(time.Millisecond) }

type fakeKeys map[string]imagine.KeyEntry

func (f fakeKeys) Get(id string) (imagine.KeyEntry, bool) {
	k, ok := f[id]
	return k, ok
}

type step struct {
	resp imagine.Response
	err  error
	// hold, when set, blocks the call until it is closed.
	hold chan struct{}
}

// scriptedUpstream replays steps per request id and repeats the last one.
type scriptedUpstream struct {
	mu          sync.Mutex
	steps       map[string][]step
	calls       map[string]int
	credentials []string
}

func newScriptedUpstream() *scriptedUpstream {
	return &scriptedUpstream{steps: map[string][]step{}, calls: map[string]int{}}
}

func (s *scriptedUpstream) script(id string, steps ...step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[id] = steps
}

func (s *scriptedUpstream) QueryStatus(_ context.Context, id string, credential string) (imagine.Response, error) {
	s.mu.Lock()
	steps := s.steps[id]
	n := s.calls[id]
	s.calls[id]++
	s.credentials = append(s.credentials, credential)
	s.mu.Unlock()

	if len(steps) == 0 {
		return running(), nil
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	st := steps[n]
	if st.hold != nil {
		<-st.hold
	}
	return st.resp, st.err
}

func (s *scriptedUpstream) callCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *scriptedUpstream) firstCredential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.credentials) == 0 {
		return "<none>"
	}
	return s.credentials[0]
}

func running() imagine.Response {
	return imagine.Response{OK: true, Status: http.StatusOK, Data: normalize.Decode([]byte(`{"status":"running"}`))}
}

func done(url string) imagine.Response {
	return imagine.Response{OK: true, Status: http.StatusOK, Data: normalize.Decode([]byte(`{"status":"done","url":"` + url + `"}`))}
}

type fixture struct {
	reg    *registry.Registry
	up     *scriptedUpstream
	engine *poller.Engine
}

func newFixture(t *testing.T, keys fakeKeys) *fixture {
	t.Helper()
	reg := registry.New(registry.Config{})
	up := newScriptedUpstream()
	engine := poller.New(poller.Config{
		Interval: time.Millisecond,
		Registry: reg,
		Keys:     keys,
		Upstream: up,
		Clock:    fastClock{},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, engine.Close(ctx))
	})
	return &fixture{reg: reg, up: up, engine: engine}
}

func (f *fixture) video(t *testing.T, id, keyID string) {
	t.Helper()
	_, err := f.reg.Create(imagine.Job{ID: id, Kind: imagine.JobKindVideo, KeyID: keyID})
	require.NoError(t, err)
}

func (f *fixture) status(id string) imagine.JobStatus {
	job, _ := f.reg.Get(id)
	return job.Status
}

func withKey() fakeKeys {
	return fakeKeys{"k1": {ID: "k1", Credential: "xai-secret", Enabled: true}}
}

func TestLoopPollsUntilReady(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withKey())
	f.video(t, "req-1", "k1")
	f.up.script("req-1",
		step{resp: imagine.Response{OK: true, Status: http.StatusAccepted}},
		step{resp: running()},
		step{resp: done("https://cdn.x.ai/final.mp4")},
	)

	require.NoError(t, f.engine.Activate("req-1"))
	require.Eventually(t, func() bool { return f.status("req-1") == imagine.JobStatusReady }, waitFor, time.Millisecond)

	job, _ := f.reg.Get("req-1")
	assert.Equal(t, "https://cdn.x.ai/final.mp4", job.VideoURL)
	assert.Equal(t, "done", job.LastState)
	require.NotNil(t, job.LastPolledAt)
	assert.Equal(t, 3, f.up.callCount("req-1"))
	assert.Equal(t, "xai-secret", f.up.firstCredential())
}

func TestLoopFailsJobWithoutCredential(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fakeKeys{})
	f.video(t, "req-1", "gone")

	require.NoError(t, f.engine.Activate("req-1"))
	require.Eventually(t, func() bool { return f.status("req-1") == imagine.JobStatusError }, waitFor, time.Millisecond)

	job, _ := f.reg.Get("req-1")
	assert.Equal(t, poller.MissingCredentialMessage, job.Error)
	assert.Zero(t, f.up.callCount("req-1"))
}

func TestLoopTransportErrorIsTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withKey())
	f.video(t, "req-1", "k1")
	f.up.script("req-1", step{err: errors.New("connection reset")})

	require.NoError(t, f.engine.Activate("req-1"))
	require.Eventually(t, func() bool { return f.status("req-1") == imagine.JobStatusError }, waitFor, time.Millisecond)

	job, _ := f.reg.Get("req-1")
	assert.Equal(t, "connection reset", job.Error)
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withKey())
	f.video(t, "req-1", "k1")
	release := make(chan struct{})
	f.up.script("req-1", step{resp: done("https://cdn.x.ai/late.mp4"), hold: release})

	require.NoError(t, f.engine.Activate("req-1"))
	require.Eventually(t, func() bool { return f.up.callCount("req-1") == 1 }, waitFor, time.Millisecond)

	stopped, err := f.engine.Stop("req-1")
	require.NoError(t, err)
	assert.Equal(t, imagine.JobStatusStopped, stopped.Status)
	close(release)

	assert.Never(t, func() bool { return f.status("req-1") != imagine.JobStatusStopped }, 50*time.Millisecond, time.Millisecond)
	job, _ := f.reg.Get("req-1")
	assert.Empty(t, job.VideoURL)
}

func TestResumeStartsFreshLoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withKey())
	f.video(t, "req-1", "k1")
	_, err := f.engine.Stop("req-1")
	require.NoError(t, err)
	f.up.script("req-1", step{resp: done("https://cdn.x.ai/v.mp4")})

	job, err := f.engine.Resume("req-1")
	require.NoError(t, err)
	assert.Equal(t, imagine.JobStatusProcessing, job.Status)
	require.Eventually(t, func() bool { return f.status("req-1") == imagine.JobStatusReady }, waitFor, time.Millisecond)
	assert.Equal(t, "req-1", f.reg.Active())
}

func TestStopAndResumeRejectTerminalJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withKey())
	_, err := f.reg.Create(imagine.Job{ID: "req-1", Kind: imagine.JobKindVideo, Status: imagine.JobStatusReady})
	require.NoError(t, err)

	_, err = f.engine.Stop("req-1")
	require.ErrorIs(t, err, poller.ErrTerminal)
	_, err = f.engine.Resume("req-1")
	require.ErrorIs(t, err, poller.ErrTerminal)
}

func TestRejectedResumeKeepsActiveLoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withKey())
	f.video(t, "req-a", "k1")
	require.NoError(t, f.engine.Activate("req-a"))
	require.Eventually(t, func() bool { return f.up.callCount("req-a") > 0 }, waitFor, time.Millisecond)

	_, err := f.reg.Create(imagine.Job{ID: "req-b", Kind: imagine.JobKindVideo, Status: imagine.JobStatusReady})
	require.NoError(t, err)

	_, err = f.engine.Resume("req-b")
	require.ErrorIs(t, err, poller.ErrTerminal)
	assert.Equal(t, "req-a", f.reg.Active())

	before := f.up.callCount("req-a")
	require.Eventually(t, func() bool { return f.up.callCount("req-a") > before }, waitFor, time.Millisecond)
	assert.Equal(t, imagine.JobStatusProcessing, f.status("req-a"))
}

func TestActivateSwitchesLoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withKey())
	f.video(t, "req-a", "k1")
	f.video(t, "req-b", "k1")
	f.up.script("req-b", step{resp: done("https://cdn.x.ai/b.mp4")})

	require.NoError(t, f.engine.Activate("req-a"))
	require.Eventually(t, func() bool { return f.up.callCount("req-a") > 0 }, waitFor, time.Millisecond)

	require.NoError(t, f.engine.Activate("req-b"))
	require.Eventually(t, func() bool { return f.status("req-b") == imagine.JobStatusReady }, waitFor, time.Millisecond)

	// The loop for req-a is gone once req-b took over.
	settled := f.up.callCount("req-a")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, f.up.callCount("req-a"))
	assert.Equal(t, imagine.JobStatusProcessing, f.status("req-a"))
}

func TestActivateRejectsImageJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withKey())
	_, err := f.reg.Create(imagine.Job{ID: "img-1", Kind: imagine.JobKindImage, Status: imagine.JobStatusReady})
	require.NoError(t, err)

	require.Error(t, f.engine.Activate("img-1"))
	require.Error(t, f.engine.Activate("missing"))
}

func TestRefreshOnceKeepsStoppedJobStopped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withKey())
	f.video(t, "req-1", "k1")
	_, err := f.engine.Stop("req-1")
	require.NoError(t, err)

	job, err := f.engine.RefreshOnce(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, imagine.JobStatusStopped, job.Status)
	assert.Equal(t, "running", job.LastState)
	require.NotNil(t, job.LastPolledAt)
}

func TestRefreshOnceCompletesJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withKey())
	f.video(t, "req-1", "k1")
	_, err := f.engine.Stop("req-1")
	require.NoError(t, err)
	f.up.script("req-1", step{resp: done("https://cdn.x.ai/v.mp4")})

	job, err := f.engine.RefreshOnce(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, imagine.JobStatusReady, job.Status)
	assert.Equal(t, "https://cdn.x.ai/v.mp4", job.VideoURL)

	_, err = f.engine.RefreshOnce(context.Background(), "req-1")
	require.ErrorIs(t, err, poller.ErrTerminal)
}

func TestRefreshOnceTransportErrorLeavesJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withKey())
	f.video(t, "req-1", "k1")
	_, err := f.engine.Stop("req-1")
	require.NoError(t, err)
	f.up.script("req-1", step{err: errors.New("dial tcp: timeout")})

	_, err = f.engine.RefreshOnce(context.Background(), "req-1")
	require.Error(t, err)
	assert.Equal(t, imagine.JobStatusStopped, f.status("req-1"))
}

func TestAnonymousJobsUseFallback(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.Config{})
	up := newScriptedUpstream()
	up.script("req-1", step{resp: done("https://cdn.x.ai/v.mp4")})
	engine := poller.New(poller.Config{
		Interval:       time.Millisecond,
		Registry:       reg,
		Keys:           fakeKeys{},
		Upstream:       up,
		Clock:          fastClock{},
		AllowAnonymous: true,
	})
	defer func() { _ = engine.Close(context.Background()) }()

	_, err := reg.Create(imagine.Job{ID: "req-1", Kind: imagine.JobKindVideo})
	require.NoError(t, err)
	require.NoError(t, engine.Activate("req-1"))
	require.Eventually(t, func() bool {
		job, _ := reg.Get("req-1")
		return job.Status == imagine.JobStatusReady
	}, waitFor, time.Millisecond)
	assert.Equal(t, "", up.firstCredential())
}
