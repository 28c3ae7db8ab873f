package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageJobCreated)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, Stats{Emitted: 2, ByStage: map[Stage]int64{StageJobCreated: 2}}, hub.Stats())
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageJobCreated))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even with nobody reading.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := newHub(Config{Logger: zap.NewNop()}, make(chan Event))
	start := time.Now()
	hub.Emit(sampleEvent(StageJobCreated))
	hub.Emit(sampleEvent(StageJobPolled))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	stats := hub.Stats()
	require.Equal(t, int64(2), stats.Dropped)
	require.Zero(t, stats.Emitted)
	require.Empty(t, stats.ByStage)
}

// TestHubDeadlineNotExtended checks a steady trickle of events cannot hold a
// partial batch past MaxBatchWait.
func TestHubDeadlineNotExtended(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     64,
		MaxBatchEvents: 1000,
		MaxBatchWait:   60 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	stop := time.After(300 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			hub.Emit(sampleEvent(StageJobPolled))
		case <-stop:
			break loop
		}
	}
	require.GreaterOrEqual(t, len(sink.Batches()), 2)
}

// TestHubDeliversToEverySink ensures one failing sink does not starve another.
func TestHubDeliversToEverySink(t *testing.T) {
	t.Parallel()

	good := newStubSink()
	failing := SinkFunc(func(context.Context, []Event) error { return context.DeadlineExceeded })
	hub := NewHub(Config{MaxBatchEvents: 1}, failing, nil, good)

	hub.Emit(sampleEvent(StageJobError))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, good.Batches(), 1)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageJobReady))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)

	hub.Emit(sampleEvent(StageJobReady))
	require.Len(t, sink.Batches(), 1, "emits after close are ignored")
}

// TestHubStampsAndClassifies checks defaults applied to partially filled events.
func TestHubStampsAndClassifies(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)

	hub.Emit(Event{Stage: StageDispatchAttempt, KeyID: "k1", Status: 429})
	hub.Emit(Event{Stage: StageDispatchAttempt})
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	evt := batches[0][0]
	require.False(t, evt.TS.IsZero())
	require.Equal(t, Status4xx, evt.StatusClass)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		name  string
		evt   Event
		valid bool
	}{
		{"job event", Event{TS: now, Stage: StageJobPolled, JobID: "j"}, true},
		{"job event without id", Event{TS: now, Stage: StageJobPolled}, false},
		{"key check", Event{TS: now, Stage: StageKeyChecked, KeyID: "k"}, true},
		{"dispatch without class", Event{TS: now, Stage: StageDispatchAttempt, KeyID: "k"}, false},
		{"unknown stage", Event{TS: now, Stage: "NOPE"}, false},
		{"negative duration", Event{TS: now, Stage: StageJobReady, JobID: "j", Dur: -1}, false},
		{"missing timestamp", Event{Stage: StageJobReady, JobID: "j"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(202))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(401))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		JobID: "job-1",
		Kind:  "video",
		TS:    time.Now(),
		Stage: stage,
	}
}
