package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: longest an event waits in a partial batch (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub buffers orchestration events and hands them to every sink in batches.
// Emit never blocks, so a slow sink cannot stall a dispatch or a poll loop.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropLog rate.Sometimes
	pending atomic.Int64
	closed  atomic.Bool

	statsMu sync.Mutex
	stats   Stats

	closeOnce sync.Once
	closeCtx  context.Context
}

// Stats reports how many events were accepted and dropped since start.
type Stats struct {
	Emitted int64           `json:"emitted"`
	Dropped int64           `json:"dropped"`
	ByStage map[Stage]int64 `json:"by_stage,omitempty"`
}

// NewHub starts the batching goroutine. The returned Hub accepts events
// immediately.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	h := newHub(cfg, make(chan Event, cfg.BufferSize), sinks...)
	go h.run()
	return h
}

func newHub(cfg Config, events chan Event, sinks ...Sink) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return &Hub{
		cfg:     cfg,
		sinks:   live,
		events:  events,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
}

// Emit enqueues evt. A zero TS is stamped with the current UTC time and a
// dispatch attempt without a StatusClass is classified from Status. Invalid
// events are discarded; when the buffer is full the event is dropped and a
// throttled warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if evt.StatusClass == "" && evt.Stage == StageDispatchAttempt {
		evt.StatusClass = ClassifyStatus(evt.Status)
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		h.count(evt.Stage, false)
	default:
		h.count(evt.Stage, true)
		h.pending.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", h.pending.Swap(0)),
				zap.String("stage", string(evt.Stage)),
			)
		})
	}
}

func (h *Hub) count(stage Stage, dropped bool) {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	if dropped {
		h.stats.Dropped++
		return
	}
	h.stats.Emitted++
	if h.stats.ByStage == nil {
		h.stats.ByStage = make(map[Stage]int64)
	}
	h.stats.ByStage[stage]++
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	out := Stats{Emitted: h.stats.Emitted, Dropped: h.stats.Dropped}
	if len(h.stats.ByStage) > 0 {
		out.ByStage = make(map[Stage]int64, len(h.stats.ByStage))
		for stage, n := range h.stats.ByStage {
			out.ByStage[stage] = n
		}
	}
	return out
}

// Close stops accepting events, delivers what is buffered, closes the sinks
// and waits for the background goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		stats := h.Stats()
		h.logger.Debug("progress hub closed",
			zap.Int64("emitted", stats.Emitted),
			zap.Int64("dropped", stats.Dropped),
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// run owns the batch. The flush deadline is armed by the first event of a
// batch and is not pushed back by later ones.
func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer    *time.Timer
		deadline <-chan time.Time
	)
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		deadline = nil
	}
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			switch {
			case len(batch) >= h.cfg.MaxBatchEvents:
				h.flush(batch)
				batch = batch[:0]
				disarm()
			case deadline == nil:
				if timer == nil {
					timer = time.NewTimer(h.cfg.MaxBatchWait)
				} else {
					timer.Reset(h.cfg.MaxBatchWait)
				}
				deadline = timer.C
			}
		case <-deadline:
			deadline = nil
			h.flush(batch)
			batch = batch[:0]
		case <-h.stopCh:
			disarm()
			h.drain(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			h.flush(batch)
			return
		}
	}
}

// flush hands one batch to all sinks in parallel, each under its own timeout.
func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	shared := append([]Event(nil), batch...)
	var wg sync.WaitGroup
	for _, sink := range h.sinks {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			defer cancel()
			if err := sink.Consume(ctx, shared); err != nil {
				h.logger.Warn("progress sink consume failed",
					zap.Int("events", len(shared)),
					zap.Error(err),
				)
			}
		})
	}
	wg.Wait()
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
