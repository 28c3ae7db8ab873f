package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultWriteTimeout = 5 * time.Second

type pendingWrite struct {
	data   []byte
	delete bool
}

// Mirror copies in-memory snapshots to a Provider in the background. Only the
// newest snapshot per key is written; older unwritten ones are discarded.
// Callers never block on the backend and never see its errors.
type Mirror struct {
	provider     Provider
	logger       *zap.Logger
	writeTimeout time.Duration

	mu      sync.Mutex
	pending map[string]pendingWrite
	order   []string
	closed  bool

	wake      chan struct{}
	flushCh   chan chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewMirror starts the background writer for provider.
func NewMirror(provider Provider, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mirror{
		provider:     provider,
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		pending:      make(map[string]pendingWrite),
		wake:         make(chan struct{}, 1),
		flushCh:      make(chan chan struct{}),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go m.run()
	return m
}

// Put schedules data to be stored under key.
func (m *Mirror) Put(key string, data []byte) {
	m.schedule(key, pendingWrite{data: append([]byte(nil), data...)})
}

// Remove schedules key for deletion.
func (m *Mirror) Remove(key string) {
	m.schedule(key, pendingWrite{delete: true})
}

func (m *Mirror) schedule(key string, w pendingWrite) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Debug("mirror closed, dropping write", zap.String("key", key))
		return
	}
	if _, queued := m.pending[key]; !queued {
		m.order = append(m.order, key)
	}
	m.pending[key] = w
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every write scheduled before the call has been attempted.
func (m *Mirror) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case m.flushCh <- ack:
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mirror flush: %w", ctx.Err())
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mirror flush: %w", ctx.Err())
	}
}

// Close drains pending writes and stops the background writer.
func (m *Mirror) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.stopCh)
	})
	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mirror close wait: %w", ctx.Err())
	}
}

func (m *Mirror) run() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.wake:
			m.drain()
		case ack := <-m.flushCh:
			m.drain()
			close(ack)
		case <-m.stopCh:
			m.drain()
			return
		}
	}
}

func (m *Mirror) drain() {
	for {
		m.mu.Lock()
		if len(m.order) == 0 {
			m.mu.Unlock()
			return
		}
		key := m.order[0]
		m.order = m.order[1:]
		w := m.pending[key]
		delete(m.pending, key)
		m.mu.Unlock()

		m.write(key, w)
	}
}

func (m *Mirror) write(key string, w pendingWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()
	var err error
	if w.delete {
		err = m.provider.Delete(ctx, key)
	} else {
		err = m.provider.Save(ctx, key, w.data)
	}
	if err != nil {
		m.logger.Warn("state write failed", zap.String("key", key), zap.Bool("delete", w.delete), zap.Error(err))
	}
}
