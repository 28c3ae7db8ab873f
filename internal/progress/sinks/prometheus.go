package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
)

// PrometheusSink exports orchestration progress via Prometheus. It owns the
// collectors for dispatch attempts, job lifecycle, polls, and key checks.
type PrometheusSink struct {
	dispatchAttempts *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	jobsCreated  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobsPolling  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec
	polls        *prometheus.CounterVec

	keyChecks     *prometheus.CounterVec
	mediaArchived *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		dispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagine_dispatch_attempts_total",
			Help: "Upstream submission attempts partitioned by status class.",
		}, []string{"status_class"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagine_dispatch_duration_seconds",
			Help:    "Latency of upstream submission attempts.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status_class"}),
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagine_jobs_created_total",
			Help: "Jobs recorded partitioned by kind.",
		}, []string{"kind"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagine_jobs_finished_total",
			Help: "Jobs reaching a terminal state partitioned by kind and result.",
		}, []string{"kind", "result"}),
		jobsPolling: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagine_jobs_polling",
			Help: "Jobs currently awaiting a terminal upstream state.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagine_job_runtime_seconds",
			Help:    "Wall time from creation to terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"kind", "result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagine_polls_total",
			Help: "Status polls that left the job in processing.",
		}, []string{"kind"}),
		keyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagine_key_checks_total",
			Help: "Credential health probes partitioned by status class.",
		}, []string{"status_class"}),
		mediaArchived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagine_media_archived_total",
			Help: "Media objects copied to the archive partitioned by kind.",
		}, []string{"kind"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.dispatchAttempts,
		s.dispatchDuration,
		s.jobsCreated,
		s.jobsFinished,
		s.jobsPolling,
		s.jobRuntime,
		s.polls,
		s.keyChecks,
		s.mediaArchived,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageDispatchAttempt:
		class := statusClass(evt)
		s.dispatchAttempts.WithLabelValues(class).Inc()
		if evt.Dur > 0 {
			s.dispatchDuration.WithLabelValues(class).Observe(evt.Dur.Seconds())
		}
	case progress.StageKeyChecked:
		s.keyChecks.WithLabelValues(statusClass(evt)).Inc()
	case progress.StageMediaArchived:
		s.mediaArchived.WithLabelValues(kindLabel(evt)).Inc()
	case progress.StageJobPolled:
		s.polls.WithLabelValues(kindLabel(evt)).Inc()
	default:
		s.handleJobEvent(evt)
	}
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	kind := kindLabel(evt)
	switch evt.Stage {
	case progress.StageJobCreated, progress.StageJobResumed:
		if evt.Stage == progress.StageJobCreated {
			s.jobsCreated.WithLabelValues(kind).Inc()
		}
		if s.tracker.start(evt.JobID) {
			s.jobsPolling.Inc()
		}
		return
	case progress.StageJobReady:
		s.jobsFinished.WithLabelValues(kind, "ready").Inc()
		s.observeRuntime(evt, kind, "ready")
	case progress.StageJobError:
		s.jobsFinished.WithLabelValues(kind, "error").Inc()
		s.observeRuntime(evt, kind, "error")
	case progress.StageJobStopped:
	default:
		return
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsPolling.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, kind, label string) {
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(kind, label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func statusClass(evt progress.Event) string {
	if evt.StatusClass == "" {
		return string(progress.ClassifyStatus(evt.Status))
	}
	return string(evt.StatusClass)
}

func kindLabel(evt progress.Event) string {
	if evt.Kind == "" {
		return "unknown"
	}
	return evt.Kind
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
