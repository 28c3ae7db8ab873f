// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces the orchestrator uses to report dispatch attempts, job lifecycle
// transitions, and credential checks. Events are batched on a background
// goroutine and fanned out to pluggable sinks such as Prometheus metrics, a
// durable event log, or structured logs.
package progress
