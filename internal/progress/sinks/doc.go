// Package sinks holds the progress consumers: a zap log sink, Prometheus
// collectors for dispatch, polling and key checks, and a store sink that
// records job transitions and per-key usage through an EventRepository.
package sinks
