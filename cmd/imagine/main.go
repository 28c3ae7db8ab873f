// Package main is the imagine orchestrator entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, key pool, and job endpoints over chi.
//   - Submission: internal/dispatcher rotates the request across enabled credentials from internal/keypool,
//     retrying on retryable upstream statuses and recording per-key health.
//   - Polling: internal/poller follows the single active video job until it is ready, failed, or stopped.
//   - Persistence: internal/storage mirrors jobs, keys, and the rotation cursor to memory, local disk, Redis,
//     or Postgres. Ready media can be archived to memory, local disk, or GCS with a Pub/Sub notice.
//   - Configuration & plumbing: Viper populates config from env (IMAGINE_*) and files; zap provides structured
//     logging; Prometheus metrics are exported at /metrics.
//
// Quick checklist:
//   - Run locally: go run ./cmd/imagine serve --config config.yaml
//   - Seed keys offline: go run ./cmd/imagine keys import keys.txt
package main

import "github.com/JakeFAU/imagine-orchestrator/cmd"

func main() {
	cmd.Execute()
}
