// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/keys for the credential pool; secrets are only ever returned masked.
//     GET reports the next rotation target, POST /v1/keys/rotate skips it and
//     DELETE /v1/keys empties the pool.
//   - POST /v1/videos and /v1/images to submit generation jobs.
//   - /v1/jobs for history and the per-job activate/stop/resume/refresh actions.
//   - GET /v1/jobs/{id}/transitions and /v1/keys/usage read the persisted
//     lifecycle log via the ActivityRepository interface.
package api
