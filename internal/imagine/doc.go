// Package imagine defines the core types shared across the media job
// orchestrator: jobs, credentials, upstream responses, and the small
// interfaces that backends implement.
package imagine
