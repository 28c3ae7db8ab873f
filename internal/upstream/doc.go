// Package upstream is the transport to the xAI imagine endpoints. It submits
// generation requests, queries deferred video status, lists models for
// credential probes, and downloads finished media for the archive. Every call
// returns the same ok/status/data envelope; interpretation is left to callers.
package upstream
