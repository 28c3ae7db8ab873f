package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageDispatchAttempt Stage = "DISPATCH_ATTEMPT"
	StageJobCreated      Stage = "JOB_CREATED"
	StageJobPolled       Stage = "JOB_POLLED"
	StageJobReady        Stage = "JOB_READY"
	StageJobError        Stage = "JOB_ERROR"
	StageJobStopped      Stage = "JOB_STOPPED"
	StageJobResumed      Stage = "JOB_RESUMED"
	StageKeyChecked      Stage = "KEY_CHECKED"
	StageMediaArchived   Stage = "MEDIA_ARCHIVED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for upstream calls.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single orchestration milestone.
type Event struct {
	// JobID identifies the job the event belongs to, when there is one.
	JobID string
	// KeyID identifies the credential involved; never the credential itself.
	KeyID string
	// Kind is the job kind ("video" or "image") when known.
	Kind string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Status is the upstream HTTP status, or 0 for transport failures.
	Status int
	// StatusClass groups Status.
	StatusClass StatusClass
	// Attempt is the zero-based dispatch attempt.
	Attempt int
	// Dur captures the latency of the call or job.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text or upstream state).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageDispatchAttempt:
		if e.KeyID == "" {
			return errors.New("dispatch attempt requires key id")
		}
		if e.StatusClass == "" {
			return errors.New("dispatch attempt requires status class")
		}
	case StageKeyChecked:
		if e.KeyID == "" {
			return errors.New("key check requires key id")
		}
	case StageJobCreated, StageJobPolled, StageJobReady, StageJobError,
		StageJobStopped, StageJobResumed, StageMediaArchived:
		if e.JobID == "" {
			return fmt.Errorf("%s requires job id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for upstream events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
