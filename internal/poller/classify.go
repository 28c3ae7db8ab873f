package poller

import (
	"net/http"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/normalize"
	"github.com/JakeFAU/imagine-orchestrator/internal/upstream"
)

// Outcome is the classification of one status response.
type Outcome struct {
	// Status is processing, ready, or error.
	Status imagine.JobStatus
	// Pending marks a 202: nothing but the poll timestamp may change.
	Pending  bool
	State    string
	VideoURL string
	Error    string
}

// Classify maps a status response onto the job state machine:
//
//   - 202 is pending.
//   - Any other non-2xx is an error carrying the upstream message.
//   - A failure state token is an error.
//   - A result URL is ready, whatever the state token says.
//   - A success token without a URL is an error.
//   - Anything else keeps the job processing.
func Classify(resp imagine.Response) Outcome {
	if resp.Status == http.StatusAccepted {
		return Outcome{Status: imagine.JobStatusProcessing, Pending: true}
	}
	if !resp.OK {
		return Outcome{Status: imagine.JobStatusError, Error: upstream.FailureMessage(resp)}
	}

	state, _ := normalize.ExtractState(resp.Data)
	class := normalize.ClassifyState(state)
	if class == normalize.StateFailure {
		msg, ok := normalize.ExtractErrorMessage(resp.Data)
		if !ok {
			msg = "Request " + state
		}
		return Outcome{Status: imagine.JobStatusError, State: state, Error: msg}
	}
	if url, ok := normalize.ExtractVideoURL(resp.Data); ok {
		return Outcome{Status: imagine.JobStatusReady, State: state, VideoURL: url}
	}
	if class == normalize.StateSuccess {
		msg, ok := normalize.ExtractErrorMessage(resp.Data)
		if !ok {
			msg = "Request " + state + ", but no URL returned"
		}
		return Outcome{Status: imagine.JobStatusError, State: state, Error: msg}
	}
	return Outcome{Status: imagine.JobStatusProcessing, State: state}
}

// applyOutcome writes out onto job. raw replaces the stored payload unless
// the response was pending.
func applyOutcome(job *imagine.Job, out Outcome, raw *normalize.Value) {
	if out.Pending {
		return
	}
	job.Raw = raw
	if out.State != "" {
		job.LastState = out.State
	}
	switch out.Status {
	case imagine.JobStatusReady:
		job.Status = imagine.JobStatusReady
		job.VideoURL = out.VideoURL
		job.Error = ""
	case imagine.JobStatusError:
		job.Status = imagine.JobStatusError
		job.Error = out.Error
	}
}
