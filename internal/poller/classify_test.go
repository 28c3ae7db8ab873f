package poller

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/normalize"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp imagine.Response
		want Outcome
	}{
		{
			name: "accepted is pending",
			resp: imagine.Response{OK: true, Status: http.StatusAccepted, Data: normalize.Decode([]byte(`{"status":"queued"}`))},
			want: Outcome{Status: imagine.JobStatusProcessing, Pending: true},
		},
		{
			name: "http failure",
			resp: imagine.Response{Status: http.StatusNotFound, Data: normalize.Decode([]byte(`{"error":"no such request"}`))},
			want: Outcome{Status: imagine.JobStatusError, Error: "no such request"},
		},
		{
			name: "failure token with message",
			resp: imagine.Response{OK: true, Status: http.StatusOK, Data: normalize.Decode([]byte(`{"status":"failed","error":"quota exceeded"}`))},
			want: Outcome{Status: imagine.JobStatusError, State: "failed", Error: "quota exceeded"},
		},
		{
			name: "failure token without message",
			resp: imagine.Response{OK: true, Status: http.StatusOK, Data: normalize.Decode([]byte(`{"state":"Cancelled"}`))},
			want: Outcome{Status: imagine.JobStatusError, State: "Cancelled", Error: "Request Cancelled"},
		},
		{
			name: "url wins",
			resp: imagine.Response{OK: true, Status: http.StatusOK, Data: normalize.Decode([]byte(`{"status":"running","video":{"url":"https://cdn.x.ai/v.mp4"}}`))},
			want: Outcome{Status: imagine.JobStatusReady, State: "running", VideoURL: "https://cdn.x.ai/v.mp4"},
		},
		{
			name: "success without url",
			resp: imagine.Response{OK: true, Status: http.StatusOK, Data: normalize.Decode([]byte(`{"status":"completed"}`))},
			want: Outcome{Status: imagine.JobStatusError, State: "completed", Error: "Request completed, but no URL returned"},
		},
		{
			name: "still running",
			resp: imagine.Response{OK: true, Status: http.StatusOK, Data: normalize.Decode([]byte(`{"phase":"rendering"}`))},
			want: Outcome{Status: imagine.JobStatusProcessing, State: "rendering"},
		},
		{
			name: "no state at all",
			resp: imagine.Response{OK: true, Status: http.StatusOK, Data: normalize.Decode([]byte(`{}`))},
			want: Outcome{Status: imagine.JobStatusProcessing},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.resp))
		})
	}
}

func TestApplyOutcomePendingKeepsJob(t *testing.T) {
	t.Parallel()

	job := imagine.Job{Status: imagine.JobStatusProcessing, LastState: "queued"}
	applyOutcome(&job, Outcome{Status: imagine.JobStatusProcessing, Pending: true}, normalize.String("ignored"))

	assert.Equal(t, "queued", job.LastState)
	assert.Nil(t, job.Raw)
}

func TestApplyOutcomeKeepsPreviousState(t *testing.T) {
	t.Parallel()

	job := imagine.Job{Status: imagine.JobStatusProcessing, LastState: "queued"}
	raw := normalize.Decode([]byte(`{"progress":40}`))
	applyOutcome(&job, Outcome{Status: imagine.JobStatusProcessing}, raw)

	assert.Equal(t, "queued", job.LastState)
	assert.Same(t, raw, job.Raw)
}
