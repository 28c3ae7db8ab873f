package imagine

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/imagine-orchestrator/internal/normalize"
)

// JobKind separates deferred video jobs from immediate image jobs.
type JobKind string

// Job kinds tracked by the registry.
const (
	JobKindVideo JobKind = "video"
	JobKindImage JobKind = "image"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool { return k == JobKindVideo || k == JobKindImage }

// Mode selects between generating from a prompt and editing source media.
type Mode string

// Request modes.
const (
	ModeGenerate Mode = "generate"
	ModeEdit     Mode = "edit"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status values. Ready and error are terminal.
const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusReady      JobStatus = "ready"
	JobStatusError      JobStatus = "error"
	JobStatusStopped    JobStatus = "stopped"
)

// Terminal reports whether no further automatic transitions can occur.
func (s JobStatus) Terminal() bool { return s == JobStatusReady || s == JobStatusError }

// JobInputs captures the parameters a job was submitted with.
type JobInputs struct {
	Model          string `json:"model,omitempty"`
	Duration       int    `json:"duration,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	Resolution     string `json:"resolution,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`
	VideoURL       string `json:"video_url,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	Count          int    `json:"n,omitempty"`
}

// Job is one tracked unit of upstream work. Raw holds the last upstream
// payload and is never persisted.
type Job struct {
	ID           string           `json:"id"`
	Kind         JobKind          `json:"kind"`
	Mode         Mode             `json:"mode"`
	Prompt       string           `json:"prompt"`
	CreatedAt    time.Time        `json:"created_at"`
	Status       JobStatus        `json:"status"`
	KeyID        string           `json:"key_id,omitempty"`
	Inputs       JobInputs        `json:"inputs"`
	LastState    string           `json:"last_state,omitempty"`
	LastPolledAt *time.Time       `json:"last_polled_at,omitempty"`
	VideoURL     string           `json:"video_url,omitempty"`
	Images       []string         `json:"images,omitempty"`
	Error        string           `json:"error,omitempty"`
	Archived     []string         `json:"archived,omitempty"`
	Raw          *normalize.Value `json:"-"`
}

// Clone returns a copy of j that shares no slices or pointers with it,
// except Raw which is treated as immutable.
func (j Job) Clone() Job {
	out := j
	if j.LastPolledAt != nil {
		polled := *j.LastPolledAt
		out.LastPolledAt = &polled
	}
	out.Images = append([]string(nil), j.Images...)
	out.Archived = append([]string(nil), j.Archived...)
	return out
}

// Results lists the media URLs a ready job produced.
func (j Job) Results() []string {
	if j.Kind == JobKindVideo {
		if j.VideoURL == "" {
			return nil
		}
		return []string{j.VideoURL}
	}
	return append([]string(nil), j.Images...)
}

// KeyHealth is the last known state of a credential.
type KeyHealth string

// Credential health values.
const (
	KeyHealthUnknown     KeyHealth = "unknown"
	KeyHealthOK          KeyHealth = "ok"
	KeyHealthInvalid     KeyHealth = "invalid"
	KeyHealthRateLimited KeyHealth = "rate_limited"
	KeyHealthError       KeyHealth = "error"
)

// HealthForStatus maps a failed upstream HTTP status onto a credential health.
func HealthForStatus(status int) KeyHealth {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KeyHealthInvalid
	case http.StatusTooManyRequests:
		return KeyHealthRateLimited
	default:
		return KeyHealthError
	}
}

// Rotatable reports whether a failure with status should move on to the
// next credential.
func Rotatable(status int) bool {
	return status == http.StatusUnauthorized ||
		status == http.StatusForbidden ||
		status == http.StatusTooManyRequests
}

// Capabilities records which generation models a credential can reach.
type Capabilities struct {
	Video bool `json:"video"`
	Image bool `json:"image"`
}

// KeyEntry is a credential held in the rotation pool.
type KeyEntry struct {
	ID            string        `json:"id"`
	Label         string        `json:"label"`
	Credential    string        `json:"key"`
	Enabled       bool          `json:"enabled"`
	Health        KeyHealth     `json:"health"`
	LastCheckedAt *time.Time    `json:"last_checked_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	Capabilities  *Capabilities `json:"capabilities,omitempty"`
}

// Masked returns the display-safe form of the credential.
func (k KeyEntry) Masked() string { return MaskCredential(k.Credential) }

// Clone returns a deep copy of k.
func (k KeyEntry) Clone() KeyEntry {
	out := k
	if k.LastCheckedAt != nil {
		checked := *k.LastCheckedAt
		out.LastCheckedAt = &checked
	}
	if k.Capabilities != nil {
		caps := *k.Capabilities
		out.Capabilities = &caps
	}
	return out
}

// MaskCredential keeps the first and last four characters of a credential.
// Short credentials are fully hidden.
func MaskCredential(credential string) string {
	trimmed := strings.TrimSpace(credential)
	if utf8.RuneCountInString(trimmed) <= 10 {
		return "••••••••"
	}
	runes := []rune(trimmed)
	return string(runes[:4]) + "…" + string(runes[len(runes)-4:])
}

// Response is one upstream round trip. Data is null for an empty body,
// parsed JSON when the body is valid JSON, and raw text otherwise.
type Response struct {
	OK     bool
	Status int
	Data   *normalize.Value
}

// Pending reports the distinguished "still working" status.
func (r Response) Pending() bool { return r.Status == http.StatusAccepted }

// ArchiveItem asks the archiver to copy a ready job's media.
type ArchiveItem struct {
	JobID string
	Kind  JobKind
	URLs  []string
}

// ArchiveEvent is published for every archived media object.
type ArchiveEvent struct {
	JobID      string    `json:"job_id"`
	Kind       JobKind   `json:"kind"`
	SourceURL  string    `json:"source_url"`
	BlobURI    string    `json:"blob_uri"`
	SHA256     string    `json:"sha256"`
	ArchivedAt time.Time `json:"archived_at"`
}
