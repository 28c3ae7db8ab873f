package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
)

// Document keys. The version suffix changes whenever the encoding does.
const (
	KeyVideoJobs = "imagine:video:jobs:v1"
	KeyImageJobs = "imagine:image:jobs:v1"
	KeyKeys      = "imagine:keys:v1"
	KeyCursor    = "imagine:keys:rr-index:v1"
)

// Default collection caps.
const (
	DefaultJobCapacity = 25
	DefaultKeyCapacity = 20
	DefaultMaxImages   = 6
)

// JobsKey returns the document key for a job kind.
func JobsKey(kind imagine.JobKind) string {
	if kind == imagine.JobKindImage {
		return KeyImageJobs
	}
	return KeyVideoJobs
}

// Codec converts collections to and from their persisted form.
type Codec struct {
	JobCapacity int
	KeyCapacity int
	MaxImages   int
}

// DefaultCodec uses the default caps.
func DefaultCodec() Codec {
	return Codec{JobCapacity: DefaultJobCapacity, KeyCapacity: DefaultKeyCapacity, MaxImages: DefaultMaxImages}
}

// EncodeJobs serialises at most JobCapacity jobs. Raw payloads are dropped and
// image jobs keep only http(s) results, capped at MaxImages.
func (c Codec) EncodeJobs(kind imagine.JobKind, jobs []imagine.Job) ([]byte, error) {
	if len(jobs) > c.JobCapacity {
		jobs = jobs[:c.JobCapacity]
	}
	out := make([]imagine.Job, 0, len(jobs))
	for _, job := range jobs {
		persisted := job.Clone()
		persisted.Raw = nil
		if kind == imagine.JobKindImage {
			persisted.Images = httpOnly(persisted.Images, c.MaxImages)
		}
		out = append(out, persisted)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s jobs: %w", kind, err)
	}
	return data, nil
}

// DecodeJobs parses persisted jobs, skipping records that cannot be used.
func (c Codec) DecodeJobs(kind imagine.JobKind, data []byte) ([]imagine.Job, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s jobs: %w", kind, err)
	}
	jobs := make([]imagine.Job, 0, len(records))
	for _, record := range records {
		var job imagine.Job
		if err := json.Unmarshal(record, &job); err != nil {
			continue
		}
		if job.ID == "" || strings.TrimSpace(job.Prompt) == "" {
			continue
		}
		job.Kind = kind
		if job.Mode != imagine.ModeEdit {
			job.Mode = imagine.ModeGenerate
		}
		job.Status = normalizeStatus(kind, job.Status)
		if kind == imagine.JobKindImage && len(job.Images) > c.MaxImages {
			job.Images = job.Images[:c.MaxImages]
		}
		jobs = append(jobs, job)
		if len(jobs) == c.JobCapacity {
			break
		}
	}
	return jobs, nil
}

func normalizeStatus(kind imagine.JobKind, status imagine.JobStatus) imagine.JobStatus {
	switch status {
	case imagine.JobStatusReady, imagine.JobStatusError:
		return status
	case imagine.JobStatusProcessing, imagine.JobStatusStopped:
		if kind == imagine.JobKindVideo {
			return status
		}
	}
	if kind == imagine.JobKindImage {
		return imagine.JobStatusReady
	}
	return imagine.JobStatusError
}

// EncodeKeys serialises at most KeyCapacity credentials.
func (c Codec) EncodeKeys(entries []imagine.KeyEntry) ([]byte, error) {
	if len(entries) > c.KeyCapacity {
		entries = entries[:c.KeyCapacity]
	}
	if entries == nil {
		entries = []imagine.KeyEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode keys: %w", err)
	}
	return data, nil
}

type persistedKey struct {
	ID            string                `json:"id"`
	Label         string                `json:"label"`
	Credential    string                `json:"key"`
	Enabled       *bool                 `json:"enabled"`
	Health        imagine.KeyHealth     `json:"health"`
	LastCheckedAt *time.Time            `json:"last_checked_at"`
	LastError     string                `json:"last_error"`
	Capabilities  *imagine.Capabilities `json:"capabilities"`
}

// DecodeKeys parses persisted credentials. Entries without a credential are
// dropped, blank labels become "Key N", a missing enabled flag means enabled,
// and unknown health values reset to unknown.
func (c Codec) DecodeKeys(data []byte, newID func() string) ([]imagine.KeyEntry, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}
	entries := make([]imagine.KeyEntry, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for index, record := range records {
		var raw persistedKey
		if err := json.Unmarshal(record, &raw); err != nil {
			continue
		}
		credential := strings.TrimSpace(raw.Credential)
		if credential == "" {
			continue
		}
		if _, dup := seen[credential]; dup {
			continue
		}
		seen[credential] = struct{}{}

		entry := imagine.KeyEntry{
			ID:            raw.ID,
			Label:         strings.TrimSpace(raw.Label),
			Credential:    credential,
			Enabled:       raw.Enabled == nil || *raw.Enabled,
			Health:        raw.Health,
			LastError:     raw.LastError,
			Capabilities:  raw.Capabilities,
			LastCheckedAt: raw.LastCheckedAt,
		}
		if entry.ID == "" {
			entry.ID = newID()
		}
		if entry.Label == "" {
			entry.Label = "Key " + strconv.Itoa(index+1)
		}
		switch entry.Health {
		case imagine.KeyHealthOK, imagine.KeyHealthInvalid, imagine.KeyHealthRateLimited, imagine.KeyHealthError:
		default:
			entry.Health = imagine.KeyHealthUnknown
		}
		entries = append(entries, entry)
		if len(entries) == c.KeyCapacity {
			break
		}
	}
	return entries, nil
}

// EncodeCursor serialises the rotation cursor.
func (c Codec) EncodeCursor(cursor int) []byte {
	if cursor < 0 {
		cursor = 0
	}
	return []byte(strconv.Itoa(cursor))
}

// DecodeCursor parses the rotation cursor; anything unusable reads as 0.
func (c Codec) DecodeCursor(data []byte) int {
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func httpOnly(values []string, limit int) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		lower := strings.ToLower(v)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			continue
		}
		out = append(out, v)
		if len(out) == limit {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
