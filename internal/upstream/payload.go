package upstream

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
)

// Default models per job kind.
const (
	DefaultVideoModel = "grok-imagine-video"
	DefaultImageModel = "grok-imagine-image"
)

// VideoRequest is a validated video submission.
type VideoRequest struct {
	Mode        imagine.Mode
	Model       string
	Prompt      string
	Duration    int
	AspectRatio string
	Resolution  string
	ImageURL    string
	VideoURL    string
}

// Endpoint returns the submission path for the request mode.
func (r VideoRequest) Endpoint() string {
	if r.Mode == imagine.ModeEdit {
		return EndpointVideoEdits
	}
	return EndpointVideoGenerations
}

// Payload renders the JSON body. Source media is sent both flat and nested
// (image_url and image.url) since the API accepts either shape. Duration
// applies to generation only.
func (r VideoRequest) Payload() ([]byte, error) {
	body := []byte(`{}`)
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		body, err = sjson.SetBytes(body, path, value)
	}

	model := r.Model
	if model == "" {
		model = DefaultVideoModel
	}
	set("model", model)
	set("prompt", r.Prompt)
	if r.AspectRatio != "" {
		set("aspect_ratio", r.AspectRatio)
	}
	if r.Resolution != "" {
		set("resolution", r.Resolution)
	}
	switch r.Mode {
	case imagine.ModeEdit:
		if r.VideoURL != "" {
			set("video_url", r.VideoURL)
			set("video.url", r.VideoURL)
		}
	default:
		if r.Duration > 0 {
			set("duration", r.Duration)
		}
		if r.ImageURL != "" {
			set("image_url", r.ImageURL)
			set("image.url", r.ImageURL)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build video payload: %w", err)
	}
	return body, nil
}

// ImageRequest is a validated image submission.
type ImageRequest struct {
	Mode           imagine.Mode
	Model          string
	Prompt         string
	Count          int
	ResponseFormat string
	AspectRatio    string
	Resolution     string
	Image          string
}

// Endpoint returns the submission path for the request mode.
func (r ImageRequest) Endpoint() string {
	if r.Mode == imagine.ModeEdit {
		return EndpointImageEdits
	}
	return EndpointImageGenerations
}

// Payload renders the JSON body. Aspect ratio applies to generation; the
// source image to edits, normalized by NormalizeImageInput.
func (r ImageRequest) Payload() ([]byte, error) {
	body := []byte(`{}`)
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		body, err = sjson.SetBytes(body, path, value)
	}

	model := r.Model
	if model == "" {
		model = DefaultImageModel
	}
	set("model", model)
	set("prompt", r.Prompt)
	if r.ResponseFormat != "" {
		set("response_format", r.ResponseFormat)
	}
	if r.Count > 0 {
		set("n", r.Count)
	}
	if r.Resolution != "" {
		set("resolution", r.Resolution)
	}
	switch r.Mode {
	case imagine.ModeEdit:
		image := NormalizeImageInput(r.Image)
		set("image_url", image)
		set("image.url", image)
	default:
		if r.AspectRatio != "" {
			set("aspect_ratio", r.AspectRatio)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build image payload: %w", err)
	}
	return body, nil
}

var (
	httpPrefix     = regexp.MustCompile(`(?i)^https?://`)
	dataImage      = regexp.MustCompile(`(?i)^data:image/`)
	whitespace     = regexp.MustCompile(`\s+`)
	base64Alphabet = regexp.MustCompile(`(?i)^[a-z0-9+/=]+$`)
)

// NormalizeImageInput passes http(s) URLs and image data URIs through and
// wraps a bare base64 blob longer than 200 characters as a PNG data URI.
// Anything else is returned trimmed.
func NormalizeImageInput(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || httpPrefix.MatchString(trimmed) || dataImage.MatchString(trimmed) {
		return trimmed
	}
	compact := whitespace.ReplaceAllString(trimmed, "")
	if len(compact) > 200 && base64Alphabet.MatchString(compact) {
		return "data:image/png;base64," + compact
	}
	return trimmed
}
