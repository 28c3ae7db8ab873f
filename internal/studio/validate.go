package studio

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/upstream"
)

// ErrInvalidInput is wrapped by every ValidationError.
var ErrInvalidInput = errors.New("invalid input")

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets callers match ErrInvalidInput.
func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Limits on submission parameters.
const (
	MinDuration = 1
	MaxDuration = 15
	MinImages   = 1
	MaxImages   = 10
)

var (
	videoAspectRatios = []string{"16:9", "4:3", "1:1", "9:16", "3:4", "3:2", "2:3"}
	videoResolutions  = []string{"720p", "480p"}
	responseFormats   = []string{"url", "b64_json"}
	ratioPattern      = regexp.MustCompile(`^\d+:\d+$`)
)

// VideoInput is a video submission as received from a client.
type VideoInput struct {
	Mode        imagine.Mode `json:"mode"`
	Model       string       `json:"model"`
	Prompt      string       `json:"prompt"`
	Duration    int          `json:"duration"`
	AspectRatio string       `json:"aspect_ratio"`
	Resolution  string       `json:"resolution"`
	ImageURL    string       `json:"image_url"`
	VideoURL    string       `json:"video_url"`
}

// Request validates in and builds the upstream request.
func (in VideoInput) Request() (upstream.VideoRequest, error) {
	mode, err := parseMode(in.Mode)
	if err != nil {
		return upstream.VideoRequest{}, err
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return upstream.VideoRequest{}, invalid("prompt", "Prompt is required")
	}
	req := upstream.VideoRequest{
		Mode:        mode,
		Model:       strings.TrimSpace(in.Model),
		Prompt:      prompt,
		AspectRatio: in.AspectRatio,
		Resolution:  in.Resolution,
	}
	if in.AspectRatio != "" && !slices.Contains(videoAspectRatios, in.AspectRatio) {
		return req, invalid("aspect_ratio", "must be one of %s", strings.Join(videoAspectRatios, ", "))
	}
	if in.Resolution != "" && !slices.Contains(videoResolutions, in.Resolution) {
		return req, invalid("resolution", "must be one of %s", strings.Join(videoResolutions, ", "))
	}

	if mode == imagine.ModeEdit {
		videoURL := strings.TrimSpace(in.VideoURL)
		if videoURL == "" {
			return req, invalid("video_url", "video.url (or video_url) is required for edit mode")
		}
		if !isURL(videoURL) {
			return req, invalid("video_url", "must be a URL")
		}
		req.VideoURL = videoURL
		return req, nil
	}

	if in.Duration != 0 && (in.Duration < MinDuration || in.Duration > MaxDuration) {
		return req, invalid("duration", "must be between %d and %d", MinDuration, MaxDuration)
	}
	req.Duration = in.Duration
	if imageURL := strings.TrimSpace(in.ImageURL); imageURL != "" {
		if !isURL(imageURL) {
			return req, invalid("image_url", "must be a URL")
		}
		req.ImageURL = imageURL
	}
	return req, nil
}

// ImageInput is an image submission as received from a client.
type ImageInput struct {
	Mode           imagine.Mode `json:"mode"`
	Model          string       `json:"model"`
	Prompt         string       `json:"prompt"`
	Count          int          `json:"n"`
	ResponseFormat string       `json:"response_format"`
	AspectRatio    string       `json:"aspect_ratio"`
	Resolution     string       `json:"resolution"`
	// Image is the edit source: a URL, an image data URI, or bare base64.
	Image string `json:"image"`
}

// Request validates in and builds the upstream request.
func (in ImageInput) Request() (upstream.ImageRequest, error) {
	mode, err := parseMode(in.Mode)
	if err != nil {
		return upstream.ImageRequest{}, err
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return upstream.ImageRequest{}, invalid("prompt", "Prompt is required")
	}
	req := upstream.ImageRequest{
		Mode:           mode,
		Model:          strings.TrimSpace(in.Model),
		Prompt:         prompt,
		Count:          in.Count,
		ResponseFormat: in.ResponseFormat,
		Resolution:     strings.TrimSpace(in.Resolution),
	}
	if in.Count != 0 && (in.Count < MinImages || in.Count > MaxImages) {
		return req, invalid("n", "must be between %d and %d", MinImages, MaxImages)
	}
	if in.ResponseFormat != "" && !slices.Contains(responseFormats, in.ResponseFormat) {
		return req, invalid("response_format", "must be one of %s", strings.Join(responseFormats, ", "))
	}

	if mode == imagine.ModeEdit {
		image := strings.TrimSpace(in.Image)
		if image == "" {
			return req, invalid("image", "Image is required for edits (URL or upload)")
		}
		req.Image = image
		return req, nil
	}
	if in.AspectRatio != "" && !ratioPattern.MatchString(in.AspectRatio) {
		return req, invalid("aspect_ratio", "aspect_ratio must look like 4:3")
	}
	req.AspectRatio = in.AspectRatio
	return req, nil
}

func parseMode(mode imagine.Mode) (imagine.Mode, error) {
	switch mode {
	case "":
		return imagine.ModeGenerate, nil
	case imagine.ModeGenerate, imagine.ModeEdit:
		return mode, nil
	default:
		return "", invalid("mode", "must be generate or edit")
	}
}

func isURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && (u.Host != "" || u.Opaque != "")
}

// sourceHint records where edit or reference media came from without
// storing inline payloads.
func sourceHint(source string) string {
	lower := strings.ToLower(source)
	switch {
	case source == "":
		return ""
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return source
	default:
		return "upload:image"
	}
}
