package upstream

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDataURI marks data URIs that cannot be decoded.
var ErrInvalidDataURI = errors.New("invalid data URI")

// DecodeDataURI decodes a base64 data URI into its bytes and media type.
func DecodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := cutPrefixFold(uri, "data:")
	if !ok {
		return nil, "", fmt.Errorf("%w: missing data: scheme", ErrInvalidDataURI)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: missing payload", ErrInvalidDataURI)
	}
	mediaType, encoding, _ := strings.Cut(meta, ";")
	if !strings.EqualFold(encoding, "base64") {
		return nil, "", fmt.Errorf("%w: unsupported encoding %q", ErrInvalidDataURI, encoding)
	}
	data, err := base64.StdEncoding.DecodeString(whitespace.ReplaceAllString(payload, ""))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidDataURI, err)
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return data, mediaType, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
