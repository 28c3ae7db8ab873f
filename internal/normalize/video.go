package normalize

import (
	"regexp"
	"strings"
)

const videoScanDepth = 5

// videoURLFields lists top-level result fields in priority order.
var videoURLFields = []string{"url", "video_url", "output_url", "download_url", "signed_url"}

var (
	httpURLPattern  = regexp.MustCompile(`(?i)^https?://`)
	imageExtPattern = regexp.MustCompile(`(?i)\.(png|jpe?g|webp|gif)(\?|$)`)
)

type urlCandidate struct {
	hint string
	url  string
}

// ExtractVideoURL picks the result video URL out of a status payload.
//
// Candidates come from the well-known top-level fields first and then from a
// depth-limited scan of the whole payload, each tagged with the nearest
// enclosing key containing "url". Selection prefers a hint from the priority
// list, then any ".mp4" URL, then the first candidate. URLs that end in a
// still-image extension are only returned when nothing else qualifies.
func ExtractVideoURL(payload *Value) (string, bool) {
	var candidates []urlCandidate
	if payload.IsObject() {
		for _, field := range videoURLFields {
			if u, ok := absoluteURL(payload.Get(field)); ok {
				candidates = append(candidates, urlCandidate{hint: field, url: u})
			}
		}
	}

	scan := videoScan{seen: make(map[*Value]struct{})}
	scan.walk(payload, "", 0)
	candidates = append(candidates, scan.found...)
	if len(candidates) == 0 {
		return "", false
	}

	playable := make([]urlCandidate, 0, len(candidates))
	for _, c := range candidates {
		if !imageExtPattern.MatchString(c.url) {
			playable = append(playable, c)
		}
	}
	if u, ok := selectVideoURL(playable); ok {
		return u, true
	}
	return selectVideoURL(candidates)
}

func selectVideoURL(candidates []urlCandidate) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	for _, field := range videoURLFields {
		for _, c := range candidates {
			if c.hint == field {
				return c.url, true
			}
		}
	}
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(c.url), ".mp4") {
			return c.url, true
		}
	}
	return candidates[0].url, true
}

type videoScan struct {
	seen  map[*Value]struct{}
	found []urlCandidate
}

func (s *videoScan) add(hint string, v *Value) {
	if u, ok := absoluteURL(v); ok {
		s.found = append(s.found, urlCandidate{hint: hint, url: u})
	}
}

func (s *videoScan) walk(v *Value, hint string, depth int) {
	if depth > videoScanDepth || v.empty() {
		return
	}
	switch v.Kind() {
	case KindString:
		s.add(hint, v)
	case KindArray:
		if s.visit(v) {
			for _, item := range v.items {
				s.walk(item, hint, depth+1)
			}
		}
	case KindObject:
		if !s.visit(v) {
			return
		}
		for _, m := range v.members {
			next := hint
			if strings.Contains(strings.ToLower(m.Key), "url") {
				next = m.Key
			}
			if m.Value.Kind() == KindString {
				s.add(next, m.Value)
				continue
			}
			s.walk(m.Value, next, depth+1)
		}
	}
}

func (s *videoScan) visit(v *Value) bool {
	if _, ok := s.seen[v]; ok {
		return false
	}
	s.seen[v] = struct{}{}
	return true
}

func absoluteURL(v *Value) (string, bool) {
	raw, ok := v.Str()
	if !ok {
		return "", false
	}
	u := strings.TrimSpace(raw)
	if !httpURLPattern.MatchString(u) {
		return "", false
	}
	return u, true
}
