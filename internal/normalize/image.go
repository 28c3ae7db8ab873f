package normalize

import (
	"regexp"
	"sort"
	"strings"
)

const (
	imageScanDepth = 6
	minBase64Len   = 200
)

var (
	dataImagePattern = regexp.MustCompile(`(?i)^data:image/`)
	dataPrefix       = regexp.MustCompile(`^data:.*;base64,`)
	base64Pattern    = regexp.MustCompile(`(?i)^[a-z0-9+/=]+$`)
)

type imageCandidate struct {
	hint    string
	value   string
	dataURI bool
}

// ExtractImageURLs collects image results from a generation payload, best
// first and without duplicates. It accepts data:image URIs, absolute http(s)
// URLs, and base64 blobs found under a key mentioning b64/base64, which are
// wrapped as PNG data URIs. Callers truncate the result.
func ExtractImageURLs(payload *Value) []string {
	scan := imageScan{seen: make(map[*Value]struct{})}

	if payload.IsObject() {
		scan.add("url", payload.Get("url"))
		for _, item := range payload.Get("data").Items() {
			if item.IsObject() {
				scan.add("url", item.Get("url"))
				scan.add("b64_json", item.Get("b64_json"))
			}
		}
		for _, item := range payload.Get("images").Items() {
			if item.IsObject() {
				scan.add("url", item.Get("url"))
				scan.add("b64_json", item.Get("b64_json"))
				continue
			}
			scan.add("image", item)
		}
	}
	scan.walk(payload, "", 0)

	type scored struct {
		value string
		score int
	}
	ranked := make([]scored, 0, len(scan.found))
	for _, c := range scan.found {
		ranked = append(ranked, scored{value: c.value, score: scoreImage(c)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]string, 0, len(ranked))
	seen := make(map[string]struct{}, len(ranked))
	for _, r := range ranked {
		if _, dup := seen[r.value]; dup {
			continue
		}
		seen[r.value] = struct{}{}
		out = append(out, r.value)
	}
	return out
}

func scoreImage(c imageCandidate) int {
	hint := strings.ToLower(c.hint)
	score := 0
	if c.dataURI {
		score += 3
	}
	if imageExtPattern.MatchString(c.value) {
		score += 4
	}
	if strings.Contains(hint, "b64") {
		score += 2
	}
	if strings.Contains(hint, "image") {
		score++
	}
	if hint == "url" {
		score++
	}
	return score
}

type imageScan struct {
	seen  map[*Value]struct{}
	found []imageCandidate
}

func (s *imageScan) add(hint string, v *Value) {
	raw, ok := v.Str()
	if !ok {
		return
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return
	}
	switch {
	case dataImagePattern.MatchString(trimmed):
		s.found = append(s.found, imageCandidate{hint: hint, value: trimmed, dataURI: true})
	case httpURLPattern.MatchString(trimmed):
		s.found = append(s.found, imageCandidate{hint: hint, value: trimmed})
	default:
		lower := strings.ToLower(hint)
		if !strings.Contains(lower, "b64") && !strings.Contains(lower, "base64") {
			return
		}
		if wrapped, ok := WrapBase64PNG(trimmed); ok {
			s.found = append(s.found, imageCandidate{hint: hint, value: wrapped})
		}
	}
}

func (s *imageScan) walk(v *Value, hint string, depth int) {
	if depth > imageScanDepth || v.empty() {
		return
	}
	switch v.Kind() {
	case KindString:
		s.add(hint, v)
	case KindArray:
		if !s.visit(v) {
			return
		}
		for _, item := range v.items {
			s.walk(item, hint, depth+1)
		}
	case KindObject:
		if !s.visit(v) {
			return
		}
		for _, m := range v.members {
			s.add(m.Key, m.Value)
			s.walk(m.Value, m.Key, depth+1)
		}
	}
}

func (s *imageScan) visit(v *Value) bool {
	if _, ok := s.seen[v]; ok {
		return false
	}
	s.seen[v] = struct{}{}
	return true
}

// WrapBase64PNG strips any data-URI prefix from s and, when the remainder is
// plausible base64 longer than 200 characters, returns it as a PNG data URI.
func WrapBase64PNG(s string) (string, bool) {
	cleaned := dataPrefix.ReplaceAllString(strings.TrimSpace(s), "")
	if len(cleaned) <= minBase64Len || !base64Pattern.MatchString(cleaned) {
		return "", false
	}
	return "data:image/png;base64," + cleaned, true
}
