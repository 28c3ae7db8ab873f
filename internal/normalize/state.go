package normalize

import "strings"

var stateFields = []string{"status", "state", "phase", "stage"}

// ExtractState returns the first non-blank state token among status, state,
// phase and stage, trimmed. ok is false when none is present.
func ExtractState(payload *Value) (string, bool) {
	if !payload.IsObject() {
		return "", false
	}
	for _, field := range stateFields {
		if s, isStr := payload.Get(field).Str(); isStr && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), true
		}
	}
	return "", false
}

// ExtractErrorMessage reads a string error, then message, then the nested
// error.message and error.detail fields.
func ExtractErrorMessage(payload *Value) (string, bool) {
	if !payload.IsObject() {
		return "", false
	}
	errField := payload.Get("error")
	if s, ok := nonBlank(errField); ok {
		return s, true
	}
	if s, ok := nonBlank(payload.Get("message")); ok {
		return s, true
	}
	if errField.IsObject() {
		if s, ok := nonBlank(errField.Get("message")); ok {
			return s, true
		}
		if s, ok := nonBlank(errField.Get("detail")); ok {
			return s, true
		}
	}
	return "", false
}

func nonBlank(v *Value) (string, bool) {
	s, ok := v.Str()
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// StateClass groups upstream state tokens.
type StateClass int

// State classes recognised by the poller.
const (
	StateUnknown StateClass = iota
	StateFailure
	StateSuccess
)

var (
	failureStates = map[string]struct{}{
		"failed": {}, "error": {}, "errored": {}, "canceled": {}, "cancelled": {},
	}
	successStates = map[string]struct{}{
		"succeeded": {}, "success": {}, "completed": {}, "complete": {}, "done": {}, "ready": {},
	}
)

// ClassifyState matches a token, case-insensitively and exactly, against the
// failure and success sets.
func ClassifyState(token string) StateClass {
	normalized := strings.ToLower(strings.TrimSpace(token))
	if _, ok := failureStates[normalized]; ok {
		return StateFailure
	}
	if _, ok := successStates[normalized]; ok {
		return StateSuccess
	}
	return StateUnknown
}
