package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingSubmissionID = errors.New("missing submissionId")
	ErrKeyExists           = errors.New("result key already present")
)

// State is the JSON object handed from one stage to the next. Stages only
// ever add their own key; every other value passes through byte for byte.
type State map[string]json.RawMessage

// SubmissionID reads "submissionId", falling back to "submission_id".
func (s State) SubmissionID() (string, error) {
	for _, k := range []string{"submissionId", "submission_id"} {
		raw, ok := s[k]
		if !ok {
			continue
		}
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id), nil
		}
	}
	return "", ErrMissingSubmissionID
}

func (s State) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Decode unmarshals s[key] into v. It reports false when the key is absent.
func (s State) Decode(key string, v any) (bool, error) {
	raw, ok := s[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// With returns a copy of s plus key=v. s itself is left untouched.
func (s State) With(key string, v any) (State, error) {
	if s.Has(key) {
		return nil, fmt.Errorf("%s: %w", key, ErrKeyExists)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", key, err)
	}
	out := make(State, len(s)+1)
	for k, raw := range s {
		out[k] = raw
	}
	out[key] = b
	return out, nil
}
