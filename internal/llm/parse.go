package llm

import (
	"encoding/json"
	"strings"
)

// ExtractFirstJSONObject finds the first balanced {...} block in free text.
// Braces inside string literals are ignored. Returns "" if none closes.
func ExtractFirstJSONObject(s string) string {
	start := strings.Index(s, "{")
	for start >= 0 {
		if end := matchBrace(s, start); end > 0 {
			return s[start : end+1]
		}
		next := strings.Index(s[start+1:], "{")
		if next < 0 {
			return ""
		}
		start += next + 1
	}
	return ""
}

func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// DecodeOrDefault parses the first JSON object in text into a T. Any failure
// yields fallback and ok=false; the error is never surfaced.
func DecodeOrDefault[T any](text string, fallback T) (T, bool) {
	raw := ExtractFirstJSONObject(text)
	if raw == "" {
		return fallback, false
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fallback, false
	}
	return v, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
