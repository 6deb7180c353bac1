package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ExtractJSON repairs a model answer into JSON. The whole text is tried first,
// then the first balanced {...} object found in it.
func ExtractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	candidate := firstObject(trimmed)
	if candidate == "" {
		return nil, &ParseError{Text: text, Err: errors.New("no JSON object in response")}
	}
	if !json.Valid([]byte(candidate)) {
		var probe any
		err := json.Unmarshal([]byte(candidate), &probe)
		return nil, &ParseError{Text: text, Err: err}
	}
	return json.RawMessage(candidate), nil
}

// firstObject returns the first top-level brace-balanced object in s. Braces
// inside string literals are ignored. ASCII delimiters never occur inside a
// multi-byte UTF-8 sequence, so scanning bytes is safe.
func firstObject(s string) string {
	depth := 0
	start := -1
	inString := false
	escape := false

	for i := 0; i < len(s); i++ {
		b := s[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			switch b {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
