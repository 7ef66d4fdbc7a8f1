package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedOutput reports model output that does not decode into the
// expected structure.
var ErrMalformedOutput = errors.New("malformed model output")

// DecodeJSON extracts the JSON object from content and unmarshals it into v.
// Every key in required must be present and non-null. Any failure wraps
// ErrMalformedOutput.
func DecodeJSON(content string, v any, required ...string) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return fmt.Errorf("%w: no JSON object in response", ErrMalformedOutput)
	}
	if len(required) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedOutput, err)
		}
		var missing []string
		for _, key := range required {
			val, ok := fields[key]
			if !ok || string(val) == "null" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: missing %s", ErrMalformedOutput, strings.Join(missing, ", "))
		}
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}
	return nil
}

// ExtractJSON returns the first complete JSON object in an LLM response.
// Markdown fences and prose around the object are ignored, and the
// JavaScript-style line comments and trailing commas models like to emit
// are removed. Returns "" when no balanced object exists.
func ExtractJSON(content string) string {
	for start := strings.IndexByte(content, '{'); start >= 0; {
		if n := objectLen(content[start:]); n > 0 {
			return cleanJSON(content[start : start+n])
		}
		next := strings.IndexByte(content[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return ""
}

// objectLen returns the byte length of the brace-balanced object at the
// start of s, or 0 if it never closes. Braces inside strings and line
// comments do not count.
func objectLen(s string) int {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '/' && i+1 < len(s) && s[i+1] == '/':
			nl := strings.IndexByte(s[i:], '\n')
			if nl < 0 {
				return 0
			}
			i += nl
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return 0
}

// cleanJSON removes line comments and trailing commas outside of string values.
func cleanJSON(raw string) string {
	return dropTrailingCommas(stripComments(raw))
}

// stripComments removes // comments that are not inside string values,
// along with the whitespace before them.
func stripComments(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if !inString && !escaped && ch == '/' && i+1 < len(raw) && raw[i+1] == '/' {
			trimmed := strings.TrimRight(b.String(), " \t")
			b.Reset()
			b.WriteString(trimmed)
			nl := strings.IndexByte(raw[i:], '\n')
			if nl < 0 {
				break
			}
			i += nl - 1
			continue
		}
		b.WriteByte(ch)
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		}
	}
	return b.String()
}

// dropTrailingCommas removes commas that directly precede } or ].
func dropTrailingCommas(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == ',':
			rest := strings.TrimLeft(raw[i+1:], " \t\r\n")
			if rest != "" && (rest[0] == '}' || rest[0] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}
