package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseModelJSON parses model output that should be a single JSON object,
// tolerating the ways local models actually misbehave. The cascade:
// parse as-is, extract the first {...} region, repair invalid backslash
// escapes, parse again. The last decode error surfaces if every candidate
// fails.
func ParseModelJSON(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)

	var candidates []string
	if text != "" {
		candidates = append(candidates, text)
	}
	if extracted := ExtractJSONObject(text); extracted != "" && extracted != text {
		candidates = append(candidates, extracted)
	}
	for _, c := range append([]string(nil), candidates...) {
		if rc := RepairInvalidEscapes(c); rc != c {
			candidates = append(candidates, rc)
		}
	}

	seen := make(map[string]bool, len(candidates))
	var lastErr error
	for _, c := range candidates {
		if seen[c] {
			continue
		}
		seen[c] = true

		var val map[string]any
		if err := json.Unmarshal([]byte(c), &val); err != nil {
			lastErr = err
			continue
		}
		if val == nil {
			lastErr = fmt.Errorf("top-level JSON value is not an object")
			continue
		}
		return val, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("invalid json")
	}
	return nil, fmt.Errorf("parse model json: %w", lastErr)
}

// ExtractJSONObject returns the substring from the first '{' to the last
// '}', or "" when no plausible object exists.
func ExtractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// RepairInvalidEscapes doubles backslashes that start an escape JSON does
// not allow (valid: \" \\ \/ \b \f \n \r \t \uXXXX). Models emit things
// like \_ and \x often enough that this pass rescues otherwise-good
// output. A trailing lone backslash is doubled too.
func RepairInvalidEscapes(text string) string {
	if text == "" {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '\\' {
			b.WriteByte(ch)
			continue
		}
		if i+1 >= len(text) {
			b.WriteString(`\\`)
			break
		}
		next := text[i+1]
		if validEscapeChar(next) || (next == 'u' && hasHex4(text[i+2:])) {
			b.WriteByte(ch)
			b.WriteByte(next)
			i++
			continue
		}
		b.WriteString(`\\`)
	}
	return b.String()
}

func validEscapeChar(c byte) bool {
	switch c {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
		return true
	}
	return false
}

func hasHex4(s string) bool {
	if len(s) < 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		c := s[i]
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !ok {
			return false
		}
	}
	return true
}
