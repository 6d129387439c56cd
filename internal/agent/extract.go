package agent

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractJSON returns the JSON object embedded in raw model output.
// Models are instructed to emit bare JSON but routinely wrap it in
// markdown fences or surround it with prose; both are tolerated.
// Returns "" when no valid object is present.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if fenced := stripFences(s); fenced != "" {
		s = fenced
	}
	if strings.HasPrefix(s, "{") && gjson.Valid(s) {
		return s
	}

	// Fall back to the outermost brace span.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	candidate := s[start : end+1]
	if gjson.Valid(candidate) {
		return candidate
	}
	return ""
}

// stripFences unwraps a ```json ... ``` (or bare ```) fence.
// Returns "" when s is not fenced.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return ""
	}
	rest := strings.TrimPrefix(s, "```")
	if i := strings.Index(rest, "\n"); i >= 0 {
		rest = rest[i+1:] // drop the info string (json, JSON, nothing)
	}
	if i := strings.LastIndex(rest, "```"); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(rest)
}

// fieldString extracts a string value by gjson path.
func fieldString(body, path string) string {
	return strings.TrimSpace(gjson.Get(body, path).String())
}

// fieldStrings extracts an array of strings by gjson path, dropping blanks.
func fieldStrings(body, path string) []string {
	res := gjson.Get(body, path)
	if !res.Exists() {
		return nil
	}
	var out []string
	for _, item := range res.Array() {
		if s := strings.TrimSpace(item.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// fieldInt extracts an integer value by gjson path.
func fieldInt(body, path string) int {
	return int(gjson.Get(body, path).Int())
}

// fieldItems extracts an array by gjson path, returning each element's
// raw JSON so callers can extract nested fields.
func fieldItems(body, path string) []string {
	res := gjson.Get(body, path)
	if !res.Exists() || !res.IsArray() {
		return nil
	}
	var out []string
	for _, item := range res.Array() {
		out = append(out, item.Raw)
	}
	return out
}
