package diff

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Rules constrains what a model-produced diff may contain. Zero values
// disable the corresponding check.
type Rules struct {
	// AllowPaths, when non-empty, requires every touched path to match at
	// least one pattern. Patterns support ** (doublestar).
	AllowPaths []string

	// BlockPaths rejects any touched path matching a pattern. Block wins
	// over allow.
	BlockPaths []string

	// MaxLines caps added plus removed lines across the whole diff.
	MaxLines int
}

// Validate parses a diff and checks it against the rules. It returns the
// parsed files so callers do not parse twice.
func Validate(text string, rules Rules) ([]FileDiff, error) {
	if err := checkNestedMarkers(text); err != nil {
		return nil, err
	}

	files, err := Parse(text)
	if err != nil {
		return nil, err
	}

	for i := range files {
		p := files[i].Path()
		blocked, err := matchAny(rules.BlockPaths, p)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, fmt.Errorf("path %s is blocked", p)
		}
		if len(rules.AllowPaths) > 0 {
			allowed, err := matchAny(rules.AllowPaths, p)
			if err != nil {
				return nil, err
			}
			if !allowed {
				return nil, fmt.Errorf("path %s is outside the allowed paths", p)
			}
		}
	}

	if rules.MaxLines > 0 {
		stats := Stat(files)
		if total := stats.Additions + stats.Deletions; total > rules.MaxLines {
			return nil, fmt.Errorf("diff has %d changed lines, limit is %d", total, rules.MaxLines)
		}
	}
	return files, nil
}

// checkNestedMarkers rejects diffs whose added lines themselves look like
// diff headers. Models that echo their input produce these, and applying
// one corrupts the target file in ways that pass a plain parse.
func checkNestedMarkers(text string) error {
	for _, line := range strings.Split(text, "\n") {
		if len(line) == 0 || line[0] != '+' || strings.HasPrefix(line, "+++ ") {
			continue
		}
		content := line[1:]
		if strings.HasPrefix(content, "diff --git ") ||
			strings.HasPrefix(content, "+++ ") ||
			strings.HasPrefix(content, "--- ") ||
			hunkRe.MatchString(content) {
			return fmt.Errorf("nested diff marker in added line: %q", truncate(line, 60))
		}
	}
	return nil
}

func matchAny(patterns []string, path string) (bool, error) {
	for _, pattern := range patterns {
		ok, err := doublestar.Match(pattern, path)
		if err != nil {
			return false, fmt.Errorf("bad path pattern %q: %w", pattern, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
