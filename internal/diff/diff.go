// Package diff parses, validates, merges, and re-renders unified diffs.
// The batch coalescer merges per-file hunks from separate tasks here, and
// stage handlers validate model-produced diffs before they touch a repo.
package diff

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FileDiff is the parsed change set for one file.
type FileDiff struct {
	OldPath  string
	NewPath  string
	IsNew    bool
	IsDelete bool
	IsBinary bool
	Hunks    []Hunk
}

// Path returns the effective path of the file: the new path, except for
// deletions where only the old path exists.
func (f *FileDiff) Path() string {
	if f.IsDelete || f.NewPath == "" {
		return f.OldPath
	}
	return f.NewPath
}

// Hunk is one @@-delimited change region. Lines keep their +/-/space
// prefixes so a hunk re-renders byte-for-byte.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Section  string
	Lines    []string
}

// oldPos is the first old-file line the hunk claims. Pure insertions
// (OldLines == 0) sit in the gap after OldStart, so they claim the line
// following it.
func (h *Hunk) oldPos() int {
	if h.OldLines == 0 {
		return h.OldStart + 1
	}
	return h.OldStart
}

// oldEnd is one past the last old-file line the hunk claims.
func (h *Hunk) oldEnd() int {
	return h.oldPos() + h.OldLines
}

// @@ -start,count +start,count @@ optional section
var hunkRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@(.*)$`)

// Parse splits a unified diff into per-file changes. It accepts both
// git-style diffs (diff --git headers) and bare ---/+++ pairs.
func Parse(text string) ([]FileDiff, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty diff")
	}

	var files []FileDiff
	var current *FileDiff
	var hunk *Hunk
	var oldLeft, newLeft int

	flushHunk := func() {
		if hunk != nil && current != nil {
			current.Hunks = append(current.Hunks, *hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		if current != nil {
			files = append(files, *current)
		}
		current = nil
	}

	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]

		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushFile()
			current = &FileDiff{}
			if oldPath, newPath, ok := parseGitHeader(line); ok {
				current.OldPath = oldPath
				current.NewPath = newPath
			}

		case strings.HasPrefix(line, "--- ") && hunk == nil:
			if current != nil && len(current.Hunks) > 0 {
				// A bare ---/+++ pair after hunks starts the next file.
				flushFile()
			}
			if current == nil {
				current = &FileDiff{}
			}
			p := strings.TrimSpace(strings.TrimPrefix(line, "--- "))
			if p == "/dev/null" {
				current.IsNew = true
				current.OldPath = ""
			} else {
				current.OldPath = stripPathPrefix(p)
			}

		case strings.HasPrefix(line, "+++ ") && hunk == nil:
			if current == nil {
				return nil, fmt.Errorf("line %d: +++ without ---", i+1)
			}
			p := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			if p == "/dev/null" {
				current.IsDelete = true
				current.NewPath = ""
			} else {
				current.NewPath = stripPathPrefix(p)
			}

		case strings.HasPrefix(line, "Binary files "):
			if current == nil {
				current = &FileDiff{}
			}
			current.IsBinary = true

		case strings.HasPrefix(line, "new file mode"):
			if current != nil {
				current.IsNew = true
			}

		case strings.HasPrefix(line, "deleted file mode"):
			if current != nil {
				current.IsDelete = true
			}

		default:
			if m := hunkRe.FindStringSubmatch(line); m != nil {
				if current == nil {
					return nil, fmt.Errorf("line %d: hunk header before file header", i+1)
				}
				flushHunk()
				hunk = &Hunk{
					OldStart: atoiOr(m[1], 0),
					OldLines: atoiOr(m[2], 1),
					NewStart: atoiOr(m[3], 0),
					NewLines: atoiOr(m[4], 1),
					Section:  strings.TrimSpace(m[5]),
				}
				oldLeft, newLeft = hunk.OldLines, hunk.NewLines
				continue
			}
			if hunk == nil {
				if len(line) > 0 {
					switch line[0] {
					case '+', '-', ' ':
						return nil, fmt.Errorf("line %d: change line outside hunk", i+1)
					}
				}
				// Extended header lines (index, mode, rename) are skipped.
				continue
			}
			body := line
			if body == "" {
				// A fully empty line inside a hunk is a context line whose
				// trailing space was stripped in transit.
				body = " "
			}
			switch body[0] {
			case '+':
				newLeft--
			case '-':
				oldLeft--
			case ' ':
				oldLeft--
				newLeft--
			case '\\':
				// No-newline marker, does not count toward either side.
				hunk.Lines = append(hunk.Lines, body)
				continue
			default:
				flushHunk()
				continue
			}
			hunk.Lines = append(hunk.Lines, body)
			if oldLeft <= 0 && newLeft <= 0 {
				// Declared counts satisfied: the hunk ends here, modulo a
				// trailing no-newline marker.
				if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "\\") {
					hunk.Lines = append(hunk.Lines, lines[i+1])
					i++
				}
				flushHunk()
			}
		}
	}
	flushFile()

	if len(files) == 0 {
		return nil, fmt.Errorf("no file changes found")
	}
	for i := range files {
		f := &files[i]
		if f.Path() == "" {
			return nil, fmt.Errorf("file %d: missing path", i+1)
		}
		if !f.IsBinary && len(f.Hunks) == 0 {
			return nil, fmt.Errorf("file %s: no hunks", f.Path())
		}
		if err := checkHunkCounts(f); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// checkHunkCounts verifies that each hunk's declared line counts match its
// body, which catches truncated model output.
func checkHunkCounts(f *FileDiff) error {
	for _, h := range f.Hunks {
		oldCount, newCount := h.bodyCounts()
		if oldCount != h.OldLines || newCount != h.NewLines {
			return fmt.Errorf("file %s: hunk @@ -%d,%d +%d,%d @@ body has %d/%d lines",
				f.Path(), h.OldStart, h.OldLines, h.NewStart, h.NewLines, oldCount, newCount)
		}
	}
	return nil
}

// bodyCounts tallies the old-file and new-file lines in the hunk body.
func (h *Hunk) bodyCounts() (oldCount, newCount int) {
	for _, line := range h.Lines {
		if line == "" {
			continue
		}
		switch line[0] {
		case '+':
			newCount++
		case '-':
			oldCount++
		case ' ':
			oldCount++
			newCount++
		}
	}
	return oldCount, newCount
}

// parseGitHeader extracts the two paths from a "diff --git a/X b/Y" line.
func parseGitHeader(line string) (oldPath, newPath string, ok bool) {
	rest := strings.TrimPrefix(line, "diff --git ")
	parts := strings.SplitN(rest, " b/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return strings.TrimPrefix(parts[0], "a/"), parts[1], true
}

// stripPathPrefix removes the customary a/ or b/ prefix from header paths.
func stripPathPrefix(p string) string {
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		return p[2:]
	}
	return p
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Render writes file diffs back out as one unified diff. Hunk coordinates
// are recomputed from the bodies so merged hunks stay consistent.
func Render(files []FileDiff) string {
	var b strings.Builder
	for i := range files {
		f := &files[i]
		oldName, newName := "a/"+f.OldPath, "b/"+f.NewPath
		headerOld, headerNew := oldName, newName
		switch {
		case f.IsNew:
			oldName = "a/" + f.NewPath
			headerOld = "/dev/null"
		case f.IsDelete:
			newName = "b/" + f.OldPath
			headerNew = "/dev/null"
		}
		fmt.Fprintf(&b, "diff --git %s %s\n", oldName, newName)
		if f.IsBinary {
			fmt.Fprintf(&b, "Binary files %s and %s differ\n", headerOld, headerNew)
			continue
		}
		fmt.Fprintf(&b, "--- %s\n", headerOld)
		fmt.Fprintf(&b, "+++ %s\n", headerNew)

		delta := 0
		for j := range f.Hunks {
			h := &f.Hunks[j]
			oldCount, newCount := h.bodyCounts()
			oldStart := h.OldStart
			newStart := h.oldPos() + delta
			if oldCount == 0 {
				// Insertion hunks anchor on the line before the gap.
				newStart = h.OldStart + delta + 1
			}
			section := ""
			if h.Section != "" {
				section = " " + h.Section
			}
			fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@%s\n", oldStart, oldCount, newStart, newCount, section)
			for _, line := range h.Lines {
				b.WriteString(line)
				b.WriteByte('\n')
			}
			delta += newCount - oldCount
		}
	}
	return b.String()
}

// Stats summarizes a parsed diff.
type Stats struct {
	FilesChanged int
	Additions    int
	Deletions    int
}

// Stat tallies files changed and lines added/removed.
func Stat(files []FileDiff) Stats {
	var s Stats
	s.FilesChanged = len(files)
	for i := range files {
		for j := range files[i].Hunks {
			for _, line := range files[i].Hunks[j].Lines {
				if line == "" {
					continue
				}
				switch line[0] {
				case '+':
					s.Additions++
				case '-':
					s.Deletions++
				}
			}
		}
	}
	return s
}

// Paths lists the unique effective paths touched by a parsed diff.
func Paths(files []FileDiff) []string {
	seen := make(map[string]bool, len(files))
	var out []string
	for i := range files {
		p := files[i].Path()
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
