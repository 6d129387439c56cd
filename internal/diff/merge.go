package diff

import (
	"errors"
	"fmt"
	"sort"
)

// ConflictError reports two hunks that claim the same old-file lines. The
// coalescer treats any conflict as "merge additively or fall back": the
// batch fails and its members retry solo.
type ConflictError struct {
	Path string
	A, B Hunk
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("overlapping hunks in %s: -%d,%d and -%d,%d",
		e.Path, e.A.OldStart, e.A.OldLines, e.B.OldStart, e.B.OldLines)
}

// IsConflict reports whether err is (or wraps) a merge conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Merge combines unified diffs produced against the same base into one.
// Hunks touching the same file concatenate when their old ranges are
// disjoint and join when exactly contiguous; any overlap is a conflict.
// Whole-file creations, deletions, and binary changes never merge with
// another diff touching the same path.
func Merge(diffs []string) (string, error) {
	type fileGroup struct {
		file    FileDiff
		sources int
	}
	var order []string
	groups := make(map[string]*fileGroup)

	for i, text := range diffs {
		files, err := Parse(text)
		if err != nil {
			return "", fmt.Errorf("diff %d: %w", i+1, err)
		}
		for _, f := range files {
			p := f.Path()
			g, ok := groups[p]
			if !ok {
				order = append(order, p)
				groups[p] = &fileGroup{file: f, sources: 1}
				continue
			}
			g.sources++
			if g.file.IsNew || g.file.IsDelete || g.file.IsBinary ||
				f.IsNew || f.IsDelete || f.IsBinary {
				return "", &ConflictError{Path: p}
			}
			g.file.Hunks = append(g.file.Hunks, f.Hunks...)
		}
	}

	merged := make([]FileDiff, 0, len(order))
	for _, p := range order {
		g := groups[p]
		if g.sources > 1 {
			hunks, err := mergeHunks(p, g.file.Hunks)
			if err != nil {
				return "", err
			}
			g.file.Hunks = hunks
		}
		merged = append(merged, g.file)
	}
	return Render(merged), nil
}

// mergeHunks sorts hunks by old position and folds contiguous ranges
// together. Insertions sort ahead of edits at the same position so joined
// bodies keep insert-before semantics.
func mergeHunks(path string, hunks []Hunk) ([]Hunk, error) {
	sorted := make([]Hunk, len(hunks))
	copy(sorted, hunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].oldPos() != sorted[j].oldPos() {
			return sorted[i].oldPos() < sorted[j].oldPos()
		}
		return sorted[i].OldLines < sorted[j].OldLines
	})

	var out []Hunk
	for _, h := range sorted {
		if len(out) == 0 {
			out = append(out, h)
			continue
		}
		last := &out[len(out)-1]
		switch {
		case h.oldPos() < last.oldEnd():
			return nil, &ConflictError{Path: path, A: *last, B: h}
		case h.oldPos() == last.oldEnd():
			if last.OldLines == 0 && h.OldLines == 0 {
				// Two insertions into the same gap have no defined order.
				return nil, &ConflictError{Path: path, A: *last, B: h}
			}
			if last.OldLines == 0 && h.OldLines > 0 {
				last.OldStart = last.oldPos()
			}
			last.OldLines += h.OldLines
			last.NewLines += h.NewLines
			last.Lines = append(last.Lines, h.Lines...)
		default:
			out = append(out, h)
		}
	}
	return out, nil
}
