package diff

import (
	"strings"
	"testing"
)

const twoFileDiff = `diff --git a/pkg/a.go b/pkg/a.go
index 1111111..2222222 100644
--- a/pkg/a.go
+++ b/pkg/a.go
@@ -1,5 +1,5 @@ func main
 l1
-l2
-l3
+L2
+L3
 l4
 l5
diff --git a/pkg/b.go b/pkg/b.go
--- a/pkg/b.go
+++ b/pkg/b.go
@@ -8,3 +8,3 @@
 l8
-l9
+L9
 l10
`

func TestParseGitDiff(t *testing.T) {
	files, err := Parse(twoFileDiff)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Parse() returned %d files, want 2", len(files))
	}

	a := files[0]
	if a.Path() != "pkg/a.go" {
		t.Errorf("files[0].Path() = %q, want pkg/a.go", a.Path())
	}
	if len(a.Hunks) != 1 {
		t.Fatalf("files[0] has %d hunks, want 1", len(a.Hunks))
	}
	h := a.Hunks[0]
	if h.OldStart != 1 || h.OldLines != 5 || h.NewStart != 1 || h.NewLines != 5 {
		t.Errorf("hunk coords = -%d,%d +%d,%d, want -1,5 +1,5", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
	}
	if h.Section != "func main" {
		t.Errorf("hunk section = %q, want %q", h.Section, "func main")
	}
	if len(h.Lines) != 7 {
		t.Errorf("hunk body = %d lines, want 7", len(h.Lines))
	}

	if files[1].Path() != "pkg/b.go" {
		t.Errorf("files[1].Path() = %q, want pkg/b.go", files[1].Path())
	}
}

func TestParseBareDiff(t *testing.T) {
	bare := `--- a/x.ts
+++ b/x.ts
@@ -1,2 +1,2 @@
-old
+new
 keep
--- a/y.ts
+++ b/y.ts
@@ -5,1 +5,1 @@
-a
+b
`
	files, err := Parse(bare)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Parse() returned %d files, want 2", len(files))
	}
	if files[0].Path() != "x.ts" || files[1].Path() != "y.ts" {
		t.Errorf("paths = %q, %q", files[0].Path(), files[1].Path())
	}
}

func TestParseNewAndDeletedFiles(t *testing.T) {
	text := `diff --git a/new.txt b/new.txt
new file mode 100644
--- /dev/null
+++ b/new.txt
@@ -0,0 +1,2 @@
+hello
+world
diff --git a/gone.txt b/gone.txt
deleted file mode 100644
--- a/gone.txt
+++ /dev/null
@@ -1,1 +0,0 @@
-bye
`
	files, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if !files[0].IsNew || files[0].Path() != "new.txt" {
		t.Errorf("files[0] = %+v, want new file new.txt", files[0])
	}
	if !files[1].IsDelete || files[1].Path() != "gone.txt" {
		t.Errorf("files[1] = %+v, want deleted file gone.txt", files[1])
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace only", "  \n\t\n"},
		{"no file changes", "index 1111..2222\n"},
		{"hunk before header", "@@ -1,1 +1,1 @@\n-a\n+b\n"},
		{"count mismatch", "--- a/f\n+++ b/f\n@@ -1,3 +1,1 @@\n-a\n+b\n"},
		{"change line outside hunk", "--- a/f\n+++ b/f\n@@ -1,1 +1,1 @@\n-a\n+b\n+stray\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.text); err == nil {
				t.Errorf("Parse(%q) expected error", tt.text)
			}
		})
	}
}

func TestRenderRoundtrip(t *testing.T) {
	files, err := Parse(twoFileDiff)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	rendered := Render(files)

	again, err := Parse(rendered)
	if err != nil {
		t.Fatalf("Parse(Render()) error = %v\nrendered:\n%s", err, rendered)
	}
	if len(again) != len(files) {
		t.Fatalf("roundtrip file count = %d, want %d", len(again), len(files))
	}
	for i := range files {
		if again[i].Path() != files[i].Path() {
			t.Errorf("file %d path = %q, want %q", i, again[i].Path(), files[i].Path())
		}
		if len(again[i].Hunks) != len(files[i].Hunks) {
			t.Errorf("file %d hunks = %d, want %d", i, len(again[i].Hunks), len(files[i].Hunks))
			continue
		}
		for j := range files[i].Hunks {
			want := files[i].Hunks[j]
			got := again[i].Hunks[j]
			if got.OldStart != want.OldStart || got.OldLines != want.OldLines ||
				got.NewStart != want.NewStart || got.NewLines != want.NewLines {
				t.Errorf("file %d hunk %d coords = -%d,%d +%d,%d, want -%d,%d +%d,%d",
					i, j, got.OldStart, got.OldLines, got.NewStart, got.NewLines,
					want.OldStart, want.OldLines, want.NewStart, want.NewLines)
			}
			if strings.Join(got.Lines, "\n") != strings.Join(want.Lines, "\n") {
				t.Errorf("file %d hunk %d body changed in roundtrip", i, j)
			}
		}
	}
}

func TestStatAndPaths(t *testing.T) {
	files, err := Parse(twoFileDiff)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	stats := Stat(files)
	if stats.FilesChanged != 2 {
		t.Errorf("FilesChanged = %d, want 2", stats.FilesChanged)
	}
	if stats.Additions != 3 {
		t.Errorf("Additions = %d, want 3", stats.Additions)
	}
	if stats.Deletions != 3 {
		t.Errorf("Deletions = %d, want 3", stats.Deletions)
	}

	paths := Paths(files)
	if len(paths) != 2 || paths[0] != "pkg/a.go" || paths[1] != "pkg/b.go" {
		t.Errorf("Paths() = %v", paths)
	}
}
