package task

import (
	"testing"
	"time"
)

func TestNewTask(t *testing.T) {
	tk := New("acme/widgets", 42, "Fix the flux capacitor", "It sparks.")

	if tk.ID == "" {
		t.Error("New should assign an ID")
	}
	if tk.Status != StatusNew {
		t.Errorf("Status = %s, want %s", tk.Status, StatusNew)
	}
	if tk.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", tk.MaxAttempts, DefaultMaxAttempts)
	}
	if tk.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", tk.AttemptCount)
	}
	if tk.Repo != "acme/widgets" || tk.IssueNumber != 42 {
		t.Errorf("issue identity not carried: %s#%d", tk.Repo, tk.IssueNumber)
	}
	if tk.CreatedAt.IsZero() || tk.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}

	other := New("acme/widgets", 43, "Another", "")
	if other.ID == tk.ID {
		t.Error("IDs must be unique")
	}
}

func TestAttemptsExhausted(t *testing.T) {
	tk := New("acme/widgets", 1, "t", "b")
	tk.MaxAttempts = 3

	for _, tt := range []struct {
		count int
		want  bool
	}{{0, false}, {2, false}, {3, true}, {4, true}} {
		tk.AttemptCount = tt.count
		if got := tk.AttemptsExhausted(); got != tt.want {
			t.Errorf("AttemptsExhausted with %d/%d = %v, want %v", tt.count, tk.MaxAttempts, got, tt.want)
		}
	}
}

func TestSummarizeOmitsLargeFields(t *testing.T) {
	tk := New("acme/widgets", 7, "title", "a very long body")
	tk.CurrentDiff = "diff --git a/x b/x"
	tk.Plan = []string{"step one"}
	tk.PRURL = "https://example.com/pr/1"

	s := tk.Summarize()
	if s.ID != tk.ID || s.Title != "title" || s.PRURL != tk.PRURL {
		t.Error("summary should carry identity and PR fields")
	}
	// The summary type has no body/diff/plan fields; spot-check identity only.
	if s.Status != StatusNew {
		t.Errorf("Status = %s, want %s", s.Status, StatusNew)
	}
}

func TestClone(t *testing.T) {
	tk := New("acme/widgets", 7, "title", "body")
	tk.Plan = []string{"a", "b"}
	tk.TargetFiles = []string{"x.go"}

	c := tk.Clone()
	c.Plan[0] = "mutated"
	c.TargetFiles = append(c.TargetFiles, "y.go")
	c.Status = StatusPlanning

	if tk.Plan[0] != "a" {
		t.Error("Clone must deep-copy Plan")
	}
	if len(tk.TargetFiles) != 1 {
		t.Error("Clone must deep-copy TargetFiles")
	}
	if tk.Status != StatusNew {
		t.Error("Clone must not share status")
	}
}

func TestComplexityRequiresBreakdown(t *testing.T) {
	for _, tt := range []struct {
		c    Complexity
		want bool
	}{
		{ComplexityXS, false},
		{ComplexityS, false},
		{ComplexityM, false},
		{ComplexityL, true},
		{ComplexityXL, true},
	} {
		if got := tt.c.RequiresBreakdown(); got != tt.want {
			t.Errorf("%s.RequiresBreakdown() = %v, want %v", tt.c, got, tt.want)
		}
	}
}

func TestNormalizeFingerprint(t *testing.T) {
	got := NormalizeFingerprint([]string{"./src/a.ts", "src\\b.ts", "src/a.ts", " ", "src/./c.ts"})
	want := []string{"src/a.ts", "src/b.ts", "src/c.ts"}
	if len(got) != len(want) {
		t.Fatalf("NormalizeFingerprint = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NormalizeFingerprint[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFingerprintsOverlap(t *testing.T) {
	a := []string{"src/a.ts", "src/b.ts"}
	b := []string{"src/b.ts", "src/c.ts"}
	c := []string{"docs/readme.md"}

	if !FingerprintsOverlap(a, b) {
		t.Error("a and b share src/b.ts")
	}
	if FingerprintsOverlap(a, c) {
		t.Error("a and c are disjoint")
	}
	if FingerprintsOverlap(nil, a) {
		t.Error("empty set never overlaps")
	}
}

func TestMergeFingerprints(t *testing.T) {
	got := MergeFingerprints([]string{"b.go", "a.go"}, []string{"a.go", "c.go"})
	want := []string{"a.go", "b.go", "c.go"}
	if len(got) != len(want) {
		t.Fatalf("MergeFingerprints = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MergeFingerprints[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNewJobSummary(t *testing.T) {
	j := NewJob("acme/widgets", []string{"t1", "t2", "t3"})

	if j.Status != JobPending {
		t.Errorf("Status = %s, want %s", j.Status, JobPending)
	}
	if j.Summary.Total != 3 || j.Summary.Pending != 3 {
		t.Errorf("Summary = %+v, want total=pending=3", j.Summary)
	}
	if !j.Summary.Consistent() {
		t.Error("fresh job summary should be consistent")
	}
}

func TestJobSummaryConsistent(t *testing.T) {
	s := JobSummary{Total: 5, Completed: 2, Failed: 1, InProgress: 1, Pending: 1}
	if !s.Consistent() {
		t.Error("2+1+1+1 = 5 should be consistent")
	}
	s.Pending = 2
	if s.Consistent() {
		t.Error("counters exceeding total should be inconsistent")
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := map[JobStatus]bool{
		JobCompleted: true, JobFailed: true, JobPartial: true, JobCancelled: true,
	}
	for _, s := range ValidJobStatuses() {
		if got := s.IsTerminal(); got != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestCoderPosition(t *testing.T) {
	tests := []struct {
		c    Complexity
		e    Effort
		want string
	}{
		{ComplexityXS, EffortLow, "coder_xs_low"},
		{ComplexityS, EffortMedium, "coder_s_medium"},
		{ComplexityM, EffortHigh, "coder_m_high"},
		{ComplexityXS, EffortUnspecified, "coder_xs_default"},
	}
	for _, tt := range tests {
		if got := CoderPosition(tt.c, tt.e); got != tt.want {
			t.Errorf("CoderPosition(%s, %q) = %q, want %q", tt.c, tt.e, got, tt.want)
		}
	}
}

func TestAllPositions(t *testing.T) {
	positions := AllPositions()
	// 5 named + 3 sizes x 4 efforts
	if len(positions) != 17 {
		t.Errorf("len(AllPositions) = %d, want 17", len(positions))
	}
	for _, p := range positions {
		if !IsValidPosition(p) {
			t.Errorf("position %q should be valid", p)
		}
	}
	if IsValidPosition("coder_xl_high") {
		t.Error("coder positions stop at M")
	}
}

func TestBatchLifecycleHelpers(t *testing.T) {
	b := NewBatch("acme/widgets", "main")
	if b.Status != BatchPending {
		t.Errorf("Status = %s, want %s", b.Status, BatchPending)
	}
	if !b.Status.IsActive() {
		t.Error("pending batch should be active")
	}
	if BatchCompleted.IsActive() || BatchFailed.IsActive() {
		t.Error("terminal batch statuses are not active")
	}
	if b.CreatedAt.After(time.Now()) {
		t.Error("CreatedAt should not be in the future")
	}
}
