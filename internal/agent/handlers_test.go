package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/halverson/autodev/internal/diff"
	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/task"
)

const handlerTestDiff = `diff --git a/src/app.ts b/src/app.ts
--- a/src/app.ts
+++ b/src/app.ts
@@ -1,2 +1,2 @@
-const a = 1
+const a = 2
 export {}
`

type fakeClient struct {
	output string
	err    error
	gotReq Request
}

func (f *fakeClient) Complete(ctx context.Context, req Request) (*Response, error) {
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Output: f.output, TokensUsed: 42, Duration: time.Millisecond}, nil
}

func (f *fakeClient) Mode() string { return "fake" }

func canned(t *testing.T, fields map[string]any) string {
	t.Helper()
	out, err := json.Marshal(fields)
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

func newTestHandlers(client Client) *Handlers {
	return NewHandlers(client, diff.Rules{}, "", nil)
}

func TestPlanHappyPath(t *testing.T) {
	client := &fakeClient{output: canned(t, map[string]any{
		"definition_of_done":   []string{"tests pass", "endpoint returns 200"},
		"plan":                 []string{"add handler", "wire route"},
		"target_files":         []string{"src/app.ts"},
		"estimated_complexity": "s",
		"estimated_effort":     "Low",
		"risks":                []string{"route collision"},
	})}
	h := newTestHandlers(client)

	res, err := h.Plan(context.Background(), PlanInput{Title: "Add endpoint"}, "haiku")
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	out := res.Output
	if len(out.DefinitionOfDone) != 2 || len(out.Plan) != 2 {
		t.Errorf("unexpected output %+v", out)
	}
	if out.EstimatedComplexity != task.ComplexityS {
		t.Errorf("complexity = %q, want S", out.EstimatedComplexity)
	}
	if out.EstimatedEffort != task.EffortLow {
		t.Errorf("effort = %q, want low", out.EstimatedEffort)
	}
	if res.Response.TokensUsed != 42 {
		t.Errorf("TokensUsed = %d", res.Response.TokensUsed)
	}
	if client.gotReq.ModelID != "haiku" {
		t.Errorf("ModelID = %q", client.gotReq.ModelID)
	}
	if !strings.Contains(client.gotReq.Prompt, "Add endpoint") {
		t.Error("prompt missing issue title")
	}
}

func TestPlanFencedOutput(t *testing.T) {
	payload := canned(t, map[string]any{
		"definition_of_done":   []string{"done"},
		"plan":                 []string{"step"},
		"target_files":         []string{"a.go"},
		"estimated_complexity": "XS",
		"estimated_effort":     "low",
	})
	client := &fakeClient{output: "```json\n" + payload + "\n```"}

	res, err := newTestHandlers(client).Plan(context.Background(), PlanInput{Title: "t"}, "haiku")
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if res.Output.EstimatedComplexity != task.ComplexityXS {
		t.Errorf("complexity = %q", res.Output.EstimatedComplexity)
	}
}

func TestPlanValidation(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   string
	}{
		{
			"missing fields",
			map[string]any{"estimated_complexity": "S", "estimated_effort": "low"},
			"definition_of_done",
		},
		{
			"bad complexity",
			map[string]any{
				"definition_of_done":   []string{"d"},
				"plan":                 []string{"p"},
				"target_files":         []string{"f"},
				"estimated_complexity": "HUGE",
				"estimated_effort":     "low",
			},
			"estimated_complexity",
		},
		{
			"bad effort",
			map[string]any{
				"definition_of_done":   []string{"d"},
				"plan":                 []string{"p"},
				"target_files":         []string{"f"},
				"estimated_complexity": "S",
				"estimated_effort":     "extreme",
			},
			"estimated_effort",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{output: canned(t, tt.fields)}
			_, err := newTestHandlers(client).Plan(context.Background(), PlanInput{Title: "t"}, "haiku")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := autoerrors.CodeOf(err); got != autoerrors.CodeValidationFailed {
				t.Errorf("code = %s, want %s", got, autoerrors.CodeValidationFailed)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestCodeHappyPath(t *testing.T) {
	client := &fakeClient{output: canned(t, map[string]any{
		"diff":           handlerTestDiff,
		"commit_message": "Bump constant",
	})}

	res, err := newTestHandlers(client).Code(context.Background(), CodeInput{Plan: []string{"p"}}, "sonnet")
	if err != nil {
		t.Fatalf("Code() error = %v", err)
	}

	out := res.Output
	if out.CommitMessage != "Bump constant" {
		t.Errorf("CommitMessage = %q", out.CommitMessage)
	}
	// files_modified falls back to the diff's paths when the model omits it.
	if len(out.FilesModified) != 1 || out.FilesModified[0] != "src/app.ts" {
		t.Errorf("FilesModified = %v", out.FilesModified)
	}
}

func TestCodeRejectsMalformedDiff(t *testing.T) {
	client := &fakeClient{output: canned(t, map[string]any{
		"diff":           "this is not a diff",
		"commit_message": "m",
	})}

	_, err := newTestHandlers(client).Code(context.Background(), CodeInput{}, "sonnet")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := autoerrors.CodeOf(err); got != autoerrors.CodeInvalidOutput {
		t.Errorf("code = %s, want %s", got, autoerrors.CodeInvalidOutput)
	}
}

func TestCodeEnforcesPathRules(t *testing.T) {
	blocked := `diff --git a/.github/workflows/ci.yml b/.github/workflows/ci.yml
--- a/.github/workflows/ci.yml
+++ b/.github/workflows/ci.yml
@@ -1,1 +1,1 @@
-old: step
+new: step
`
	client := &fakeClient{output: canned(t, map[string]any{
		"diff":           blocked,
		"commit_message": "m",
	})}
	h := NewHandlers(client, diff.Rules{BlockPaths: []string{".github/**"}}, "", nil)

	_, err := h.Code(context.Background(), CodeInput{}, "sonnet")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := autoerrors.CodeOf(err); got != autoerrors.CodeInvalidOutput {
		t.Errorf("code = %s, want %s", got, autoerrors.CodeInvalidOutput)
	}
}

func TestCodeMissingCommitMessage(t *testing.T) {
	client := &fakeClient{output: canned(t, map[string]any{"diff": handlerTestDiff})}

	_, err := newTestHandlers(client).Code(context.Background(), CodeInput{}, "sonnet")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := autoerrors.CodeOf(err); got != autoerrors.CodeValidationFailed {
		t.Errorf("code = %s, want %s", got, autoerrors.CodeValidationFailed)
	}
}

func TestReviewVerdicts(t *testing.T) {
	for _, verdict := range []string{"APPROVE", "request_changes", "Needs_Discussion"} {
		client := &fakeClient{output: canned(t, map[string]any{
			"verdict": verdict,
			"summary": "looks fine",
		})}

		res, err := newTestHandlers(client).Review(context.Background(), ReviewInput{Diff: handlerTestDiff}, "sonnet")
		if err != nil {
			t.Fatalf("Review(%s) error = %v", verdict, err)
		}
		if got := res.Output.Verdict; got != strings.ToUpper(verdict) {
			t.Errorf("verdict = %q, want %q", got, strings.ToUpper(verdict))
		}
	}
}

func TestReviewRejectsUnknownVerdict(t *testing.T) {
	client := &fakeClient{output: canned(t, map[string]any{"verdict": "MAYBE", "summary": "s"})}

	_, err := newTestHandlers(client).Review(context.Background(), ReviewInput{}, "sonnet")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := autoerrors.CodeOf(err); got != autoerrors.CodeValidationFailed {
		t.Errorf("code = %s, want %s", got, autoerrors.CodeValidationFailed)
	}
}

func TestReviewComments(t *testing.T) {
	client := &fakeClient{output: canned(t, map[string]any{
		"verdict": "REQUEST_CHANGES",
		"summary": "issues found",
		"comments": []map[string]any{
			{"file": "src/app.ts", "line": 2, "severity": "BLOCKER", "comment": "off by one"},
			{"file": "src/app.ts", "comment": "nit"},
			{"file": "src/app.ts", "severity": "warning"}, // no comment text, dropped
		},
	})}

	res, err := newTestHandlers(client).Review(context.Background(), ReviewInput{}, "sonnet")
	if err != nil {
		t.Fatalf("Review() error = %v", err)
	}

	comments := res.Output.Comments
	if len(comments) != 2 {
		t.Fatalf("comments = %v", comments)
	}
	if comments[0].Severity != "blocker" || comments[0].Line != 2 {
		t.Errorf("comment[0] = %+v", comments[0])
	}
	if comments[1].Severity != "note" {
		t.Errorf("default severity = %q, want note", comments[1].Severity)
	}
}

func TestFixHappyPath(t *testing.T) {
	client := &fakeClient{output: canned(t, map[string]any{
		"diff":            handlerTestDiff,
		"commit_message":  "Fix constant",
		"fix_description": "constant was stale",
	})}

	res, err := newTestHandlers(client).Fix(context.Background(), FixInput{
		CurrentDiff: handlerTestDiff,
		ErrorLogs:   "test failed: want 2, got 1",
	}, "opus")
	if err != nil {
		t.Fatalf("Fix() error = %v", err)
	}
	if res.Output.FixDescription == "" {
		t.Error("missing fix description")
	}
	if !strings.Contains(client.gotReq.Prompt, "want 2, got 1") {
		t.Error("prompt missing error logs")
	}
}

func TestFixRejectsMalformedDiff(t *testing.T) {
	client := &fakeClient{output: canned(t, map[string]any{
		"diff":           "@@ broken @@",
		"commit_message": "m",
	})}

	_, err := newTestHandlers(client).Fix(context.Background(), FixInput{}, "opus")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := autoerrors.CodeOf(err); got != autoerrors.CodeInvalidOutput {
		t.Errorf("code = %s, want %s", got, autoerrors.CodeInvalidOutput)
	}
}

func TestHandlersNoJSONOutput(t *testing.T) {
	client := &fakeClient{output: "I am unable to help with that."}

	_, err := newTestHandlers(client).Plan(context.Background(), PlanInput{Title: "t"}, "haiku")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := autoerrors.CodeOf(err); got != autoerrors.CodeInvalidOutput {
		t.Errorf("code = %s, want %s", got, autoerrors.CodeInvalidOutput)
	}
}

func TestHandlersClientErrorPassesThrough(t *testing.T) {
	client := &fakeClient{err: autoerrors.ErrModelUnavailable("sonnet", nil)}

	_, err := newTestHandlers(client).Plan(context.Background(), PlanInput{Title: "t"}, "sonnet")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := autoerrors.CodeOf(err); got != autoerrors.CodeModelUnavailable {
		t.Errorf("code = %s, want %s", got, autoerrors.CodeModelUnavailable)
	}
}
