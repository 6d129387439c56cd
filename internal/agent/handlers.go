package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/halverson/autodev/internal/diff"
	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/task"
)

// Review verdicts.
const (
	VerdictApprove         = "APPROVE"
	VerdictRequestChanges  = "REQUEST_CHANGES"
	VerdictNeedsDiscussion = "NEEDS_DISCUSSION"
)

// Result pairs a handler's parsed output with the raw model response,
// so callers can record token usage and duration.
type Result[T any] struct {
	Output   T
	Response *Response
}

// PlanInput feeds the planner.
type PlanInput struct {
	Title       string
	Body        string
	RepoContext string
}

// PlanOutput is the planner's schema-validated result.
type PlanOutput struct {
	DefinitionOfDone    []string
	Plan                []string
	TargetFiles         []string
	EstimatedComplexity task.Complexity
	EstimatedEffort     task.Effort
	Risks               []string
}

// CodeInput feeds the coder.
type CodeInput struct {
	Plan             []string
	DefinitionOfDone []string
	TargetFiles      []string
	RepoContext      string
}

// CodeOutput is the coder's result. Diff has already passed validation.
type CodeOutput struct {
	Diff          string
	CommitMessage string
	FilesModified []string
	Notes         string
}

// ReviewInput feeds the reviewer.
type ReviewInput struct {
	IssueTitle string
	IssueBody  string
	Plan       []string
	Diff       string
}

// ReviewComment is one line-level review remark.
type ReviewComment struct {
	File     string `json:"file"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity"`
	Comment  string `json:"comment"`
}

// ReviewOutput is the reviewer's verdict.
type ReviewOutput struct {
	Verdict          string
	Summary          string
	Comments         []ReviewComment
	SuggestedChanges string
}

// FixInput feeds the fixer.
type FixInput struct {
	DefinitionOfDone []string
	Plan             []string
	CurrentDiff      string
	ErrorLogs        string
	FileContents     map[string]string
}

// FixOutput is the fixer's result. The diff is complete (fix plus the
// original intent) and applies to the base branch.
type FixOutput struct {
	Diff           string
	CommitMessage  string
	FixDescription string
	FilesModified  []string
}

// Handlers runs the four pipeline stages against a model client.
// Handlers are stateless and safe for concurrent use.
type Handlers struct {
	client  Client
	rules   diff.Rules
	workDir string
	logger  *slog.Logger
}

// NewHandlers creates the stage handler set. rules constrain generated
// diffs; workDir is the repository root passed to CLI agents.
func NewHandlers(client Client, rules diff.Rules, workDir string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{client: client, rules: rules, workDir: workDir, logger: logger}
}

// Plan runs the planner stage.
func (h *Handlers) Plan(ctx context.Context, in PlanInput, modelID string) (*Result[PlanOutput], error) {
	body, resp, err := h.invoke(ctx, "plan", modelID, buildPlanPrompt(in))
	if err != nil {
		return nil, err
	}

	out := PlanOutput{
		DefinitionOfDone:    fieldStrings(body, "definition_of_done"),
		Plan:                fieldStrings(body, "plan"),
		TargetFiles:         fieldStrings(body, "target_files"),
		EstimatedComplexity: task.Complexity(strings.ToUpper(fieldString(body, "estimated_complexity"))),
		EstimatedEffort:     task.Effort(strings.ToLower(fieldString(body, "estimated_effort"))),
		Risks:               fieldStrings(body, "risks"),
	}

	var missing []string
	if len(out.DefinitionOfDone) == 0 {
		missing = append(missing, "definition_of_done")
	}
	if len(out.Plan) == 0 {
		missing = append(missing, "plan")
	}
	if len(out.TargetFiles) == 0 {
		missing = append(missing, "target_files")
	}
	if len(missing) > 0 {
		return nil, autoerrors.ErrValidationFailed("plan",
			"missing required fields: "+strings.Join(missing, ", "))
	}
	if !task.IsValidComplexity(out.EstimatedComplexity) {
		return nil, autoerrors.ErrValidationFailed("plan",
			fmt.Sprintf("estimated_complexity %q not one of XS/S/M/L/XL", out.EstimatedComplexity))
	}
	if !task.IsValidEffort(out.EstimatedEffort) {
		return nil, autoerrors.ErrValidationFailed("plan",
			fmt.Sprintf("estimated_effort %q not one of low/medium/high", out.EstimatedEffort))
	}

	return &Result[PlanOutput]{Output: out, Response: resp}, nil
}

// Code runs the coder stage. The returned diff has passed structural
// validation and the configured path rules.
func (h *Handlers) Code(ctx context.Context, in CodeInput, modelID string) (*Result[CodeOutput], error) {
	body, resp, err := h.invoke(ctx, "code", modelID, buildCodePrompt(in))
	if err != nil {
		return nil, err
	}

	out := CodeOutput{
		Diff:          fieldString(body, "diff"),
		CommitMessage: fieldString(body, "commit_message"),
		FilesModified: fieldStrings(body, "files_modified"),
		Notes:         fieldString(body, "notes"),
	}

	if out.Diff == "" {
		return nil, autoerrors.ErrValidationFailed("code", "missing required field: diff")
	}
	if out.CommitMessage == "" {
		return nil, autoerrors.ErrValidationFailed("code", "missing required field: commit_message")
	}

	files, err := diff.Validate(out.Diff, h.rules)
	if err != nil {
		return nil, autoerrors.ErrInvalidOutput("code", err.Error())
	}
	if len(out.FilesModified) == 0 {
		out.FilesModified = diff.Paths(files)
	}

	return &Result[CodeOutput]{Output: out, Response: resp}, nil
}

// Review runs the reviewer stage.
func (h *Handlers) Review(ctx context.Context, in ReviewInput, modelID string) (*Result[ReviewOutput], error) {
	body, resp, err := h.invoke(ctx, "review", modelID, buildReviewPrompt(in))
	if err != nil {
		return nil, err
	}

	out := ReviewOutput{
		Verdict:          strings.ToUpper(fieldString(body, "verdict")),
		Summary:          fieldString(body, "summary"),
		SuggestedChanges: fieldString(body, "suggested_changes"),
	}

	switch out.Verdict {
	case VerdictApprove, VerdictRequestChanges, VerdictNeedsDiscussion:
	default:
		return nil, autoerrors.ErrValidationFailed("review",
			fmt.Sprintf("verdict %q not one of APPROVE/REQUEST_CHANGES/NEEDS_DISCUSSION", out.Verdict))
	}

	for _, item := range fieldItems(body, "comments") {
		c := ReviewComment{
			File:     fieldString(item, "file"),
			Line:     fieldInt(item, "line"),
			Severity: strings.ToLower(fieldString(item, "severity")),
			Comment:  fieldString(item, "comment"),
		}
		if c.Comment == "" {
			continue
		}
		if c.Severity == "" {
			c.Severity = "note"
		}
		out.Comments = append(out.Comments, c)
	}

	return &Result[ReviewOutput]{Output: out, Response: resp}, nil
}

// Fix runs the fixer stage. The returned diff replaces the task's current
// diff wholesale, so it has passed the same validation as coder output.
func (h *Handlers) Fix(ctx context.Context, in FixInput, modelID string) (*Result[FixOutput], error) {
	body, resp, err := h.invoke(ctx, "fix", modelID, buildFixPrompt(in))
	if err != nil {
		return nil, err
	}

	out := FixOutput{
		Diff:           fieldString(body, "diff"),
		CommitMessage:  fieldString(body, "commit_message"),
		FixDescription: fieldString(body, "fix_description"),
		FilesModified:  fieldStrings(body, "files_modified"),
	}

	if out.Diff == "" {
		return nil, autoerrors.ErrValidationFailed("fix", "missing required field: diff")
	}
	if out.CommitMessage == "" {
		return nil, autoerrors.ErrValidationFailed("fix", "missing required field: commit_message")
	}

	files, err := diff.Validate(out.Diff, h.rules)
	if err != nil {
		return nil, autoerrors.ErrInvalidOutput("fix", err.Error())
	}
	if len(out.FilesModified) == 0 {
		out.FilesModified = diff.Paths(files)
	}

	return &Result[FixOutput]{Output: out, Response: resp}, nil
}

// invoke runs the model and locates the JSON object in its output.
func (h *Handlers) invoke(ctx context.Context, stage, modelID, prompt string) (string, *Response, error) {
	resp, err := h.client.Complete(ctx, Request{
		ModelID: modelID,
		Prompt:  prompt,
		WorkDir: h.workDir,
	})
	if err != nil {
		return "", nil, err
	}

	body := ExtractJSON(resp.Output)
	if body == "" {
		h.logger.Warn("stage output is not JSON",
			"stage", stage, "model", modelID, "bytes", len(resp.Output))
		return "", nil, autoerrors.ErrInvalidOutput(stage, "no JSON object in model output")
	}

	return body, resp, nil
}
