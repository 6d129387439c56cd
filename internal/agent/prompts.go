package agent

import (
	"fmt"
	"sort"
	"strings"
)

// Prompt builders for the four pipeline stages. Every prompt ends with an
// explicit JSON shape so outputs can be schema-checked; handlers still
// tolerate fenced or prose-wrapped payloads.

func buildPlanPrompt(in PlanInput) string {
	var b strings.Builder

	b.WriteString("You are planning an automated code change.\n\n")
	fmt.Fprintf(&b, "Issue title: %s\n\n", in.Title)
	if in.Body != "" {
		fmt.Fprintf(&b, "Issue body:\n%s\n\n", in.Body)
	}
	if in.RepoContext != "" {
		fmt.Fprintf(&b, "Repository context:\n%s\n\n", in.RepoContext)
	}

	b.WriteString(`Produce a plan. Respond with only a JSON object:
{
  "definition_of_done": ["verifiable acceptance criteria"],
  "plan": ["ordered implementation steps"],
  "target_files": ["paths the change will touch"],
  "estimated_complexity": "XS|S|M|L|XL",
  "estimated_effort": "low|medium|high",
  "risks": ["optional risk notes"]
}
Estimate complexity by the size of the change, not the difficulty of the issue text.`)

	return b.String()
}

func buildCodePrompt(in CodeInput) string {
	var b strings.Builder

	b.WriteString("You are implementing a planned code change.\n\n")
	writeList(&b, "Definition of done", in.DefinitionOfDone)
	writeList(&b, "Plan", in.Plan)
	writeList(&b, "Target files", in.TargetFiles)
	if in.RepoContext != "" {
		fmt.Fprintf(&b, "Repository context:\n%s\n\n", in.RepoContext)
	}

	b.WriteString(`Write the change as one unified diff against the base branch.
Rules for the diff:
- standard unified diff format with correct hunk headers
- touch only the files the plan calls for
- never nest diff headers or hunk markers inside added lines

Respond with only a JSON object:
{
  "diff": "the unified diff",
  "commit_message": "imperative one-line summary",
  "files_modified": ["paths"],
  "notes": "optional remarks"
}`)

	return b.String()
}

func buildReviewPrompt(in ReviewInput) string {
	var b strings.Builder

	b.WriteString("You are reviewing an automated code change.\n\n")
	fmt.Fprintf(&b, "Issue title: %s\n\n", in.IssueTitle)
	if in.IssueBody != "" {
		fmt.Fprintf(&b, "Issue body:\n%s\n\n", in.IssueBody)
	}
	writeList(&b, "Plan", in.Plan)
	fmt.Fprintf(&b, "Diff under review:\n%s\n\n", in.Diff)

	b.WriteString(`Judge whether the diff implements the plan correctly and safely.
Respond with only a JSON object:
{
  "verdict": "APPROVE|REQUEST_CHANGES|NEEDS_DISCUSSION",
  "summary": "one paragraph",
  "comments": [{"file": "path", "line": 0, "severity": "blocker|warning|note", "comment": "text"}],
  "suggested_changes": "optional concrete fixes"
}
Use NEEDS_DISCUSSION only when the plan itself is wrong or the issue is ambiguous.`)

	return b.String()
}

func buildFixPrompt(in FixInput) string {
	var b strings.Builder

	b.WriteString("You are repairing a code change that failed review or tests.\n\n")
	writeList(&b, "Definition of done", in.DefinitionOfDone)
	writeList(&b, "Plan", in.Plan)
	fmt.Fprintf(&b, "Current diff:\n%s\n\n", in.CurrentDiff)
	if in.ErrorLogs != "" {
		fmt.Fprintf(&b, "Failure output:\n%s\n\n", in.ErrorLogs)
	}
	if len(in.FileContents) > 0 {
		paths := make([]string, 0, len(in.FileContents))
		for p := range in.FileContents {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		b.WriteString("Current file contents:\n")
		for _, p := range paths {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", p, in.FileContents[p])
		}
		b.WriteString("\n")
	}

	b.WriteString(`Produce a replacement diff against the base branch. It must carry the
original intent plus the fix; it does not stack on the current diff.

Respond with only a JSON object:
{
  "diff": "the complete unified diff",
  "commit_message": "imperative one-line summary",
  "fix_description": "what was wrong and what changed",
  "files_modified": ["paths"]
}`)

	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", heading)
	for i, item := range items {
		fmt.Fprintf(b, "%d. %s\n", i+1, item)
	}
	b.WriteString("\n")
}
