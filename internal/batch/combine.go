package batch

import (
	"fmt"
	"strings"

	"github.com/halverson/autodev/internal/task"
)

// CombinedCommitMessage concatenates the members' commit messages under a
// summary subject line. Members without a message fall back to their
// issue reference.
func CombinedCommitMessage(members []*task.Task) string {
	if len(members) == 1 {
		return memberCommitMessage(members[0])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "auto-dev: combined change for %d issues\n", len(members))
	for _, m := range members {
		b.WriteString("\n")
		b.WriteString(memberCommitMessage(m))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func memberCommitMessage(m *task.Task) string {
	if msg := strings.TrimSpace(m.CommitMessage); msg != "" {
		return msg
	}
	return fmt.Sprintf("issue #%d: %s", m.IssueNumber, m.Title)
}

// PRTitle names the combined pull request after its first member.
func PRTitle(members []*task.Task) string {
	if len(members) == 0 {
		return "auto-dev: combined change"
	}
	if len(members) == 1 {
		return members[0].Title
	}
	return fmt.Sprintf("%s (+%d more)", members[0].Title, len(members)-1)
}

/// PRBody describes the combined pull request: which issues it folds in
// and which tasks produced them, with close markers the forge picks up.
func PRBody(b *task.Batch, members []*task.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "This pull request combines %d automated changes that touch overlapping files.\n\n", len(members))
	for _, m := range members {
		fmt.Fprintf(&sb, "- #%d %s (task %s)\n", m.IssueNumber, m.Title, m.ID)
	}
	sb.WriteString("\n")
	for i, m := range members {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "Closes #%d.", m.IssueNumber)
	}
	if b != nil {
		fmt.Fprintf(&sb, "\n\nBatch %s on %s.", b.ID, b.BaseBranch)
	}
	return sb.String()
}
