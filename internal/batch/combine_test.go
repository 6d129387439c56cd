package batch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/halverson/autodev/internal/task"
)

func member(issue int, title, message string) *task.Task {
	t := task.New("acme/api", issue, title, "")
	t.CommitMessage = message
	return t
}

func TestCombinedCommitMessage(t *testing.T) {
	members := []*task.Task{
		member(12, "Fix cache race", "fix: guard cache map with mutex"),
		member(15, "Tighten timeout", ""),
	}

	got := CombinedCommitMessage(members)
	lines := strings.Split(got, "\n")
	assert.Equal(t, "auto-dev: combined change for 2 issues", lines[0])
	assert.Contains(t, got, "fix: guard cache map with mutex")
	assert.Contains(t, got, "issue #15: Tighten timeout")
	assert.False(t, strings.HasSuffix(got, "\n"))
}

func TestCombinedCommitMessageSingleMember(t *testing.T) {
	got := CombinedCommitMessage([]*task.Task{member(7, "One change", "fix: one thing")})
	assert.Equal(t, "fix: one thing", got)

	got = CombinedCommitMessage([]*task.Task{member(7, "One change", "  ")})
	assert.Equal(t, "issue #7: One change", got)
}

func TestPRTitle(t *testing.T) {
	assert.Equal(t, "auto-dev: combined change", PRTitle(nil))
	assert.Equal(t, "Fix cache race",
		PRTitle([]*task.Task{member(12, "Fix cache race", "")}))
	assert.Equal(t, "Fix cache race (+2 more)",
		PRTitle([]*task.Task{
			member(12, "Fix cache race", ""),
			member(15, "Tighten timeout", ""),
			member(16, "Drop dead code", ""),
		}))
}

func TestPRBody(t *testing.T) {
	members := []*task.Task{
		member(12, "Fix cache race", ""),
		member(15, "Tighten timeout", ""),
	}
	b := task.NewBatch("acme/api", "main")

	body := PRBody(b, members)
	assert.Contains(t, body, "combines 2 automated changes")
	assert.Contains(t, body, "- #12 Fix cache race (task "+members[0].ID+")")
	assert.Contains(t, body, "- #15 Tighten timeout (task "+members[1].ID+")")
	assert.Contains(t, body, "Closes #12. Closes #15.")
	assert.Contains(t, body, "Batch "+b.ID+" on main.")
}
