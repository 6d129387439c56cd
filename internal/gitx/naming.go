package gitx

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// BranchPrefix namespaces every branch this service creates. Ingress relies
// on it to recognize check-run events for branches we own.
const BranchPrefix = "auto-dev/"

// MaxBranchNameLength caps generated and validated branch names.
const MaxBranchNameLength = 200

// ErrInvalidBranchName indicates a branch name failed validation.
var ErrInvalidBranchName = errors.New("invalid branch name")

// branchNamePattern allows alphanumerics plus slash, hyphen, underscore and
// dot, starting with an alphanumeric. Everything shell-hostile is rejected.
var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

// BranchName returns the branch for a single task, derived from the issue it
// tracks and a short unique suffix from the task id.
//
//	auto-dev/issue-42-3f1c9a80
//	auto-dev/3f1c9a80          (no issue number)
func BranchName(issueNumber int, taskID string) string {
	if issueNumber > 0 {
		return fmt.Sprintf("%sissue-%d-%s", BranchPrefix, issueNumber, shortID(taskID))
	}
	return BranchPrefix + shortID(taskID)
}

// BatchBranchName returns the branch carrying a coalesced batch's combined
// diff, e.g. auto-dev/batch-9d4e21c7.
func BatchBranchName(batchID string) string {
	return BranchPrefix + "batch-" + shortID(batchID)
}

// IsManagedBranch reports whether a branch was created by this service.
func IsManagedBranch(branch string) bool {
	return strings.HasPrefix(branch, BranchPrefix)
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ValidateBranchName rejects names git would refuse or that could smuggle
// options or revision syntax into a git invocation.
func ValidateBranchName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidBranchName)
	case len(name) > MaxBranchNameLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidBranchName, MaxBranchNameLength)
	case strings.EqualFold(name, "head"), name == "@":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidBranchName, name)
	case strings.Contains(name, "@{"):
		return fmt.Errorf("%w: contains revision syntax '@{'", ErrInvalidBranchName)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w: contains '..'", ErrInvalidBranchName)
	case strings.HasSuffix(name, ".lock"), strings.HasSuffix(name, "."):
		return fmt.Errorf("%w: invalid suffix", ErrInvalidBranchName)
	case strings.HasSuffix(name, "/"), strings.Contains(name, "//"):
		return fmt.Errorf("%w: malformed path component", ErrInvalidBranchName)
	case strings.Contains(name, "/."), strings.Contains(name, "./"):
		return fmt.Errorf("%w: path component starts or ends with '.'", ErrInvalidBranchName)
	case !branchNamePattern.MatchString(name):
		return fmt.Errorf("%w: contains invalid characters", ErrInvalidBranchName)
	}
	return nil
}
