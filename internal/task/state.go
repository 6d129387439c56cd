package task

// Status represents the state machine position of a task.
type Status string

const (
	StatusNew            Status = "NEW"
	StatusPlanning       Status = "PLANNING"
	StatusPlanningDone   Status = "PLANNING_DONE"
	StatusCoding         Status = "CODING"
	StatusCodingDone     Status = "CODING_DONE"
	StatusReviewing      Status = "REVIEWING"
	StatusReviewApproved Status = "REVIEW_APPROVED"
	StatusReviewRejected Status = "REVIEW_REJECTED"
	StatusTesting        Status = "TESTING"
	StatusTestsPassed    Status = "TESTS_PASSED"
	StatusTestsFailed    Status = "TESTS_FAILED"
	StatusFixing         Status = "FIXING"
	StatusPRCreated      Status = "PR_CREATED"
	StatusWaitingHuman   Status = "WAITING_HUMAN"
	StatusWaitingBatch   Status = "WAITING_BATCH"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
)

// ValidStatuses returns all valid status values.
func ValidStatuses() []Status {
	return []Status{
		StatusNew, StatusPlanning, StatusPlanningDone, StatusCoding,
		StatusCodingDone, StatusReviewing, StatusReviewApproved,
		StatusReviewRejected, StatusTesting, StatusTestsPassed,
		StatusTestsFailed, StatusFixing, StatusPRCreated,
		StatusWaitingHuman, StatusWaitingBatch, StatusCompleted, StatusFailed,
	}
}

// IsValidStatus returns true if s is a valid status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusNew, StatusPlanning, StatusPlanningDone, StatusCoding,
		StatusCodingDone, StatusReviewing, StatusReviewApproved,
		StatusReviewRejected, StatusTesting, StatusTestsPassed,
		StatusTestsFailed, StatusFixing, StatusPRCreated,
		StatusWaitingHuman, StatusWaitingBatch, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states that freeze the task.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsSuspension returns true for states where the driver yields and waits
// for an external event to reawaken the task.
func (s Status) IsSuspension() bool {
	switch s {
	case StatusWaitingHuman, StatusWaitingBatch, StatusPRCreated:
		return true
	default:
		return false
	}
}

// transitions is the allowed-transition table. Every non-terminal state may
// additionally move to FAILED (fatal errors and cancellation), so FAILED is
// handled in CanTransition rather than listed per state.
var transitions = map[Status][]Status{
	StatusNew:            {StatusPlanning},
	StatusPlanning:       {StatusPlanningDone},
	StatusPlanningDone:   {StatusCoding, StatusWaitingHuman},
	StatusCoding:         {StatusCodingDone},
	StatusCodingDone:     {StatusReviewing},
	StatusReviewing:      {StatusReviewApproved, StatusReviewRejected, StatusWaitingHuman},
	StatusReviewApproved: {StatusWaitingBatch, StatusTesting},
	StatusReviewRejected: {StatusFixing},
	StatusWaitingBatch:   {StatusTesting, StatusReviewApproved},
	StatusTesting:        {StatusTestsPassed, StatusTestsFailed},
	StatusTestsPassed:    {StatusPRCreated},
	StatusTestsFailed:    {StatusFixing},
	StatusFixing:         {StatusCodingDone},
	StatusPRCreated:      {StatusWaitingHuman},
	StatusWaitingHuman:   {StatusCompleted},
	StatusCompleted:      {},
	StatusFailed:         {},
}

// CanTransition is the pure predicate the store and driver check before
// every status write.
func CanTransition(from, to Status) bool {
	if !IsValidStatus(from) || !IsValidStatus(to) {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionsFrom returns the allowed next states for s, FAILED included.
func TransitionsFrom(s Status) []Status {
	if !IsValidStatus(s) || s.IsTerminal() {
		return nil
	}
	next := append([]Status(nil), transitions[s]...)
	return append(next, StatusFailed)
}

// Action is what the driver should do next for a task.
type Action string

const (
	ActionPlan   Action = "PLAN"
	ActionCode   Action = "CODE"
	ActionReview Action = "REVIEW"
	ActionTest   Action = "TEST"
	ActionFix    Action = "FIX"
	ActionOpenPR Action = "OPEN_PR"
	ActionWait   Action = "WAIT"
	ActionDone   Action = "DONE"
	ActionFail   Action = "FAIL"
)

// NextAction maps a status to the driver's next step. In-flight states map
// to their own stage so a crashed driver re-runs the stage on resume.
func NextAction(s Status) Action {
	switch s {
	case StatusNew, StatusPlanning:
		return ActionPlan
	case StatusPlanningDone, StatusCoding:
		return ActionCode
	case StatusCodingDone, StatusReviewing:
		return ActionReview
	case StatusReviewApproved, StatusTesting:
		return ActionTest
	case StatusReviewRejected, StatusTestsFailed, StatusFixing:
		return ActionFix
	case StatusTestsPassed:
		return ActionOpenPR
	case StatusWaitingBatch, StatusWaitingHuman, StatusPRCreated:
		return ActionWait
	case StatusCompleted:
		return ActionDone
	default:
		return ActionFail
	}
}

// Stage names the handler a driver action invokes. Actions without a
// handler (TEST, OPEN_PR, WAIT, DONE, FAIL) return an empty stage.
func (a Action) Stage() string {
	switch a {
	case ActionPlan:
		return "plan"
	case ActionCode:
		return "code"
	case ActionReview:
		return "review"
	case ActionFix:
		return "fix"
	default:
		return ""
	}
}
