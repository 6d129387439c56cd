package task

import (
	"fmt"
	"time"
)

// ModelConfig maps a selector position to a concrete model identifier.
type ModelConfig struct {
	Position  string    `json:"position"`
	ModelID   string    `json:"model_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fixed selector positions. Coder positions are built with CoderPosition.
const (
	PositionPlanner     = "planner"
	PositionReviewer    = "reviewer"
	PositionFixer       = "fixer"
	PositionEscalation1 = "escalation_1"
	PositionEscalation2 = "escalation_2"
)

// CoderPosition builds the coder position key for a complexity and effort,
// e.g. "coder_xs_low". Unspecified effort maps to "default".
func CoderPosition(c Complexity, e Effort) string {
	effort := string(e)
	if e == EffortUnspecified {
		effort = "default"
	}
	var size string
	switch c {
	case ComplexityXS:
		size = "xs"
	case ComplexityS:
		size = "s"
	case ComplexityM:
		size = "m"
	default:
		size = "m"
	}
	return fmt.Sprintf("coder_%s_%s", size, effort)
}

// AllPositions enumerates every selector position: the five named ones plus
// the coder grid over {xs,s,m} x {low,medium,high,default}.
func AllPositions() []string {
	positions := []string{
		PositionPlanner, PositionReviewer, PositionFixer,
		PositionEscalation1, PositionEscalation2,
	}
	for _, size := range []string{"xs", "s", "m"} {
		for _, effort := range []string{"low", "medium", "high", "default"} {
			positions = append(positions, fmt.Sprintf("coder_%s_%s", size, effort))
		}
	}
	return positions
}

// IsValidPosition returns true if p is a known selector position.
func IsValidPosition(p string) bool {
	for _, known := range AllPositions() {
		if p == known {
			return true
		}
	}
	return false
}
