// Package selector resolves which model runs a stage. Selection is pure
// rule evaluation over (stage, complexity, effort, attempt); the mapping
// from position to model id comes from the store-backed config table with
// hardcoded defaults underneath, so lookup is total.
package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/halverson/autodev/internal/task"
)

// Stage names accepted by Select. They match task.Action.Stage().
const (
	StagePlan   = "plan"
	StageCode   = "code"
	StageReview = "review"
	StageFix    = "fix"
)

// Tiers reported in selections. Escalation tiers name the ladder rung that
// produced the pick.
const (
	TierStandard    = "standard"
	TierEscalation1 = "escalation_1"
	TierEscalation2 = "escalation_2"
)

// ReasonRequiresBreakdown is returned for L/XL coding requests. The driver
// parks these for a human to split instead of attempting them.
const ReasonRequiresBreakdown = "requires breakdown"

// universalFallback is the model used when a position is missing from both
// the config table and the defaults table. It must never be empty.
const universalFallback = "sonnet"

// defaultModels is the hardcoded defaults table, overridable per position
// through the model_config store. Aliases scale with complexity and effort;
// escalation_2 is the strongest rung.
var defaultModels = map[string]string{
	task.PositionPlanner:     "sonnet",
	task.PositionReviewer:    "sonnet",
	task.PositionFixer:       "sonnet",
	task.PositionEscalation1: "sonnet",
	task.PositionEscalation2: "opus",

	"coder_xs_low":     "haiku",
	"coder_xs_medium":  "haiku",
	"coder_xs_high":    "sonnet",
	"coder_xs_default": "haiku",

	"coder_s_low":     "haiku",
	"coder_s_medium":  "sonnet",
	"coder_s_high":    "sonnet",
	"coder_s_default": "sonnet",

	"coder_m_low":     "sonnet",
	"coder_m_medium":  "sonnet",
	"coder_m_high":    "opus",
	"coder_m_default": "sonnet",
}

// Request carries the selection context for one stage run.
type Request struct {
	Stage        string
	Complexity   task.Complexity
	Effort       task.Effort
	AttemptCount int
}

// Selection is the selector's verdict.
type Selection struct {
	// ModelID is the model to run. Empty only when Reason is
	// ReasonRequiresBreakdown.
	ModelID string `json:"model_id"`

	// Position is the config key the model was resolved from.
	Position string `json:"position,omitempty"`

	// Tier names the escalation rung used.
	Tier string `json:"tier"`

	// Reason explains the pick for logs and events.
	Reason string `json:"reason"`
}

// ConfigSource supplies position overrides, normally the store.
type ConfigSource interface {
	ListModelConfigs(ctx context.Context) ([]task.ModelConfig, error)
}

// Selector evaluates the selection rules over a cached config table.
type Selector struct {
	cache *configCache
}

// New creates a selector refreshing its config view every ttl. A zero ttl
// uses the 60-second default.
func New(source ConfigSource, ttl time.Duration) *Selector {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Selector{cache: newConfigCache(source, ttl)}
}

// Select applies the rules in order: the escalation ladder wins on retries,
// then coding picks from the coder grid (or refuses L/XL), and the
// remaining stages use their named position.
func (s *Selector) Select(ctx context.Context, req Request) (Selection, error) {
	if req.AttemptCount == 1 {
		return s.resolve(ctx, task.PositionEscalation1, TierEscalation1,
			"attempt 1 escalates"), nil
	}
	if req.AttemptCount >= 2 {
		return s.resolve(ctx, task.PositionEscalation2, TierEscalation2,
			fmt.Sprintf("attempt %d escalates to top rung", req.AttemptCount)), nil
	}

	switch req.Stage {
	case StageCode:
		if req.Complexity.RequiresBreakdown() {
			return Selection{Tier: TierStandard, Reason: ReasonRequiresBreakdown}, nil
		}
		position := task.CoderPosition(req.Complexity, req.Effort)
		return s.resolve(ctx, position, TierStandard, "coder grid"), nil
	case StagePlan:
		return s.resolve(ctx, task.PositionPlanner, TierStandard, "named position"), nil
	case StageReview:
		return s.resolve(ctx, task.PositionReviewer, TierStandard, "named position"), nil
	case StageFix:
		return s.resolve(ctx, task.PositionFixer, TierStandard, "named position"), nil
	default:
		return Selection{}, fmt.Errorf("unknown stage %q", req.Stage)
	}
}

// Invalidate drops the cached config view. The next Select reloads.
func (s *Selector) Invalidate() {
	s.cache.Invalidate()
}

// AvailableModels lists the model identifiers the defaults table knows,
// sorted. Configured overrides may name models outside this list.
func AvailableModels() []string {
	set := map[string]bool{universalFallback: true}
	for _, id := range defaultModels {
		set[id] = true
	}
	models := make([]string, 0, len(set))
	for id := range set {
		models = append(models, id)
	}
	sort.Strings(models)
	return models
}

// resolve maps a position to a model: config table, then defaults table,
// then the universal fallback. A failed config load degrades to defaults
// rather than failing the stage; the next refresh retries.
func (s *Selector) resolve(ctx context.Context, position, tier, why string) Selection {
	configured, err := s.cache.get(ctx)
	if err == nil {
		if modelID, ok := configured[position]; ok && modelID != "" {
			return selection(modelID, position, tier, why, "configured")
		}
	}
	if modelID, ok := defaultModels[position]; ok {
		return selection(modelID, position, tier, why, "default table")
	}
	return selection(universalFallback, position, tier, why, "universal fallback")
}

func selection(modelID, position, tier, why, source string) Selection {
	return Selection{
		ModelID:  modelID,
		Position: position,
		Tier:     tier,
		Reason:   fmt.Sprintf("%s: %s via %s (%s)", why, modelID, position, source),
	}
}
