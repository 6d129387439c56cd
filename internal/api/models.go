package api

import (
	"encoding/json"
	"net/http"
	"time"

	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/selector"
	"github.com/halverson/autodev/internal/task"
)

// handleListModelConfigs returns the persisted position overrides plus the
// models the defaults table knows about.
func (s *Server) handleListModelConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListModelConfigs(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	if configs == nil {
		configs = []task.ModelConfig{}
	}
	JSONResponse(w, map[string]any{
		"configs":          configs,
		"available_models": selector.AvailableModels(),
	})
}

// handleSetModelConfig writes one position override and drops the selector
// cache, so the next selection sees the new value immediately.
func (s *Server) handleSetModelConfig(w http.ResponseWriter, r *http.Request) {
	position := r.PathValue("position")
	if !task.IsValidPosition(position) {
		HandleError(w, autoerrors.ErrConfigInvalid("position", position+" is not a selector position"))
		return
	}

	var req struct {
		ModelID string `json:"model_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ModelID == "" {
		HandleError(w, autoerrors.ErrConfigInvalid("model_id", "must not be empty"))
		return
	}

	if err := s.store.SetModelConfig(r.Context(), position, req.ModelID); err != nil {
		HandleError(w, err)
		return
	}
	s.selector.Invalidate()
	s.logger.Info("model config updated", "position", position, "model", req.ModelID)

	JSONResponse(w, task.ModelConfig{
		Position:  position,
		ModelID:   req.ModelID,
		UpdatedAt: time.Now().UTC(),
	})
}
