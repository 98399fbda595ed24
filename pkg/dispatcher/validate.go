package dispatcher

import (
	"fmt"
	"strings"

	"github.com/Asdafers/contenitzer/pkg/schemas"
)

// maxSceneCount matches the bound enforced on analysis responses.
const maxSceneCount = 64

// ValidationError reports the request field that failed submission
// checks. Invalid requests are rejected synchronously and never reach
// the queue.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// validateRequest checks a submission against the configured limits.
func validateRequest(req *schemas.JobRequest, cfg Config) error {
	// Check the script carries usable content
	if strings.TrimSpace(req.ScriptContent) == "" {
		return &ValidationError{Field: "script_content", Message: "script must not be empty"}
	}
	if len(req.ScriptContent) > cfg.MaxScriptChars {
		return &ValidationError{
			Field:   "script_content",
			Message: fmt.Sprintf("script exceeds %d characters", cfg.MaxScriptChars),
		}
	}

	// The requested model is used verbatim for every provider call;
	// there is no substitution later, so unknown names fail here.
	if req.Model == "" {
		return &ValidationError{Field: "model", Message: "model is required"}
	}
	known := false
	for _, m := range cfg.KnownModels {
		if m == req.Model {
			known = true
			break
		}
	}
	if !known {
		return &ValidationError{Field: "model", Message: fmt.Sprintf("unknown model %q", req.Model)}
	}

	// Check asset types
	if len(req.AssetTypes) == 0 {
		return &ValidationError{Field: "asset_types", Message: "at least one asset type is required"}
	}
	seen := make(map[schemas.AssetType]bool, len(req.AssetTypes))
	visuals := 0
	for _, t := range req.AssetTypes {
		if !t.Valid() {
			return &ValidationError{Field: "asset_types", Message: fmt.Sprintf("unknown asset type %q", t)}
		}
		if seen[t] {
			return &ValidationError{Field: "asset_types", Message: fmt.Sprintf("duplicate asset type %q", t)}
		}
		seen[t] = true
		if t.Visual() {
			visuals++
		}
	}
	if visuals == 0 {
		return &ValidationError{
			Field:   "asset_types",
			Message: "at least one visual asset type (IMAGE or VIDEO_CLIP) is required",
		}
	}

	if req.NumAssets < 0 || req.NumAssets > maxSceneCount {
		return &ValidationError{
			Field:   "num_assets",
			Message: fmt.Sprintf("scene count must be between 0 and %d", maxSceneCount),
		}
	}

	if req.DurationSeconds < cfg.MinDurationSeconds || req.DurationSeconds > cfg.MaxDurationSeconds {
		return &ValidationError{
			Field: "duration_seconds",
			Message: fmt.Sprintf("duration must be between %d and %d seconds",
				cfg.MinDurationSeconds, cfg.MaxDurationSeconds),
		}
	}

	if _, _, err := schemas.ParseResolution(req.Resolution); err != nil {
		return &ValidationError{Field: "resolution", Message: err.Error()}
	}

	switch req.Quality {
	case schemas.QualityDraft, schemas.QualityStandard, schemas.QualityHigh:
	default:
		return &ValidationError{Field: "quality", Message: fmt.Sprintf("unknown quality tier %q", req.Quality)}
	}

	return nil
}
