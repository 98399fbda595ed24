package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Asdafers/contenitzer/pkg/schemas"
)

// maxScenes bounds how many scenes one script may decompose into.
const maxScenes = 64

const analysisSystemPrompt = `You are a video production planner. Given a script, split it into scenes for a short composed video.

You MUST respond with ONLY a valid JSON object - no preamble, no markdown, no explanation.

The object must have exactly this shape:
{"scenes": [{"sequence": 0, "theme": "...", "visual_prompt": "...", "narration": "...", "duration_weight": 1.0}]}

Rules for each scene:
- "sequence": zero-based position of the scene in the video
- "theme": short label for what the scene is about
- "visual_prompt": a detailed image/video generation prompt for the scene
- "narration": the exact words spoken over the scene, taken from the script
- "duration_weight": relative share of screen time (positive number; weights are relative, not seconds)`

// AnalysisRequest carries the inputs for script decomposition.
type AnalysisRequest struct {
	Script    string
	Model     string
	NumScenes int // 0 lets the model choose the scene count
}

// AnalyzeScript decomposes a script into an ordered scene list. The
// reply must match the strict JSON shape; anything else fails as a
// malformed response rather than degrading into a default decomposition.
func (g *Generator) AnalyzeScript(ctx context.Context, req AnalysisRequest) ([]schemas.SceneDescription, Usage, error) {
	const operation = "script analysis"

	var (
		content string
		tokens  int64
	)
	usage, err := g.withRetry(ctx, operation, func() error {
		var callErr error
		content, tokens, callErr = g.client.ChatCompletion(ctx, ChatRequest{
			Model:       req.Model,
			System:      analysisSystemPrompt,
			User:        buildAnalysisPrompt(req),
			MaxTokens:   4096,
			Temperature: 0.4,
			JSONMode:    true,
		})
		return callErr
	})
	usage.Tokens += tokens
	if err != nil {
		return nil, usage, err
	}

	scenes, err := parseScenes(req.Model, content, req.NumScenes)
	if err != nil {
		return nil, usage, err
	}

	g.log.Debug().
		Str("model", req.Model).
		Int("scenes", len(scenes)).
		Msg("script analyzed")
	return scenes, usage, nil
}

func buildAnalysisPrompt(req AnalysisRequest) string {
	var sb strings.Builder
	if req.NumScenes > 0 {
		fmt.Fprintf(&sb, "Split the following script into exactly %d scenes.\n\n", req.NumScenes)
	} else {
		fmt.Fprintf(&sb, "Split the following script into between 1 and %d scenes.\n\n", maxScenes)
	}
	sb.WriteString("SCRIPT:\n")
	sb.WriteString(req.Script)
	sb.WriteString("\n\nRespond ONLY with the JSON object. No markdown.")
	return sb.String()
}

type analysisEnvelope struct {
	Scenes []sceneJSON `json:"scenes"`
}

type sceneJSON struct {
	Sequence       int     `json:"sequence"`
	Theme          string  `json:"theme"`
	VisualPrompt   string  `json:"visual_prompt"`
	Narration      string  `json:"narration"`
	DurationWeight float64 `json:"duration_weight"`
}

// parseScenes validates a provider reply against the strict analysis
// shape and returns normalized scenes.
func parseScenes(model, content string, wantScenes int) ([]schemas.SceneDescription, error) {
	const operation = "script analysis"

	cleaned := cleanJSONFences(content)
	var envelope analysisEnvelope
	if err := json.Unmarshal([]byte(cleaned), &envelope); err != nil {
		return nil, malformed(operation, model, "reply is not the required JSON object", err)
	}

	n := len(envelope.Scenes)
	if n == 0 {
		return nil, malformed(operation, model, "no scenes in reply", nil)
	}
	if n > maxScenes {
		return nil, malformed(operation, model, fmt.Sprintf("%d scenes exceeds the maximum of %d", n, maxScenes), nil)
	}
	if wantScenes > 0 && n != wantScenes {
		return nil, malformed(operation, model, fmt.Sprintf("asked for %d scenes, got %d", wantScenes, n), nil)
	}

	scenes := make([]schemas.SceneDescription, 0, n)
	for i, s := range envelope.Scenes {
		if strings.TrimSpace(s.VisualPrompt) == "" {
			return nil, malformed(operation, model, fmt.Sprintf("scene %d has an empty visual_prompt", i), nil)
		}
		if s.DurationWeight <= 0 {
			return nil, malformed(operation, model, fmt.Sprintf("scene %d has a non-positive duration_weight", i), nil)
		}
		scenes = append(scenes, schemas.SceneDescription{
			// Reply order wins over the model's own numbering.
			Sequence:       i,
			Theme:          strings.TrimSpace(s.Theme),
			VisualPrompt:   strings.TrimSpace(s.VisualPrompt),
			Narration:      strings.TrimSpace(s.Narration),
			DurationWeight: s.DurationWeight,
		})
	}

	if err := schemas.NormalizeWeights(scenes); err != nil {
		return nil, malformed(operation, model, "weights could not be normalized", err)
	}
	return scenes, nil
}

// cleanJSONFences strips markdown fences when the model wraps its reply
// in ```json ... ```.
func cleanJSONFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
