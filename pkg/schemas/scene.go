package schemas

import "fmt"

// SceneDescription is one entry of the ordered scene list produced by
// script analysis. DurationWeight is the scene's relative share of the
// target duration; weights across a script are normalized to sum to 1.
type SceneDescription struct {
	Sequence       int     `json:"sequence"`
	Theme          string  `json:"theme"`
	VisualPrompt   string  `json:"visual_prompt"`
	Narration      string  `json:"narration"`
	DurationWeight float64 `json:"duration_weight"`
}

// NormalizeWeights rescales scene duration weights in place so they sum to
// 1. It fails if any weight is non-positive; the analysis step never
// invents a default decomposition for a degenerate response.
func NormalizeWeights(scenes []SceneDescription) error {
	if len(scenes) == 0 {
		return fmt.Errorf("no scenes to normalize")
	}
	var sum float64
	for i, s := range scenes {
		if s.DurationWeight <= 0 {
			return fmt.Errorf("scene %d: non-positive duration weight %v", i, s.DurationWeight)
		}
		sum += s.DurationWeight
	}
	for i := range scenes {
		scenes[i].DurationWeight /= sum
	}
	return nil
}
