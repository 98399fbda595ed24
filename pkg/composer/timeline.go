package composer

import (
	"fmt"
	"sort"
	"time"

	"github.com/Asdafers/contenitzer/pkg/schemas"
)

// Slot is one segment of the video track: a visual asset shown for a
// planned duration, with an optional caption burned over it.
type Slot struct {
	SceneIndex int
	Visual     *schemas.Asset
	Overlay    *schemas.Asset
	Start      time.Duration
	Duration   time.Duration
}

// Timeline is the composition plan for a job: ordered visual slots whose
// durations sum exactly to the target, plus the narration track.
type Timeline struct {
	Slots     []Slot
	Narration []*schemas.Asset
	Total     time.Duration
}

// PlanTimeline distributes the target duration over the job's visual
// assets proportionally to the scene weights from the analysis step.
// Slot durations are planned in whole milliseconds; boundaries are placed
// on the cumulative weight so the rounding remainder never accumulates
// and the slots sum to the target exactly.
func PlanTimeline(assets []*schemas.Asset, scenes []schemas.SceneDescription, target time.Duration) (*Timeline, error) {
	if target <= 0 {
		return nil, fmt.Errorf("timeline: target duration must be positive, got %s", target)
	}

	weights := make(map[int]float64, len(scenes))
	for _, scene := range scenes {
		weights[scene.Sequence] = scene.DurationWeight
	}

	var (
		visuals   []*schemas.Asset
		narration []*schemas.Asset
		overlays  = make(map[int]*schemas.Asset)
	)
	for _, asset := range assets {
		switch {
		case asset.Type.Visual():
			visuals = append(visuals, asset)
		case asset.Type == schemas.AssetTypeAudio:
			narration = append(narration, asset)
		case asset.Type == schemas.AssetTypeTextOverlay:
			overlays[asset.SceneIndex] = asset
		}
	}
	if len(visuals) == 0 {
		return nil, fmt.Errorf("timeline: no visual assets to compose")
	}

	sort.SliceStable(visuals, func(i, j int) bool {
		return visuals[i].SceneIndex < visuals[j].SceneIndex
	})
	sort.SliceStable(narration, func(i, j int) bool {
		return narration[i].SceneIndex < narration[j].SceneIndex
	})

	var weightSum float64
	for _, visual := range visuals {
		w, ok := weights[visual.SceneIndex]
		if !ok {
			return nil, fmt.Errorf("timeline: asset %s references scene %d with no description", visual.ID, visual.SceneIndex)
		}
		if w <= 0 {
			return nil, fmt.Errorf("timeline: scene %d has a non-positive weight", visual.SceneIndex)
		}
		weightSum += w
	}

	totalMs := target.Milliseconds()
	slots := make([]Slot, 0, len(visuals))

	var cumWeight float64
	var prevBoundary int64
	for i, visual := range visuals {
		cumWeight += weights[visual.SceneIndex]
		boundary := int64(float64(totalMs)*cumWeight/weightSum + 0.5)
		if i == len(visuals)-1 {
			boundary = totalMs
		}
		durMs := boundary - prevBoundary
		if durMs <= 0 {
			return nil, fmt.Errorf("timeline: scene %d would get an empty slot", visual.SceneIndex)
		}

		slots = append(slots, Slot{
			SceneIndex: visual.SceneIndex,
			Visual:     visual,
			Overlay:    overlays[visual.SceneIndex],
			Start:      time.Duration(prevBoundary) * time.Millisecond,
			Duration:   time.Duration(durMs) * time.Millisecond,
		})
		prevBoundary = boundary
	}

	return &Timeline{
		Slots:     slots,
		Narration: narration,
		Total:     target,
	}, nil
}
