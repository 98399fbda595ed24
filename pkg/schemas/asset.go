package schemas

import (
	"fmt"
	"time"
)

// AssetType identifies the media kind of a generated asset
type AssetType string

const (
	AssetTypeImage       AssetType = "IMAGE"
	AssetTypeAudio       AssetType = "AUDIO"
	AssetTypeVideoClip   AssetType = "VIDEO_CLIP"
	AssetTypeTextOverlay AssetType = "TEXT_OVERLAY"
)

// Valid reports whether t is a known asset type.
func (t AssetType) Valid() bool {
	switch t {
	case AssetTypeImage, AssetTypeAudio, AssetTypeVideoClip, AssetTypeTextOverlay:
		return true
	}
	return false
}

// Visual reports whether assets of this type occupy a slot on the video
// track. Audio and overlays ride on top of the visual timeline.
func (t AssetType) Visual() bool {
	return t == AssetTypeImage || t == AssetTypeVideoClip
}

// ImageAttrs describes an IMAGE asset. Images are static and carry no
// duration of their own; display time is decided by the composer.
type ImageAttrs struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// AudioAttrs describes an AUDIO asset
type AudioAttrs struct {
	Duration Duration `json:"duration"`
	Format   string   `json:"format"`
}

// ClipAttrs describes a VIDEO_CLIP asset
type ClipAttrs struct {
	Duration Duration `json:"duration"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Format   string   `json:"format"`
}

// OverlayAttrs describes a TEXT_OVERLAY asset
type OverlayAttrs struct {
	Text     string   `json:"text"`
	Duration Duration `json:"duration"`
}

// Asset is one generated media unit. Exactly one variant field is set,
// matching Type. Assets are immutable once written; regeneration creates a
// new Asset rather than overwriting.
type Asset struct {
	ID               string    `json:"id"`
	JobID            string    `json:"job_id"`
	Type             AssetType `json:"asset_type"`
	SceneIndex       int       `json:"scene_index"`
	FilePath         string    `json:"file_path,omitempty"`
	GenerationPrompt string    `json:"generation_prompt"`
	ModelUsed        string    `json:"model_used"`
	ResponseTime     Duration  `json:"model_response_time"`
	ConfidenceScore  *float64  `json:"confidence_score,omitempty"`
	CreatedAt        time.Time `json:"created_at"`

	Image   *ImageAttrs   `json:"image,omitempty"`
	Audio   *AudioAttrs   `json:"audio,omitempty"`
	Clip    *ClipAttrs    `json:"clip,omitempty"`
	Overlay *OverlayAttrs `json:"overlay,omitempty"`
}

// Duration returns the intrinsic duration of the asset. Static images
// return zero.
func (a *Asset) Duration() time.Duration {
	switch a.Type {
	case AssetTypeImage:
		return 0
	case AssetTypeAudio:
		if a.Audio != nil {
			return a.Audio.Duration.Duration
		}
	case AssetTypeVideoClip:
		if a.Clip != nil {
			return a.Clip.Duration.Duration
		}
	case AssetTypeTextOverlay:
		if a.Overlay != nil {
			return a.Overlay.Duration.Duration
		}
	}
	return 0
}

// Validate checks the variant payload matches the declared type.
func (a *Asset) Validate() error {
	if a.JobID == "" {
		return fmt.Errorf("asset %s: missing job_id", a.ID)
	}
	set := 0
	for _, present := range []bool{a.Image != nil, a.Audio != nil, a.Clip != nil, a.Overlay != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("asset %s: expected exactly one variant payload, got %d", a.ID, set)
	}

	var ok bool
	switch a.Type {
	case AssetTypeImage:
		ok = a.Image != nil
	case AssetTypeAudio:
		ok = a.Audio != nil
	case AssetTypeVideoClip:
		ok = a.Clip != nil
	case AssetTypeTextOverlay:
		ok = a.Overlay != nil
	default:
		return fmt.Errorf("asset %s: unknown asset type %q", a.ID, a.Type)
	}
	if !ok {
		return fmt.Errorf("asset %s: variant payload does not match type %s", a.ID, a.Type)
	}
	return nil
}
