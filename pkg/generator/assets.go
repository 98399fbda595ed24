package generator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Asdafers/contenitzer/pkg/schemas"
)

// Usage counts provider consumption for one operation, retries included.
type Usage struct {
	Requests int
	Tokens   int64
}

// Config tunes the transient-failure retry window.
type Config struct {
	MaxRetries  int           // retries after the first attempt, default 3
	BackoffBase time.Duration // first backoff delay, default 2s
}

// Generator turns scene descriptions into on-disk media assets through
// the provider client. Timeouts and rate limits are retried with
// exponential backoff; every other failure is immediate.
type Generator struct {
	client      *Client
	maxRetries  int
	backoffBase time.Duration
	log         zerolog.Logger
}

// NewGenerator wires a Generator around a provider client.
func NewGenerator(client *Client, cfg Config, log zerolog.Logger) *Generator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	return &Generator{
		client:      client,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		log:         log.With().Str("component", "generator").Logger(),
	}
}

// AssetRequest describes one asset to generate.
type AssetRequest struct {
	JobID       string
	Scene       schemas.SceneDescription
	Type        schemas.AssetType
	Model       string
	OutputDir   string
	Resolution  string  // target video resolution, "WxH"
	SlotSeconds float64 // approximate screen time for the scene
	Voice       string
}

// GenerateAsset produces one asset for a scene and writes its file under
// the request's output directory. ModelUsed on the returned asset is
// always the requested model.
func (g *Generator) GenerateAsset(ctx context.Context, req AssetRequest) (*schemas.Asset, Usage, error) {
	start := time.Now()

	asset := &schemas.Asset{
		ID:               uuid.NewString(),
		JobID:            req.JobID,
		Type:             req.Type,
		SceneIndex:       req.Scene.Sequence,
		GenerationPrompt: req.Scene.VisualPrompt,
		ModelUsed:        req.Model,
		CreatedAt:        time.Now().UTC(),
	}

	var (
		usage Usage
		err   error
	)
	switch req.Type {
	case schemas.AssetTypeImage:
		usage, err = g.generateImage(ctx, req, asset)
	case schemas.AssetTypeAudio:
		usage, err = g.generateAudio(ctx, req, asset)
	case schemas.AssetTypeVideoClip:
		usage, err = g.generateClip(ctx, req, asset)
	case schemas.AssetTypeTextOverlay:
		usage, err = g.generateOverlay(ctx, req, asset)
	default:
		return nil, Usage{}, fmt.Errorf("generator: unknown asset type %q", req.Type)
	}
	if err != nil {
		return nil, usage, err
	}

	asset.ResponseTime = schemas.Duration{Duration: time.Since(start)}
	if err := asset.Validate(); err != nil {
		return nil, usage, err
	}

	g.log.Debug().
		Str("job_id", req.JobID).
		Str("asset_id", asset.ID).
		Str("type", string(req.Type)).
		Int("scene", req.Scene.Sequence).
		Dur("elapsed", time.Since(start)).
		Msg("asset generated")
	return asset, usage, nil
}

func (g *Generator) generateImage(ctx context.Context, req AssetRequest, asset *schemas.Asset) (Usage, error) {
	size, width, height := imageSize(req.Resolution)

	var data []byte
	usage, err := g.withRetry(ctx, "image generation", func() error {
		var callErr error
		data, callErr = g.client.GenerateImage(ctx, ImageRequest{
			Model:  req.Model,
			Prompt: req.Scene.VisualPrompt,
			Size:   size,
		})
		return callErr
	})
	if err != nil {
		return usage, err
	}

	path := filepath.Join(req.OutputDir, fmt.Sprintf("scene_%02d.png", req.Scene.Sequence))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return usage, fmt.Errorf("writing image: %w", err)
	}

	asset.FilePath = path
	asset.Image = &schemas.ImageAttrs{Width: width, Height: height, Format: "png"}
	return usage, nil
}

func (g *Generator) generateAudio(ctx context.Context, req AssetRequest, asset *schemas.Asset) (Usage, error) {
	text := strings.TrimSpace(req.Scene.Narration)
	if text == "" {
		text = req.Scene.Theme
	}

	var data []byte
	usage, err := g.withRetry(ctx, "speech synthesis", func() error {
		var callErr error
		data, callErr = g.client.Speech(ctx, SpeechRequest{
			Model: req.Model,
			Text:  text,
			Voice: req.Voice,
		})
		return callErr
	})
	if err != nil {
		return usage, err
	}

	path := filepath.Join(req.OutputDir, fmt.Sprintf("scene_%02d.mp3", req.Scene.Sequence))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return usage, fmt.Errorf("writing audio: %w", err)
	}

	asset.FilePath = path
	asset.GenerationPrompt = text
	asset.Audio = &schemas.AudioAttrs{
		Duration: schemas.Duration{Duration: estimateSpeechDuration(text)},
		Format:   "mp3",
	}
	return usage, nil
}

func (g *Generator) generateClip(ctx context.Context, req AssetRequest, asset *schemas.Asset) (Usage, error) {
	width, height, err := schemas.ParseResolution(req.Resolution)
	if err != nil {
		return Usage{}, err
	}
	seconds := int(math.Round(req.SlotSeconds))
	if seconds < 1 {
		seconds = 4
	}

	var data []byte
	usage, err := g.withRetry(ctx, "clip generation", func() error {
		var callErr error
		data, callErr = g.client.GenerateClip(ctx, ClipRequest{
			Model:   req.Model,
			Prompt:  req.Scene.VisualPrompt,
			Seconds: seconds,
			Size:    req.Resolution,
		})
		return callErr
	})
	if err != nil {
		return usage, err
	}

	path := filepath.Join(req.OutputDir, fmt.Sprintf("scene_%02d.mp4", req.Scene.Sequence))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return usage, fmt.Errorf("writing clip: %w", err)
	}

	asset.FilePath = path
	asset.Clip = &schemas.ClipAttrs{
		Duration: schemas.DurationFromSeconds(seconds),
		Width:    width,
		Height:   height,
		Format:   "mp4",
	}
	return usage, nil
}

const overlaySystemPrompt = `You write on-screen captions for video scenes. Reply with the caption text only: at most 8 words, no quotes, no markdown.`

func (g *Generator) generateOverlay(ctx context.Context, req AssetRequest, asset *schemas.Asset) (Usage, error) {
	prompt := fmt.Sprintf("Scene theme: %s\nNarration: %s\n\nWrite the caption.", req.Scene.Theme, req.Scene.Narration)

	var (
		caption string
		tokens  int64
	)
	usage, err := g.withRetry(ctx, "caption generation", func() error {
		var callErr error
		caption, tokens, callErr = g.client.ChatCompletion(ctx, ChatRequest{
			Model:       req.Model,
			System:      overlaySystemPrompt,
			User:        prompt,
			MaxTokens:   60,
			Temperature: 0.7,
		})
		return callErr
	})
	usage.Tokens += tokens
	if err != nil {
		return usage, err
	}

	caption = strings.Trim(strings.TrimSpace(caption), `"`)
	if caption == "" {
		return usage, malformed("caption generation", req.Model, "empty caption", nil)
	}

	path := filepath.Join(req.OutputDir, fmt.Sprintf("scene_%02d.txt", req.Scene.Sequence))
	if err := os.WriteFile(path, []byte(caption), 0644); err != nil {
		return usage, fmt.Errorf("writing caption: %w", err)
	}

	asset.FilePath = path
	asset.Overlay = &schemas.OverlayAttrs{
		Text:     caption,
		Duration: schemas.Duration{Duration: time.Duration(req.SlotSeconds * float64(time.Second))},
	}
	return usage, nil
}

// withRetry runs call, retrying transient provider failures with
// exponential backoff. A Retry-After hint from the provider is honored
// when it exceeds the computed backoff.
func (g *Generator) withRetry(ctx context.Context, operation string, call func() error) (Usage, error) {
	var usage Usage
	delay := g.backoffBase

	for attempt := 0; ; attempt++ {
		usage.Requests++
		err := call()
		if err == nil {
			return usage, nil
		}

		var modelErr *ModelError
		if !errors.As(err, &modelErr) || !modelErr.Transient() || attempt >= g.maxRetries {
			return usage, err
		}

		wait := delay
		if modelErr.RetryAfter > wait {
			wait = modelErr.RetryAfter
		}
		g.log.Warn().
			Str("operation", operation).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Str("kind", string(modelErr.Kind)).
			Msg("transient provider failure, backing off")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return usage, ctx.Err()
		}
		delay *= 2
	}
}

// imageSize maps the job resolution to the nearest size the images
// endpoint accepts.
func imageSize(resolution string) (size string, width, height int) {
	w, h, err := schemas.ParseResolution(resolution)
	if err != nil || h == 0 {
		return "1024x1024", 1024, 1024
	}
	ratio := float64(w) / float64(h)
	switch {
	case ratio >= 1.3:
		return "1792x1024", 1792, 1024
	case ratio <= 0.77:
		return "1024x1792", 1024, 1792
	default:
		return "1024x1024", 1024, 1024
	}
}

// estimateSpeechDuration approximates narration length at a natural
// reading pace of about 130 words per minute. The estimate feeds
// progress reporting; composition works from the real file.
func estimateSpeechDuration(text string) time.Duration {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	secs := float64(words) / 130.0 * 60.0
	return time.Duration(secs * float64(time.Second))
}
