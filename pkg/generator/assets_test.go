package generator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Asdafers/contenitzer/pkg/schemas"
)

func TestGenerateImageAsset(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.setJSONResponse("/v1/images/generations", map[string]any{
		"data": []any{map[string]any{"b64_json": base64.StdEncoding.EncodeToString(png)}},
	})

	gen := newTestGenerator(t, transport, Config{})
	outDir := t.TempDir()

	asset, usage, err := gen.GenerateAsset(context.Background(), AssetRequest{
		JobID:      "job-1",
		Scene:      schemas.SceneDescription{Sequence: 2, VisualPrompt: "a lighthouse", DurationWeight: 1},
		Type:       schemas.AssetTypeImage,
		Model:      "gpt-image-1",
		OutputDir:  outDir,
		Resolution: "1920x1080",
	})
	if err != nil {
		t.Fatalf("generate asset: %v", err)
	}
	if asset.ModelUsed != "gpt-image-1" {
		t.Fatalf("model_used = %q, want gpt-image-1", asset.ModelUsed)
	}
	if asset.Image == nil {
		t.Fatalf("image attrs missing")
	}
	// A landscape job resolution maps to the provider's wide size.
	if asset.Image.Width != 1792 || asset.Image.Height != 1024 {
		t.Fatalf("image size = %dx%d, want 1792x1024", asset.Image.Width, asset.Image.Height)
	}
	wantPath := filepath.Join(outDir, "scene_02.png")
	if asset.FilePath != wantPath {
		t.Fatalf("file path = %q, want %q", asset.FilePath, wantPath)
	}
	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("read asset file: %v", err)
	}
	if len(data) != len(png) {
		t.Fatalf("file size = %d, want %d", len(data), len(png))
	}
	if usage.Requests != 1 {
		t.Fatalf("requests = %d, want 1", usage.Requests)
	}
	if err := asset.Validate(); err != nil {
		t.Fatalf("asset invalid: %v", err)
	}
}

func TestGenerateAudioAsset(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.setBinaryResponse("/v1/audio/speech", []byte("mp3 frame data"))

	gen := newTestGenerator(t, transport, Config{})
	outDir := t.TempDir()

	asset, _, err := gen.GenerateAsset(context.Background(), AssetRequest{
		JobID: "job-1",
		Scene: schemas.SceneDescription{
			Sequence:       0,
			Theme:          "opening",
			Narration:      strings.TrimSpace(strings.Repeat("word ", 130)),
			VisualPrompt:   "sunrise",
			DurationWeight: 1,
		},
		Type:       schemas.AssetTypeAudio,
		Model:      "gpt-4o-mini-tts",
		OutputDir:  outDir,
		Resolution: "1280x720",
	})
	if err != nil {
		t.Fatalf("generate asset: %v", err)
	}
	if asset.Audio == nil {
		t.Fatalf("audio attrs missing")
	}
	// 130 words at a ~130 wpm reading pace is about a minute.
	got := asset.Audio.Duration.Duration
	if got < 55*time.Second || got > 65*time.Second {
		t.Fatalf("estimated duration = %s, want about 1m", got)
	}
	if filepath.Base(asset.FilePath) != "scene_00.mp3" {
		t.Fatalf("file path = %q, want scene_00.mp3", asset.FilePath)
	}
	if _, err := os.Stat(asset.FilePath); err != nil {
		t.Fatalf("stat audio file: %v", err)
	}
}

func TestGenerateClipAsset(t *testing.T) {
	clip := []byte("mp4 container bytes")
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.setJSONResponse("/v1/videos/generations", map[string]any{
		"data": []any{map[string]any{"url": "https://cdn.example.com/clips/out.mp4"}},
	})
	transport.setBinaryResponse("https://cdn.example.com/clips/out.mp4", clip)

	gen := newTestGenerator(t, transport, Config{})
	outDir := t.TempDir()

	asset, _, err := gen.GenerateAsset(context.Background(), AssetRequest{
		JobID:       "job-1",
		Scene:       schemas.SceneDescription{Sequence: 3, VisualPrompt: "waves rolling in", DurationWeight: 1},
		Type:        schemas.AssetTypeVideoClip,
		Model:       "sora-2",
		OutputDir:   outDir,
		Resolution:  "1280x720",
		SlotSeconds: 5.4,
	})
	if err != nil {
		t.Fatalf("generate asset: %v", err)
	}
	if asset.Clip == nil {
		t.Fatalf("clip attrs missing")
	}
	if asset.Clip.Width != 1280 || asset.Clip.Height != 720 {
		t.Fatalf("clip size = %dx%d, want 1280x720", asset.Clip.Width, asset.Clip.Height)
	}
	// 5.4 slot seconds round to a 5 second clip request.
	if asset.Clip.Duration.Duration != 5*time.Second {
		t.Fatalf("clip duration = %s, want 5s", asset.Clip.Duration.Duration)
	}

	var payload map[string]any
	if err := json.Unmarshal(transport.lastBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["seconds"] != float64(5) {
		t.Fatalf("seconds = %v, want 5", payload["seconds"])
	}
	data, err := os.ReadFile(filepath.Join(outDir, "scene_03.mp4"))
	if err != nil {
		t.Fatalf("read clip file: %v", err)
	}
	if len(data) != len(clip) {
		t.Fatalf("file size = %d, want %d", len(data), len(clip))
	}
}

func TestGenerateOverlayAsset(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.setJSONResponse("/v1/chat/completions", map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": "\"Dawn breaks\"\n"}}},
		"usage":   map[string]any{"total_tokens": 12},
	})

	gen := newTestGenerator(t, transport, Config{})
	outDir := t.TempDir()

	asset, usage, err := gen.GenerateAsset(context.Background(), AssetRequest{
		JobID:       "job-1",
		Scene:       schemas.SceneDescription{Sequence: 1, Theme: "opening", Narration: "It begins.", VisualPrompt: "sunrise", DurationWeight: 1},
		Type:        schemas.AssetTypeTextOverlay,
		Model:       "gpt-4o",
		OutputDir:   outDir,
		Resolution:  "1280x720",
		SlotSeconds: 7.5,
	})
	if err != nil {
		t.Fatalf("generate asset: %v", err)
	}
	if asset.Overlay == nil {
		t.Fatalf("overlay attrs missing")
	}
	// Surrounding quotes and whitespace are stripped from the caption.
	if asset.Overlay.Text != "Dawn breaks" {
		t.Fatalf("caption = %q, want Dawn breaks", asset.Overlay.Text)
	}
	if asset.Overlay.Duration.Duration != 7500*time.Millisecond {
		t.Fatalf("overlay duration = %s, want 7.5s", asset.Overlay.Duration.Duration)
	}
	if usage.Tokens != 12 {
		t.Fatalf("tokens = %d, want 12", usage.Tokens)
	}
	data, err := os.ReadFile(filepath.Join(outDir, "scene_01.txt"))
	if err != nil {
		t.Fatalf("read caption file: %v", err)
	}
	if string(data) != "Dawn breaks" {
		t.Fatalf("caption file = %q", data)
	}
}

func TestRetryAfterRateLimit(t *testing.T) {
	okBody, _ := json.Marshal(map[string]any{
		"data": []any{map[string]any{"b64_json": base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}},
	})
	transport := &sequenceTransport{stubs: []responseStub{
		{
			status: http.StatusTooManyRequests,
			header: http.Header{"Retry-After": []string{"0"}},
			body:   []byte(`{"error": {"message": "slow down"}}`),
		},
		{
			status: http.StatusOK,
			header: http.Header{"Content-Type": []string{"application/json"}},
			body:   okBody,
		},
	}}

	gen := newTestGenerator(t, transport, Config{BackoffBase: time.Millisecond})
	asset, usage, err := gen.GenerateAsset(context.Background(), AssetRequest{
		JobID:      "job-1",
		Scene:      schemas.SceneDescription{Sequence: 0, VisualPrompt: "a lighthouse", DurationWeight: 1},
		Type:       schemas.AssetTypeImage,
		Model:      "gpt-image-1",
		OutputDir:  t.TempDir(),
		Resolution: "1024x1024",
	})
	if err != nil {
		t.Fatalf("generate asset: %v", err)
	}
	if usage.Requests != 2 {
		t.Fatalf("requests = %d, want 2", usage.Requests)
	}
	if asset.Image == nil {
		t.Fatalf("expected image asset after retry")
	}
}

func TestNoRetryOnContentPolicy(t *testing.T) {
	transport := &sequenceTransport{stubs: []responseStub{
		{
			status: http.StatusBadRequest,
			body:   []byte(`{"error": {"message": "unsafe prompt", "code": "content_policy_violation"}}`),
		},
	}}

	gen := newTestGenerator(t, transport, Config{BackoffBase: time.Millisecond})
	_, usage, err := gen.GenerateAsset(context.Background(), AssetRequest{
		JobID:      "job-1",
		Scene:      schemas.SceneDescription{Sequence: 0, VisualPrompt: "something unsafe", DurationWeight: 1},
		Type:       schemas.AssetTypeImage,
		Model:      "gpt-image-1",
		OutputDir:  t.TempDir(),
		Resolution: "1024x1024",
	})

	var modelErr *ModelError
	if !errors.As(err, &modelErr) || modelErr.Kind != KindContentPolicy {
		t.Fatalf("err = %v, want content policy ModelError", err)
	}
	if usage.Requests != 1 {
		t.Fatalf("requests = %d, want 1 (no retry)", usage.Requests)
	}
}

func TestRetriesExhausted(t *testing.T) {
	transport := &sequenceTransport{stubs: []responseStub{
		{
			status: http.StatusTooManyRequests,
			body:   []byte(`{"error": {"message": "slow down"}}`),
		},
	}}

	gen := newTestGenerator(t, transport, Config{MaxRetries: 2, BackoffBase: time.Millisecond})
	_, usage, err := gen.GenerateAsset(context.Background(), AssetRequest{
		JobID:      "job-1",
		Scene:      schemas.SceneDescription{Sequence: 0, VisualPrompt: "a lighthouse", DurationWeight: 1},
		Type:       schemas.AssetTypeImage,
		Model:      "gpt-image-1",
		OutputDir:  t.TempDir(),
		Resolution: "1024x1024",
	})

	var modelErr *ModelError
	if !errors.As(err, &modelErr) || modelErr.Kind != KindRateLimited {
		t.Fatalf("err = %v, want rate limited ModelError", err)
	}
	if usage.Requests != 3 {
		t.Fatalf("requests = %d, want 3 (first try plus 2 retries)", usage.Requests)
	}
}

// sequenceTransport replays stubbed responses in order, repeating the
// last one once the script runs out.
type sequenceTransport struct {
	stubs []responseStub
	calls int
}

func (s *sequenceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		io.Copy(io.Discard, req.Body)
		req.Body.Close()
	}
	idx := s.calls
	if idx >= len(s.stubs) {
		idx = len(s.stubs) - 1
	}
	s.calls++
	return s.stubs[idx].toResponse(), nil
}
