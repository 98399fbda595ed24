package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Asdafers/contenitzer/pkg/composer"
	"github.com/Asdafers/contenitzer/pkg/generator"
	"github.com/Asdafers/contenitzer/pkg/progress"
	"github.com/Asdafers/contenitzer/pkg/schemas"
	"github.com/Asdafers/contenitzer/pkg/storage"
	"github.com/Asdafers/contenitzer/pkg/store"
)

type fakeGenerator struct {
	mu               sync.Mutex
	analyzeFn        func(context.Context, generator.AnalysisRequest) ([]schemas.SceneDescription, generator.Usage, error)
	generateFn       func(context.Context, generator.AssetRequest) (*schemas.Asset, generator.Usage, error)
	generateStarted  int
	generateFinished int
}

func (f *fakeGenerator) AnalyzeScript(ctx context.Context, req generator.AnalysisRequest) ([]schemas.SceneDescription, generator.Usage, error) {
	return f.analyzeFn(ctx, req)
}

func (f *fakeGenerator) GenerateAsset(ctx context.Context, req generator.AssetRequest) (*schemas.Asset, generator.Usage, error) {
	f.mu.Lock()
	f.generateStarted++
	f.mu.Unlock()

	asset, usage, err := f.generateFn(ctx, req)

	f.mu.Lock()
	f.generateFinished++
	f.mu.Unlock()
	return asset, usage, err
}

func (f *fakeGenerator) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generateStarted
}

func (f *fakeGenerator) finished() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generateFinished
}

type fakeComposer struct {
	mu        sync.Mutex
	composeFn func(context.Context, composer.Request) (*schemas.GeneratedVideo, error)
	calls     int
}

func (f *fakeComposer) Compose(ctx context.Context, req composer.Request) (*schemas.GeneratedVideo, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.composeFn(ctx, req)
}

func (f *fakeComposer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testScenes() []schemas.SceneDescription {
	return []schemas.SceneDescription{
		{Sequence: 0, Theme: "harbor at dawn", VisualPrompt: "fishing boats at first light", Narration: "The harbor wakes slowly.", DurationWeight: 0.6},
		{Sequence: 1, Theme: "market opens", VisualPrompt: "stalls filling with produce", Narration: "By seven the market is loud.", DurationWeight: 0.4},
	}
}

func okAnalyze(_ context.Context, _ generator.AnalysisRequest) ([]schemas.SceneDescription, generator.Usage, error) {
	return testScenes(), generator.Usage{Requests: 1, Tokens: 400}, nil
}

func okGenerate(_ context.Context, req generator.AssetRequest) (*schemas.Asset, generator.Usage, error) {
	asset := &schemas.Asset{
		ID:               uuid.NewString(),
		JobID:            req.JobID,
		Type:             req.Type,
		SceneIndex:       req.Scene.Sequence,
		GenerationPrompt: req.Scene.VisualPrompt,
		ModelUsed:        req.Model,
		CreatedAt:        time.Now().UTC(),
	}

	var name string
	switch req.Type {
	case schemas.AssetTypeImage:
		name = fmt.Sprintf("scene_%02d.png", req.Scene.Sequence)
		asset.Image = &schemas.ImageAttrs{Width: 1280, Height: 720, Format: "png"}
	case schemas.AssetTypeAudio:
		name = fmt.Sprintf("scene_%02d.mp3", req.Scene.Sequence)
		asset.Audio = &schemas.AudioAttrs{Duration: schemas.Duration{Duration: 3 * time.Second}, Format: "mp3"}
	default:
		return nil, generator.Usage{}, fmt.Errorf("unexpected asset type %s", req.Type)
	}

	asset.FilePath = filepath.Join(req.OutputDir, name)
	if err := os.WriteFile(asset.FilePath, []byte("media"), 0644); err != nil {
		return nil, generator.Usage{}, err
	}
	return asset, generator.Usage{Requests: 1, Tokens: 50}, nil
}

func okCompose(media *storage.Manager) func(context.Context, composer.Request) (*schemas.GeneratedVideo, error) {
	return func(_ context.Context, req composer.Request) (*schemas.GeneratedVideo, error) {
		id := uuid.NewString()
		path := media.FinalVideoPath(id)
		if err := os.WriteFile(path, []byte("rendered"), 0644); err != nil {
			return nil, err
		}
		return &schemas.GeneratedVideo{
			ID:         id,
			JobID:      req.JobID,
			FilePath:   path,
			Duration:   req.Settings.TargetDuration,
			Resolution: req.Settings.Resolution,
			Format:     "mp4",
			FileSize:   8,
			CreatedAt:  time.Now().UTC(),
		}, nil
	}
}

func newTestDispatcher(t *testing.T, cfg Config, gen Generator, comp Composer) (*Dispatcher, *store.MemoryStore, *storage.Manager, *progress.Publisher) {
	t.Helper()

	st := store.NewMemoryStore()
	media, err := storage.NewManager(t.TempDir(), "", storage.RetentionPolicy{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("media manager: %v", err)
	}
	events := progress.NewPublisher(zerolog.Nop())
	go events.Run()
	t.Cleanup(events.Close)

	d := New(st, media, gen, comp, events, cfg, zerolog.Nop())
	return d, st, media, events
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		if err := d.Stop(stopCtx); err != nil {
			t.Errorf("stop: %v", err)
		}
		cancel()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForTerminal(t *testing.T, st store.Store, jobID string) *store.Job {
	t.Helper()

	var job *store.Job
	waitFor(t, "terminal state", func() bool {
		var err error
		job, err = st.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		return job.IsTerminal()
	})
	return job
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	gen := &fakeGenerator{analyzeFn: okAnalyze, generateFn: okGenerate}
	comp := &fakeComposer{}
	d, st, _, _ := newTestDispatcher(t, Config{}, gen, comp)

	req := testRequest()
	req.ScriptContent = ""
	_, err := d.Submit(context.Background(), req)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}

	jobs, err := st.ListJobs(context.Background(), nil)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("invalid request was enqueued, store has %d jobs", len(jobs))
	}
}

func TestSubmitQueueFull(t *testing.T) {
	gen := &fakeGenerator{analyzeFn: okAnalyze, generateFn: okGenerate}
	comp := &fakeComposer{}
	// No Start: queued jobs stay queued, so the second submit must bounce.
	d, st, _, _ := newTestDispatcher(t, Config{QueueSize: 1}, gen, comp)

	first, err := d.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err = d.Submit(context.Background(), testRequest())
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	job, err := st.GetJob(context.Background(), first)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != schemas.JobStatePending {
		t.Errorf("queued job status = %s, want PENDING", job.Status)
	}

	jobs, _ := st.ListJobs(context.Background(), nil)
	if len(jobs) != 1 {
		t.Errorf("store has %d jobs, want 1 (rejected submit must not create a job)", len(jobs))
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	gen := &fakeGenerator{analyzeFn: okAnalyze, generateFn: okGenerate}
	comp := &fakeComposer{}
	d, st, media, events := newTestDispatcher(t, Config{}, gen, comp)
	comp.composeFn = okCompose(media)
	startDispatcher(t, d)

	jobID, err := d.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitForTerminal(t, st, jobID)
	if job.Status != schemas.JobStateCompleted {
		t.Fatalf("status = %s, want COMPLETED (error: %+v)", job.Status, job.Error)
	}
	if job.Progress != 100 {
		t.Errorf("progress = %d, want 100", job.Progress)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Error("started/completed timestamps not set")
	}

	// Two scenes with image and audio each.
	assets, err := st.ListAssets(context.Background(), jobID)
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(assets) != 4 {
		t.Errorf("asset count = %d, want 4", len(assets))
	}

	video, err := st.VideoForJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("video for job: %v", err)
	}
	if _, err := os.Stat(video.FilePath); err != nil {
		t.Errorf("final video file missing: %v", err)
	}

	// One analysis call plus one per asset.
	if job.Usage.ModelRequests != 5 {
		t.Errorf("model requests = %d, want 5", job.Usage.ModelRequests)
	}
	if job.Usage.UnitsConsumed != 600 {
		t.Errorf("units consumed = %d, want 600", job.Usage.UnitsConsumed)
	}
	for _, stage := range []schemas.JobState{
		schemas.JobStateAnalyzingScript,
		schemas.JobStateGeneratingAssets,
		schemas.JobStateComposingVideo,
	} {
		if _, ok := job.Usage.StageDurations[stage]; !ok {
			t.Errorf("no stage duration recorded for %s", stage)
		}
	}

	// Generated assets persist after completion.
	imagesDir := filepath.Join(media.BaseDir(), "assets", "images", jobID)
	if _, err := os.Stat(imagesDir); err != nil {
		t.Errorf("asset directory removed on success: %v", err)
	}

	// The event stream of a finished job closes out.
	ch, cancelSub := events.Subscribe(jobID)
	defer cancelSub()
	closeDeadline := time.After(2 * time.Second)
waitClosed:
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				break waitClosed
			}
		case <-closeDeadline:
			t.Fatal("event stream never closed after terminal state")
		}
	}

	// Terminal jobs refuse cancellation.
	if err := d.Cancel(context.Background(), jobID); !errors.Is(err, store.ErrTerminal) {
		t.Errorf("cancel after completion: got %v, want ErrTerminal", err)
	}
}

func TestContentPolicyFailureFailsJob(t *testing.T) {
	gen := &fakeGenerator{analyzeFn: okAnalyze}
	gen.generateFn = func(ctx context.Context, req generator.AssetRequest) (*schemas.Asset, generator.Usage, error) {
		if req.Scene.Sequence == 1 && req.Type == schemas.AssetTypeImage {
			return nil, generator.Usage{Requests: 1}, &generator.ModelError{
				Kind:       generator.KindContentPolicy,
				Model:      req.Model,
				Operation:  "image generation",
				StatusCode: 400,
				Message:    "prompt rejected by content policy",
			}
		}
		return okGenerate(ctx, req)
	}
	comp := &fakeComposer{}
	d, st, media, _ := newTestDispatcher(t, Config{}, gen, comp)
	comp.composeFn = okCompose(media)
	startDispatcher(t, d)

	jobID, err := d.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitForTerminal(t, st, jobID)
	if job.Status != schemas.JobStateFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if job.Error == nil {
		t.Fatal("failed job carries no error")
	}
	if job.Error.Code != schemas.ErrCodeModelContentPolicy {
		t.Errorf("error code = %s, want %s", job.Error.Code, schemas.ErrCodeModelContentPolicy)
	}
	if job.Error.Stage != schemas.JobStateGeneratingAssets {
		t.Errorf("error stage = %s, want GENERATING_ASSETS", job.Error.Stage)
	}
	if job.Error.Retryable {
		t.Error("content policy rejection marked retryable")
	}

	if comp.callCount() != 0 {
		t.Errorf("composer called %d times on a failed generation", comp.callCount())
	}
	if _, err := st.VideoForJob(context.Background(), jobID); !errors.Is(err, store.ErrVideoNotFound) {
		t.Errorf("video lookup after failure: got %v, want ErrVideoNotFound", err)
	}

	// Partial assets are cleaned up.
	waitFor(t, "asset cleanup", func() bool {
		_, err := os.Stat(filepath.Join(media.BaseDir(), "assets", "images", jobID))
		return os.IsNotExist(err)
	})
}

func TestCancelDuringGeneration(t *testing.T) {
	gate := make(chan struct{})
	gen := &fakeGenerator{analyzeFn: okAnalyze}
	gen.generateFn = func(ctx context.Context, req generator.AssetRequest) (*schemas.Asset, generator.Usage, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, generator.Usage{}, ctx.Err()
		}
		return okGenerate(ctx, req)
	}
	comp := &fakeComposer{}
	// Serial generation makes the boundary between assets deterministic.
	d, st, media, _ := newTestDispatcher(t, Config{AssetConcurrency: 1}, gen, comp)
	comp.composeFn = okCompose(media)
	startDispatcher(t, d)

	jobID, err := d.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, "first asset generation to start", func() bool { return gen.started() >= 1 })

	if err := d.Cancel(context.Background(), jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(gate)

	job := waitForTerminal(t, st, jobID)
	if job.Status != schemas.JobStateCancelled {
		t.Fatalf("status = %s, want CANCELLED", job.Status)
	}
	if job.Error != nil {
		t.Errorf("cancelled job carries error %+v", job.Error)
	}

	// The in-flight generation ran to completion; the next boundary
	// stopped the job before any further call.
	if got := gen.started(); got != 1 {
		t.Errorf("generation calls = %d, want 1", got)
	}
	if got := gen.finished(); got != 1 {
		t.Errorf("completed generation calls = %d, want 1", got)
	}
	if comp.callCount() != 0 {
		t.Errorf("composer called %d times on a cancelled job", comp.callCount())
	}

	waitFor(t, "asset cleanup", func() bool {
		_, err := os.Stat(filepath.Join(media.BaseDir(), "assets", "images", jobID))
		return os.IsNotExist(err)
	})
}

func TestJobTimeout(t *testing.T) {
	gen := &fakeGenerator{generateFn: okGenerate}
	gen.analyzeFn = func(ctx context.Context, _ generator.AnalysisRequest) ([]schemas.SceneDescription, generator.Usage, error) {
		<-ctx.Done()
		return nil, generator.Usage{Requests: 1}, ctx.Err()
	}
	comp := &fakeComposer{}
	d, st, media, _ := newTestDispatcher(t, Config{JobTimeout: 40 * time.Millisecond}, gen, comp)
	comp.composeFn = okCompose(media)
	startDispatcher(t, d)

	jobID, err := d.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitForTerminal(t, st, jobID)
	if job.Status != schemas.JobStateFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if job.Error == nil {
		t.Fatal("timed-out job carries no error")
	}
	if job.Error.Code != schemas.ErrCodeJobTimeout {
		t.Errorf("error code = %s, want %s", job.Error.Code, schemas.ErrCodeJobTimeout)
	}
	if job.Error.Stage != schemas.JobStateAnalyzingScript {
		t.Errorf("error stage = %s, want ANALYZING_SCRIPT", job.Error.Stage)
	}
	if !job.Error.Retryable {
		t.Error("job timeout not marked retryable")
	}
}

func TestShutdownCancelsInFlightJob(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	gen := &fakeGenerator{analyzeFn: okAnalyze}
	gen.generateFn = func(ctx context.Context, req generator.AssetRequest) (*schemas.Asset, generator.Usage, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, generator.Usage{}, ctx.Err()
		}
		return okGenerate(ctx, req)
	}
	comp := &fakeComposer{}
	d, st, media, _ := newTestDispatcher(t, Config{}, gen, comp)
	comp.composeFn = okCompose(media)

	baseCtx, cancelBase := context.WithCancel(context.Background())
	d.Start(baseCtx)

	jobID, err := d.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "generation to start", func() bool { return gen.started() >= 1 })

	cancelBase()

	job := waitForTerminal(t, st, jobID)
	if job.Status != schemas.JobStateCancelled {
		t.Fatalf("status = %s, want CANCELLED after shutdown", job.Status)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
