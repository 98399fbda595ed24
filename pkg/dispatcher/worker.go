package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Asdafers/contenitzer/pkg/composer"
	"github.com/Asdafers/contenitzer/pkg/generator"
	"github.com/Asdafers/contenitzer/pkg/schemas"
	"github.com/Asdafers/contenitzer/pkg/storage"
	"github.com/Asdafers/contenitzer/pkg/store"
)

// terminalWriteTimeout bounds the store writes and cleanup that run
// after a job's own context is already dead.
const terminalWriteTimeout = 30 * time.Second

// errCancelled routes a job to CANCELLED when the cooperative flag is
// observed at a stage or asset boundary.
var errCancelled = errors.New("job cancelled")

// errConsistency marks an internal invariant violation, not a user or
// provider condition.
var errConsistency = errors.New("consistency defect")

// stageFailure pins a pipeline error to the stage that raised it.
type stageFailure struct {
	stage schemas.JobState
	err   error
}

func (f *stageFailure) Error() string { return f.err.Error() }
func (f *stageFailure) Unwrap() error { return f.err }

func failAt(stage schemas.JobState, err error) error {
	return &stageFailure{stage: stage, err: err}
}

// runJob drives one dequeued job to a terminal state.
func (d *Dispatcher) runJob(jobID string) {
	log := d.log.With().Str("job_id", jobID).Logger()

	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.JobTimeout)
	defer cancel()

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Msg("dequeued job not found")
		return
	}
	if !job.IsPending() {
		log.Warn().Str("status", string(job.Status)).Msg("dequeued job not pending, skipping")
		return
	}

	started := time.Now()
	err = d.process(ctx, job, log)
	switch {
	case err == nil:
	case errors.Is(err, errCancelled),
		errors.Is(err, context.Canceled) && d.baseCtx.Err() != nil:
		d.finishCancelled(jobID, log)
	default:
		stage := schemas.JobStateAnalyzingScript
		var sf *stageFailure
		if errors.As(err, &sf) {
			stage = sf.stage
		}
		d.finishFailed(jobID, classifyError(ctx, stage, err), log)
	}
	log.Debug().Dur("elapsed", time.Since(started)).Msg("worker released")
}

// process walks the job through its stages in order, writing status
// before and after each one. An error return leaves the job in its last
// working state; the caller settles the terminal transition.
func (d *Dispatcher) process(ctx context.Context, job *store.Job, log zerolog.Logger) error {
	job, err := d.advance(ctx, job, schemas.JobStateAnalyzingScript, 5, "analyzing script", nil)
	if err != nil {
		return failAt(schemas.JobStateAnalyzingScript, err)
	}

	stageStart := time.Now()
	scenes, usage, err := d.gen.AnalyzeScript(ctx, generator.AnalysisRequest{
		Script:    job.ScriptContent,
		Model:     job.RequestedModel,
		NumScenes: job.NumAssets,
	})
	job.Usage.AddModel(usage.Requests, usage.Tokens)
	job.Usage.AddStage(schemas.JobStateAnalyzingScript, time.Since(stageStart))
	d.persistUsage(ctx, job, log)
	if err != nil {
		return failAt(schemas.JobStateAnalyzingScript, err)
	}

	totalAssets := job.ExpectedAssets(len(scenes))
	d.publishProgress(ctx, job.JobID, schemas.JobStateAnalyzingScript, 15,
		fmt.Sprintf("script decomposed into %d scenes", len(scenes)),
		map[string]any{"scenes": len(scenes), "total_assets": totalAssets})

	job, err = d.advance(ctx, job, schemas.JobStateGeneratingAssets, 20, "generating assets",
		map[string]any{"total_assets": totalAssets})
	if err != nil {
		return failAt(schemas.JobStateGeneratingAssets, err)
	}

	stageStart = time.Now()
	usage, err = d.generateAssets(ctx, job, scenes)
	job.Usage.AddModel(usage.Requests, usage.Tokens)
	job.Usage.AddStage(schemas.JobStateGeneratingAssets, time.Since(stageStart))
	d.persistUsage(ctx, job, log)
	if err != nil {
		return failAt(schemas.JobStateGeneratingAssets, err)
	}

	// Composition must never start on a partial asset set; re-verify the
	// count against the store rather than trusting the in-memory tally.
	assets, err := d.store.ListAssets(ctx, job.JobID)
	if err != nil {
		return failAt(schemas.JobStateGeneratingAssets, err)
	}
	if len(assets) != totalAssets {
		return failAt(schemas.JobStateGeneratingAssets,
			fmt.Errorf("%w: expected %d assets before composition, store has %d",
				errConsistency, totalAssets, len(assets)))
	}

	job, err = d.advance(ctx, job, schemas.JobStateComposingVideo, 75, "composing video", nil)
	if err != nil {
		return failAt(schemas.JobStateComposingVideo, err)
	}

	stageStart = time.Now()
	video, err := d.composeVideo(ctx, job, scenes, assets, log)
	job.Usage.AddStage(schemas.JobStateComposingVideo, time.Since(stageStart))
	d.persistUsage(ctx, job, log)
	if err != nil {
		return failAt(schemas.JobStateComposingVideo, err)
	}

	if _, err = d.advance(ctx, job, schemas.JobStateCompleted, 100, "video ready", map[string]any{
		"video_id":         video.ID,
		"duration_seconds": video.Duration.Seconds(),
		"file_size_bytes":  video.FileSize,
	}); err != nil {
		return failAt(schemas.JobStateComposingVideo, err)
	}

	if err := d.media.CleanupTemp(job.JobID); err != nil {
		log.Warn().Err(err).Msg("temp cleanup failed")
	}

	log.Info().
		Str("video_id", video.ID).
		Int64("file_size", video.FileSize).
		Dur("elapsed", time.Since(job.Created)).
		Msg("job completed")
	return nil
}

// advance transitions the job to the next stage and publishes the
// matching event. The stored job is re-read first: the durable cancel
// flag is honored at every boundary, and concurrent writers (a cancel
// request, progress updates) bump the version, so the fresh read also
// resolves optimistic-lock conflicts.
func (d *Dispatcher) advance(ctx context.Context, job *store.Job, next schemas.JobState, pct int, message string, metrics map[string]any) (*store.Job, error) {
	for {
		fresh, err := d.store.GetJob(ctx, job.JobID)
		if err != nil {
			return nil, err
		}
		if fresh.CancelRequested {
			return fresh, errCancelled
		}

		updated, err := d.store.UpdateStatus(ctx, job.JobID, next, pct, fresh.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		updated.Usage = job.Usage
		d.events.Publish(job.JobID, next, message, pct, metrics, nil)
		return updated, nil
	}
}

// publishProgress records intra-stage progress and emits the event.
func (d *Dispatcher) publishProgress(ctx context.Context, jobID string, stage schemas.JobState, pct int, message string, metrics map[string]any) {
	if err := d.store.UpdateProgress(ctx, jobID, pct); err != nil {
		d.log.Warn().Err(err).Str("job_id", jobID).Msg("progress update failed")
	}
	d.events.Publish(jobID, stage, message, pct, metrics, nil)
}

func (d *Dispatcher) persistUsage(ctx context.Context, job *store.Job, log zerolog.Logger) {
	if err := d.store.UpdateUsage(ctx, job.JobID, job.Usage); err != nil {
		log.Warn().Err(err).Msg("usage update failed")
	}
}

// assetArea maps an asset type to the storage area its files live in.
// Narration audio is kept apart; every other asset is scene material.
func assetArea(t schemas.AssetType) storage.Area {
	if t == schemas.AssetTypeAudio {
		return storage.AreaAudio
	}
	return storage.AreaImages
}

// generateAssets fans one generation task per scene and asset type out
// over a bounded group. The cancel flag is re-read before each task so
// a cancel lands at the next asset boundary, never mid-call. The first
// hard failure cancels the remaining tasks' contexts; usage from every
// attempt is still accumulated.
func (d *Dispatcher) generateAssets(ctx context.Context, job *store.Job, scenes []schemas.SceneDescription) (generator.Usage, error) {
	dirs := make(map[schemas.AssetType]string, len(job.AssetTypes))
	for _, t := range job.AssetTypes {
		dir, err := d.media.Allocate(job.JobID, assetArea(t))
		if err != nil {
			return generator.Usage{}, err
		}
		dirs[t] = dir
	}

	total := job.ExpectedAssets(len(scenes))
	targetSeconds := job.Settings.TargetDuration.Seconds()

	var (
		mu        sync.Mutex
		usage     generator.Usage
		completed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.AssetConcurrency)

	for _, scene := range scenes {
		for _, assetType := range job.AssetTypes {
			scene, assetType := scene, assetType
			g.Go(func() error {
				fresh, err := d.store.GetJob(gctx, job.JobID)
				if err != nil {
					return err
				}
				if fresh.CancelRequested {
					return errCancelled
				}

				asset, u, err := d.gen.GenerateAsset(gctx, generator.AssetRequest{
					JobID:       job.JobID,
					Scene:       scene,
					Type:        assetType,
					Model:       job.RequestedModel,
					OutputDir:   dirs[assetType],
					Resolution:  job.Settings.Resolution,
					SlotSeconds: targetSeconds * scene.DurationWeight,
					Voice:       d.cfg.Voice,
				})
				mu.Lock()
				usage.Requests += u.Requests
				usage.Tokens += u.Tokens
				mu.Unlock()
				if err != nil {
					return err
				}
				if err := d.store.AddAsset(gctx, asset); err != nil {
					return err
				}

				// Progress and its event are emitted under the lock so
				// percentages stay ordered across concurrent tasks.
				mu.Lock()
				completed++
				pct := 20 + completed*50/total
				d.publishProgress(gctx, job.JobID, schemas.JobStateGeneratingAssets, pct,
					fmt.Sprintf("generated %d of %d assets", completed, total),
					map[string]any{
						"assets_completed": completed,
						"total_assets":     total,
						"asset_type":       string(assetType),
						"scene":            scene.Sequence,
					})
				mu.Unlock()
				return nil
			})
		}
	}

	err := g.Wait()
	return usage, err
}

// composeVideo renders the final video, registers it in the store and
// archives it when an archive target is configured.
func (d *Dispatcher) composeVideo(ctx context.Context, job *store.Job, scenes []schemas.SceneDescription, assets []*schemas.Asset, log zerolog.Logger) (*schemas.GeneratedVideo, error) {
	musicPath := ""
	if job.Settings.IncludeAudio && d.cfg.StockMusicURI != "" {
		p, err := d.media.FetchStock(ctx, d.cfg.StockMusicURI)
		if err != nil {
			// Background music is an enhancement; the job composes
			// without it rather than failing.
			log.Warn().Err(err).Msg("stock music fetch failed, composing without music")
		} else {
			musicPath = p
		}
	}

	video, err := d.comp.Compose(ctx, composer.Request{
		JobID:     job.JobID,
		Assets:    assets,
		Scenes:    scenes,
		Settings:  job.Settings,
		MusicPath: musicPath,
		OnProgress: func(p composer.Progress) {
			pct := 75 + int(p.Percent*0.2)
			if pct > 95 {
				pct = 95
			}
			d.publishProgress(ctx, job.JobID, schemas.JobStateComposingVideo, pct,
				fmt.Sprintf("encoding: %s", p.Phase),
				map[string]any{"phase": p.Phase, "encoder_fps": p.FPS})
		},
		OnLog: func(line string) {
			log.Debug().Str("ffmpeg", line).Msg("encoder output")
		},
	})
	if err != nil {
		return nil, err
	}

	if err := d.store.RecordVideo(ctx, video); err != nil {
		// The render exists but its record was lost; remove the file so
		// storage is not left holding an unreachable video.
		if rmErr := os.Remove(video.FilePath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn().Err(rmErr).Str("path", video.FilePath).Msg("orphan video removal failed")
		}
		return nil, fmt.Errorf("recording video: %w", err)
	}

	if dest, err := d.media.Archive(ctx, video.FilePath); err != nil {
		log.Warn().Err(err).Msg("archive failed")
	} else if dest != "" {
		log.Info().Str("dest", dest).Msg("video archived")
	}

	return video, nil
}

// finishCancelled settles a job whose cancel flag was observed, or
// whose context was cancelled by shutdown. Writes run on a fresh
// context: the job's own context may already be dead.
func (d *Dispatcher) finishCancelled(jobID string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	for {
		job, err := d.store.GetJob(ctx, jobID)
		if err != nil {
			log.Error().Err(err).Msg("cancelled job not found")
			return
		}
		if job.IsTerminal() {
			return
		}
		if _, err := d.store.UpdateStatus(ctx, jobID, schemas.JobStateCancelled, job.Progress, job.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			log.Error().Err(err).Msg("cancelled-state write failed")
			return
		}
		d.events.Publish(jobID, schemas.JobStateCancelled, "job cancelled", job.Progress, nil, nil)
		break
	}

	if err := d.media.Cleanup(jobID); err != nil {
		log.Warn().Err(err).Msg("asset cleanup failed")
	}
	log.Info().Msg("job cancelled")
}

// finishFailed settles a failed job: terminal transition with the
// structured error attached, event with error context, asset cleanup.
func (d *Dispatcher) finishFailed(jobID string, info *schemas.ErrorInfo, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	for {
		job, err := d.store.GetJob(ctx, jobID)
		if err != nil {
			log.Error().Err(err).Msg("failed job not found")
			return
		}
		if job.IsTerminal() {
			return
		}
		if _, err := d.store.Fail(ctx, jobID, info, job.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			log.Error().Err(err).Msg("failed-state write failed")
			return
		}
		d.events.Publish(jobID, schemas.JobStateFailed, info.Message, job.Progress, nil, info)
		break
	}

	if err := d.media.Cleanup(jobID); err != nil {
		log.Warn().Err(err).Msg("asset cleanup failed")
	}
	log.Error().
		Str("code", info.Code).
		Str("stage", string(info.Stage)).
		Str("message", info.Message).
		Msg("job failed")
}

// classifyError maps a stage error to the structured form persisted on
// the job. The job-level deadline takes precedence over a provider
// timeout raised by the same expiry.
func classifyError(jobCtx context.Context, stage schemas.JobState, err error) *schemas.ErrorInfo {
	info := &schemas.ErrorInfo{Stage: stage, Message: err.Error()}

	var modelErr *generator.ModelError
	var compErr *composer.CompositionError
	switch {
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded):
		info.Code = schemas.ErrCodeJobTimeout
		info.Message = "job exceeded its processing time budget"
		info.Diagnostic = err.Error()
		info.Retryable = true
	case errors.As(err, &modelErr):
		info.Code = string(modelErr.Kind)
		info.Message = modelErr.Error()
		info.Retryable = modelErr.Transient() || modelErr.Kind == generator.KindUnavailable
		if modelErr.StatusCode != 0 {
			info.Diagnostic = fmt.Sprintf("%s: provider returned HTTP %d", modelErr.Operation, modelErr.StatusCode)
		}
	case errors.As(err, &compErr):
		info.Code = schemas.ErrCodeComposition
		info.Diagnostic = compErr.Stderr
	case errors.Is(err, storage.ErrQuotaExceeded):
		info.Code = schemas.ErrCodeStorage
		info.Retryable = true
	case errors.Is(err, errConsistency),
		errors.Is(err, store.ErrIllegalTransition),
		errors.Is(err, store.ErrVersionConflict):
		info.Code = schemas.ErrCodeConsistency
	default:
		info.Code = schemas.ErrCodeStorage
	}
	return info
}
