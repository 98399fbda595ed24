// Package dispatcher owns the job lifecycle. It validates submissions,
// queues accepted jobs, and drives each one through script analysis,
// asset generation and video composition on a bounded worker pool.
// Exactly one worker owns a job from dequeue to its terminal state.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

var (
	// ErrQueueFull is returned by Submit when the backlog is saturated.
	ErrQueueFull = errors.New("job queue is full")

	// ErrStopped is returned by Submit after the dispatcher shut down.
	ErrStopped = errors.New("dispatcher is stopped")
)

// Generator produces the scene list and the per-scene media assets.
// Satisfied by *generator.Generator.
type Generator interface {
	AnalyzeScript(ctx context.Context, req generator.AnalysisRequest) ([]schemas.SceneDescription, generator.Usage, error)
	GenerateAsset(ctx context.Context, req generator.AssetRequest) (*schemas.Asset, generator.Usage, error)
}

// Composer renders the final video from a job's assets. Satisfied by
// *composer.Composer.
type Composer interface {
	Compose(ctx context.Context, req composer.Request) (*schemas.GeneratedVideo, error)
}

// Config tunes the dispatcher. Zero values fall back to defaults.
type Config struct {
	MaxActiveJobs    int           // worker pool size, default 2
	QueueSize        int           // accepted-job backlog bound, default 16
	AssetConcurrency int           // parallel asset generations per job, default 4, capped at 8
	JobTimeout       time.Duration // wall-clock budget per job, default 15m

	MaxScriptChars     int      // default 20000
	MinDurationSeconds int      // default 5
	MaxDurationSeconds int      // default 600
	KnownModels        []string // accepted model names

	Voice         string // narration voice passed to the generator
	StockMusicURI string // optional background music source
}

func (c Config) withDefaults() Config {
	if c.MaxActiveJobs <= 0 {
		c.MaxActiveJobs = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.AssetConcurrency <= 0 {
		c.AssetConcurrency = 4
	}
	if c.AssetConcurrency > 8 {
		c.AssetConcurrency = 8
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 15 * time.Minute
	}
	if c.MaxScriptChars <= 0 {
		c.MaxScriptChars = 20000
	}
	if c.MinDurationSeconds <= 0 {
		c.MinDurationSeconds = 5
	}
	if c.MaxDurationSeconds <= 0 {
		c.MaxDurationSeconds = 600
	}
	if len(c.KnownModels) == 0 {
		c.KnownModels = []string{"gpt-4o", "gpt-4o-mini"}
	}
	return c
}

// Dispatcher accepts jobs and runs them on its worker pool.
type Dispatcher struct {
	store  store.Store
	media  *storage.Manager
	gen    Generator
	comp   Composer
	events *progress.Publisher
	cfg    Config
	log    zerolog.Logger

	// admits holds one token per job sitting in the queue, so the
	// enqueue after a successful create never blocks.
	queue  chan string
	admits chan struct{}

	baseCtx  context.Context
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Dispatcher. Call Start before submitting jobs.
func New(st store.Store, media *storage.Manager, gen Generator, comp Composer, events *progress.Publisher, cfg Config, log zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:  st,
		media:  media,
		gen:    gen,
		comp:   comp,
		events: events,
		cfg:    cfg,
		log:    log.With().Str("component", "dispatcher").Logger(),
		queue:  make(chan string, cfg.QueueSize),
		admits: make(chan struct{}, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker pool. Workers inherit ctx: cancelling it
// aborts in-flight jobs, which then finish as CANCELLED.
func (d *Dispatcher) Start(ctx context.Context) {
	d.baseCtx = ctx
	for i := 0; i < d.cfg.MaxActiveJobs; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.log.Info().
		Int("workers", d.cfg.MaxActiveJobs).
		Int("queue_size", d.cfg.QueueSize).
		Int("asset_concurrency", d.cfg.AssetConcurrency).
		Dur("job_timeout", d.cfg.JobTimeout).
		Msg("dispatcher started")
}

// Stop lets workers finish their current job and waits for them up to
// ctx's deadline. Queued jobs that never ran stay PENDING in the store.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stopCh) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info().Msg("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping dispatcher: %w", ctx.Err())
	}
}

// Submit validates a request, creates the job and queues it. The job ID
// is returned as soon as the job is durably PENDING; all further work
// happens on a pool worker.
func (d *Dispatcher) Submit(ctx context.Context, req *schemas.JobRequest) (string, error) {
	select {
	case <-d.stopCh:
		return "", ErrStopped
	default:
	}

	if err := validateRequest(req, d.cfg); err != nil {
		return "", err
	}

	select {
	case d.admits <- struct{}{}:
	default:
		return "", ErrQueueFull
	}

	now := time.Now().UTC()
	job := &store.Job{
		JobID:          uuid.NewString(),
		Created:        now,
		Updated:        now,
		ScriptContent:  req.ScriptContent,
		AssetTypes:     append([]schemas.AssetType(nil), req.AssetTypes...),
		NumAssets:      req.NumAssets,
		RequestedModel: req.Model,
		Settings: schemas.CompositionSettings{
			Resolution:     req.Resolution,
			TargetDuration: schemas.Duration{Duration: time.Duration(req.DurationSeconds) * time.Second},
			Quality:        req.Quality,
			IncludeAudio:   req.IncludeAudio,
		},
		Status:  schemas.JobStatePending,
		Version: 1,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		<-d.admits
		return "", fmt.Errorf("creating job: %w", err)
	}

	d.events.Publish(job.JobID, schemas.JobStatePending, "job accepted", 0, nil, nil)
	d.queue <- job.JobID

	d.log.Info().
		Str("job_id", job.JobID).
		Str("model", req.Model).
		Int("queued", len(d.queue)).
		Msg("job queued")
	return job.JobID, nil
}

// Cancel durably requests cooperative cancellation. The owning worker
// observes the flag at the next stage or asset boundary; calls against
// the provider or encoder already in flight are never interrupted.
// Terminal jobs return store.ErrTerminal.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.store.RequestCancel(ctx, jobID)
	if err != nil {
		return err
	}
	d.log.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("cancellation requested")
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case jobID := <-d.queue:
			<-d.admits
			d.runJob(jobID)
		}
	}
}
