// Package store provides job, asset and video state persistence
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Asdafers/contenitzer/pkg/schemas"
)

var (
	// ErrJobNotFound is returned when a job does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when attempting to create a job that already exists
	ErrJobExists = errors.New("job already exists")

	// ErrInvalidJobID is returned for invalid job IDs
	ErrInvalidJobID = errors.New("invalid job ID")

	// ErrVersionConflict is returned when an optimistic-locked update was
	// raced by a concurrent writer
	ErrVersionConflict = errors.New("job version conflict")

	// ErrIllegalTransition is returned for a status change the state machine
	// forbids. This is a consistency defect in the caller, not a user
	// condition.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrTerminal is returned when an operation requires a non-terminal job
	ErrTerminal = errors.New("job already in terminal state")

	// ErrVideoExists is returned when a second video is recorded for a job
	ErrVideoExists = errors.New("video already recorded for job")

	// ErrVideoNotFound is returned when a video does not exist
	ErrVideoNotFound = errors.New("video not found")
)

// Store is the interface for job state persistence. It is the single source
// of truth for status queries; the dispatcher owns all transitions, while
// cancellation and the query path may touch a job concurrently, guarded by
// the version field.
type Store interface {
	// CreateJob creates a new job with initial state and version 1
	CreateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// UpdateStatus transitions a job to a new status with the given
	// progress. expectedVersion must match the stored version or
	// ErrVersionConflict is returned; an illegal transition returns
	// ErrIllegalTransition. Returns the updated record.
	UpdateStatus(ctx context.Context, jobID string, status schemas.JobState, progress int, expectedVersion int64) (*Job, error)

	// Fail transitions a job to FAILED and attaches the structured error
	// in one step, under the same optimistic lock as UpdateStatus.
	Fail(ctx context.Context, jobID string, errInfo *schemas.ErrorInfo, expectedVersion int64) (*Job, error)

	// RequestCancel durably sets the cooperative cancellation flag.
	// Terminal jobs return ErrTerminal; repeated requests are idempotent.
	RequestCancel(ctx context.Context, jobID string) (*Job, error)

	// UpdateProgress records progress within the current stage. Progress is
	// monotonic per job: regressions are clamped, never stored.
	UpdateProgress(ctx context.Context, jobID string, progress int) error

	// UpdateUsage replaces the accumulated resource usage for a job
	UpdateUsage(ctx context.Context, jobID string, usage schemas.ResourceUsage) error

	// AddAsset appends an immutable generated asset to its owning job
	AddAsset(ctx context.Context, asset *schemas.Asset) error

	// ListAssets returns a job's assets ordered by scene, then type
	ListAssets(ctx context.Context, jobID string) ([]*schemas.Asset, error)

	// RecordVideo registers the terminal artifact of a successful job.
	// At most one video may exist per job.
	RecordVideo(ctx context.Context, video *schemas.GeneratedVideo) error

	// GetVideo retrieves a generated video by its ID
	GetVideo(ctx context.Context, videoID string) (*schemas.GeneratedVideo, error)

	// VideoForJob retrieves the video recorded for a job, or
	// ErrVideoNotFound when the job has none.
	VideoForJob(ctx context.Context, jobID string) (*schemas.GeneratedVideo, error)

	// ListJobs lists jobs with optional filtering
	ListJobs(ctx context.Context, filter *ListFilter) ([]*Job, error)

	// Close closes the store and releases resources
	Close() error
}

// Job represents a complete job record in the store
type Job struct {
	JobID   string    `json:"job_id"`
	Created time.Time `json:"created_at"`
	Updated time.Time `json:"updated_at"`

	// Submission
	ScriptContent  string                      `json:"script_content"`
	AssetTypes     []schemas.AssetType         `json:"asset_types"`
	NumAssets      int                         `json:"num_assets,omitempty"`
	RequestedModel string                      `json:"requested_model"`
	Settings       schemas.CompositionSettings `json:"composition_settings"`

	// Current status
	Status          schemas.JobState      `json:"status"`
	Progress        int                   `json:"progress_percentage"`
	CancelRequested bool                  `json:"cancel_requested"`
	Error           *schemas.ErrorInfo    `json:"error,omitempty"`
	Usage           schemas.ResourceUsage `json:"resource_usage"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`

	// Version increments on every mutation; UpdateStatus and Fail reject
	// writers holding a stale version.
	Version int64 `json:"version"`
}

// ListFilter defines filtering criteria for listing jobs
type ListFilter struct {
	// Status filters
	Status []schemas.JobState `json:"status,omitempty"`

	// Time range filters
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`

	// Pagination
	Limit  int `json:"limit,omitempty"`  // Max results (0 = no limit)
	Offset int `json:"offset,omitempty"` // Skip N results

	// Sorting
	SortBy    string `json:"sort_by,omitempty"`    // "created", "updated" or "status"
	SortOrder string `json:"sort_order,omitempty"` // "asc" or "desc"
}

// ToJobStatus converts a Job to the externally visible record
func (j *Job) ToJobStatus() *schemas.JobStatus {
	return &schemas.JobStatus{
		JobID:              j.JobID,
		Status:             j.Status,
		ProgressPercentage: j.Progress,
		RequestedModel:     j.RequestedModel,
		Settings:           j.Settings,
		AssetTypes:         j.AssetTypes,
		NumAssets:          j.NumAssets,
		CreatedAt:          j.Created,
		UpdatedAt:          j.Updated,
		StartedAt:          j.StartedAt,
		CompletedAt:        j.CompletedAt,
		CancelRequested:    j.CancelRequested,
		Error:              j.Error,
		Usage:              j.Usage,
	}
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// IsPending returns true if the job is awaiting a worker
func (j *Job) IsPending() bool {
	return j.Status == schemas.JobStatePending
}

// IsWorking returns true while a worker owns the job
func (j *Job) IsWorking() bool {
	return j.Status.IsWorking()
}

// ExpectedAssets returns how many assets the job will generate per scene.
func (j *Job) ExpectedAssets(sceneCount int) int {
	return sceneCount * len(j.AssetTypes)
}
