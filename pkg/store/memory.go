package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Asdafers/contenitzer/pkg/schemas"
)

// MemoryStore is an in-memory implementation of Store
// Thread-safe for concurrent access
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	assets    map[string][]*schemas.Asset          // keyed by job ID
	videos    map[string]*schemas.GeneratedVideo   // keyed by video ID
	jobVideos map[string]string                    // job ID -> video ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*Job),
		assets:    make(map[string][]*schemas.Asset),
		videos:    make(map[string]*schemas.GeneratedVideo),
		jobVideos: make(map[string]string),
	}
}

// CreateJob creates a new job
func (m *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	if job.JobID == "" {
		return ErrInvalidJobID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.JobID]; exists {
		return ErrJobExists
	}

	jobCopy := copyJob(job)
	if jobCopy.Version == 0 {
		jobCopy.Version = 1
	}
	m.jobs[job.JobID] = jobCopy

	return nil
}

// GetJob retrieves a job by ID
func (m *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, ErrInvalidJobID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}

	return copyJob(job), nil
}

// UpdateStatus transitions a job to a new status under the optimistic lock
func (m *MemoryStore) UpdateStatus(ctx context.Context, jobID string, status schemas.JobState, progress int, expectedVersion int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.lockedTransition(jobID, status, expectedVersion)
	if err != nil {
		return nil, err
	}
	applyProgress(job, progress)

	return copyJob(job), nil
}

// Fail transitions a job to FAILED with its structured error attached
func (m *MemoryStore) Fail(ctx context.Context, jobID string, errInfo *schemas.ErrorInfo, expectedVersion int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.lockedTransition(jobID, schemas.JobStateFailed, expectedVersion)
	if err != nil {
		return nil, err
	}
	job.Error = copyError(errInfo)

	return copyJob(job), nil
}

// RequestCancel durably marks a job for cooperative cancellation
func (m *MemoryStore) RequestCancel(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, ErrInvalidJobID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil, ErrTerminal
	}
	if !job.CancelRequested {
		job.CancelRequested = true
		job.Updated = time.Now()
		job.Version++
	}

	return copyJob(job), nil
}

// UpdateProgress records intra-stage progress, clamped monotonic
func (m *MemoryStore) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, jobID)
	}
	applyProgress(job, progress)
	job.Updated = time.Now()
	job.Version++

	return nil
}

// UpdateUsage replaces the accumulated resource usage for a job
func (m *MemoryStore) UpdateUsage(ctx context.Context, jobID string, usage schemas.ResourceUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	job.Usage = copyUsage(usage)
	job.Updated = time.Now()
	job.Version++

	return nil
}

// AddAsset appends an immutable asset record to its owning job
func (m *MemoryStore) AddAsset(ctx context.Context, asset *schemas.Asset) error {
	if err := asset.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[asset.JobID]; !exists {
		return ErrJobNotFound
	}

	assetCopy := *asset
	m.assets[asset.JobID] = append(m.assets[asset.JobID], &assetCopy)

	return nil
}

// ListAssets returns a job's assets ordered by scene, then type
func (m *MemoryStore) ListAssets(ctx context.Context, jobID string) ([]*schemas.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.jobs[jobID]; !exists {
		return nil, ErrJobNotFound
	}

	assets := make([]*schemas.Asset, 0, len(m.assets[jobID]))
	for _, a := range m.assets[jobID] {
		assetCopy := *a
		assets = append(assets, &assetCopy)
	}
	sortAssets(assets)

	return assets, nil
}

// RecordVideo registers the terminal artifact of a successful job
func (m *MemoryStore) RecordVideo(ctx context.Context, video *schemas.GeneratedVideo) error {
	if video.ID == "" || video.JobID == "" {
		return fmt.Errorf("video record missing identifiers")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[video.JobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != schemas.JobStateComposingVideo && job.Status != schemas.JobStateCompleted {
		return fmt.Errorf("%w: cannot record video for job in state %s", ErrIllegalTransition, job.Status)
	}
	if _, exists := m.jobVideos[video.JobID]; exists {
		return ErrVideoExists
	}

	videoCopy := *video
	m.videos[video.ID] = &videoCopy
	m.jobVideos[video.JobID] = video.ID

	return nil
}

// GetVideo retrieves a generated video by its ID
func (m *MemoryStore) GetVideo(ctx context.Context, videoID string) (*schemas.GeneratedVideo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	video, exists := m.videos[videoID]
	if !exists {
		return nil, ErrVideoNotFound
	}
	videoCopy := *video

	return &videoCopy, nil
}

// VideoForJob retrieves the video recorded for a job
func (m *MemoryStore) VideoForJob(ctx context.Context, jobID string) (*schemas.GeneratedVideo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	videoID, exists := m.jobVideos[jobID]
	if !exists {
		return nil, ErrVideoNotFound
	}
	videoCopy := *m.videos[videoID]

	return &videoCopy, nil
}

// ListJobs lists jobs with optional filtering
func (m *MemoryStore) ListJobs(ctx context.Context, filter *ListFilter) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*Job
	for _, job := range m.jobs {
		if matchesFilter(job, filter) {
			jobs = append(jobs, copyJob(job))
		}
	}

	sortJobs(jobs, filter)

	return paginateJobs(jobs, filter), nil
}

// Close closes the store (no-op for memory store)
func (m *MemoryStore) Close() error {
	return nil
}

// lockedTransition performs the shared version check, transition validation
// and timestamp bookkeeping. Callers hold the write lock.
func (m *MemoryStore) lockedTransition(jobID string, status schemas.JobState, expectedVersion int64) (*Job, error) {
	if jobID == "" {
		return nil, ErrInvalidJobID
	}

	job, exists := m.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	if job.Version != expectedVersion {
		return nil, fmt.Errorf("%w: have %d, expected %d", ErrVersionConflict, job.Version, expectedVersion)
	}
	if !schemas.CanTransition(job.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, status)
	}

	now := time.Now()
	if job.Status == schemas.JobStatePending && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.IsTerminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}

	job.Status = status
	job.Updated = now
	job.Version++

	return job, nil
}

// applyProgress clamps progress to stay monotonic and within 0-100.
func applyProgress(job *Job, progress int) {
	if progress > 100 {
		progress = 100
	}
	if progress > job.Progress {
		job.Progress = progress
	}
}

// Helper functions shared with other Store implementations

func copyJob(job *Job) *Job {
	if job == nil {
		return nil
	}

	jobCopy := &Job{
		JobID:           job.JobID,
		Created:         job.Created,
		Updated:         job.Updated,
		ScriptContent:   job.ScriptContent,
		NumAssets:       job.NumAssets,
		RequestedModel:  job.RequestedModel,
		Settings:        job.Settings,
		Status:          job.Status,
		Progress:        job.Progress,
		CancelRequested: job.CancelRequested,
		Version:         job.Version,
		Usage:           copyUsage(job.Usage),
		Error:           copyError(job.Error),
	}

	if len(job.AssetTypes) > 0 {
		jobCopy.AssetTypes = make([]schemas.AssetType, len(job.AssetTypes))
		copy(jobCopy.AssetTypes, job.AssetTypes)
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		jobCopy.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		jobCopy.CompletedAt = &t
	}

	return jobCopy
}

func copyUsage(usage schemas.ResourceUsage) schemas.ResourceUsage {
	usageCopy := schemas.ResourceUsage{
		ModelRequests: usage.ModelRequests,
		UnitsConsumed: usage.UnitsConsumed,
	}
	if usage.StageDurations != nil {
		usageCopy.StageDurations = make(map[schemas.JobState]schemas.Duration, len(usage.StageDurations))
		for k, v := range usage.StageDurations {
			usageCopy.StageDurations[k] = v
		}
	}
	return usageCopy
}

func copyError(errInfo *schemas.ErrorInfo) *schemas.ErrorInfo {
	if errInfo == nil {
		return nil
	}
	errCopy := *errInfo
	return &errCopy
}

// sortAssets orders assets by scene sequence, putting visual assets ahead
// of audio and overlays within a scene.
func sortAssets(assets []*schemas.Asset) {
	rank := func(t schemas.AssetType) int {
		if t.Visual() {
			return 0
		}
		return 1
	}
	sort.SliceStable(assets, func(i, j int) bool {
		if assets[i].SceneIndex != assets[j].SceneIndex {
			return assets[i].SceneIndex < assets[j].SceneIndex
		}
		if rank(assets[i].Type) != rank(assets[j].Type) {
			return rank(assets[i].Type) < rank(assets[j].Type)
		}
		return assets[i].CreatedAt.Before(assets[j].CreatedAt)
	})
}

func matchesFilter(job *Job, filter *ListFilter) bool {
	if filter == nil {
		return true
	}

	if len(filter.Status) > 0 {
		found := false
		for _, status := range filter.Status {
			if job.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.CreatedAfter != nil && job.Created.Before(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && job.Created.After(*filter.CreatedBefore) {
		return false
	}

	return true
}

func sortJobs(jobs []*Job, filter *ListFilter) {
	if filter == nil || filter.SortBy == "" {
		// Default sort by created time descending
		sort.Slice(jobs, func(i, j int) bool {
			return jobs[i].Created.After(jobs[j].Created)
		})
		return
	}

	descending := filter.SortOrder == "desc"

	switch filter.SortBy {
	case "created":
		sort.Slice(jobs, func(i, j int) bool {
			if descending {
				return jobs[i].Created.After(jobs[j].Created)
			}
			return jobs[i].Created.Before(jobs[j].Created)
		})
	case "updated":
		sort.Slice(jobs, func(i, j int) bool {
			if descending {
				return jobs[i].Updated.After(jobs[j].Updated)
			}
			return jobs[i].Updated.Before(jobs[j].Updated)
		})
	case "status":
		sort.Slice(jobs, func(i, j int) bool {
			if descending {
				return jobs[i].Status > jobs[j].Status
			}
			return jobs[i].Status < jobs[j].Status
		})
	}
}

func paginateJobs(jobs []*Job, filter *ListFilter) []*Job {
	if filter == nil {
		return jobs
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return []*Job{}
		}
		jobs = jobs[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}

	return jobs
}
