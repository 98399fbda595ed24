package schemas

import "time"

// JobState represents the current stage of a generation job
type JobState string

const (
	JobStatePending          JobState = "PENDING"
	JobStateAnalyzingScript  JobState = "ANALYZING_SCRIPT"
	JobStateGeneratingAssets JobState = "GENERATING_ASSETS"
	JobStateComposingVideo   JobState = "COMPOSING_VIDEO"
	JobStateCompleted        JobState = "COMPLETED"
	JobStateFailed           JobState = "FAILED"
	JobStateCancelled        JobState = "CANCELLED"
)

// validTransitions is the job state machine. A job moves strictly forward
// through the working stages and can fail or be cancelled from any
// non-terminal state. Terminal states have no successors.
var validTransitions = map[JobState][]JobState{
	JobStatePending:          {JobStateAnalyzingScript, JobStateFailed, JobStateCancelled},
	JobStateAnalyzingScript:  {JobStateGeneratingAssets, JobStateFailed, JobStateCancelled},
	JobStateGeneratingAssets: {JobStateComposingVideo, JobStateFailed, JobStateCancelled},
	JobStateComposingVideo:   {JobStateCompleted, JobStateFailed, JobStateCancelled},
	JobStateCompleted:        {},
	JobStateFailed:           {},
	JobStateCancelled:        {},
}

// CanTransition reports whether moving from one job state to another is legal.
func CanTransition(from, to JobState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states a job can never leave.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// IsWorking returns true while a worker owns the job.
func (s JobState) IsWorking() bool {
	return s == JobStateAnalyzingScript || s == JobStateGeneratingAssets || s == JobStateComposingVideo
}

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Quality tiers accepted in composition settings.
const (
	QualityDraft    = "draft"
	QualityStandard = "standard"
	QualityHigh     = "high"
)

// CompositionSettings controls how the final video is assembled
type CompositionSettings struct {
	Resolution     string   `json:"resolution"`
	TargetDuration Duration `json:"target_duration"`
	Quality        string   `json:"quality"`
	IncludeAudio   bool     `json:"include_audio"`
}

// ResourceUsage accumulates per-job provider and wall-clock metrics
type ResourceUsage struct {
	ModelRequests  int                   `json:"model_requests"`
	UnitsConsumed  int64                 `json:"units_consumed"`
	StageDurations map[JobState]Duration `json:"stage_durations,omitempty"`
}

// AddStage records the wall-clock time spent in a stage.
func (u *ResourceUsage) AddStage(stage JobState, d time.Duration) {
	if u.StageDurations == nil {
		u.StageDurations = make(map[JobState]Duration)
	}
	u.StageDurations[stage] = Duration{u.StageDurations[stage].Duration + d}
}

// AddModel records provider-side consumption from one or more requests.
func (u *ResourceUsage) AddModel(requests int, units int64) {
	u.ModelRequests += requests
	u.UnitsConsumed += units
}

// Error codes carried in ErrorInfo. The MODEL_* codes map one-to-one onto
// the provider failure classes; CONSISTENCY_ERROR marks an internal defect.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeModelUnavailable   = "MODEL_UNAVAILABLE"
	ErrCodeModelRateLimited   = "MODEL_RATE_LIMITED"
	ErrCodeModelContentPolicy = "MODEL_CONTENT_POLICY_REJECTED"
	ErrCodeModelTimeout       = "MODEL_TIMEOUT"
	ErrCodeModelMalformed     = "MODEL_MALFORMED_RESPONSE"
	ErrCodeComposition        = "COMPOSITION_ERROR"
	ErrCodeStorage            = "STORAGE_ERROR"
	ErrCodeConsistency        = "CONSISTENCY_ERROR"
	ErrCodeJobTimeout         = "JOB_TIMEOUT"
)

// ErrorInfo is the structured error persisted on a failed job. Diagnostic
// carries the raw provider or encoder text so failures can be debugged from
// the job record alone.
type ErrorInfo struct {
	Code       string   `json:"code"`
	Stage      JobState `json:"stage"`
	Message    string   `json:"message"`
	Diagnostic string   `json:"diagnostic,omitempty"`
	Retryable  bool     `json:"retryable"`
}

// JobStatus is the externally visible job record
type JobStatus struct {
	JobID              string              `json:"job_id"`
	Status             JobState            `json:"status"`
	ProgressPercentage int                 `json:"progress_percentage"`
	RequestedModel     string              `json:"requested_model"`
	Settings           CompositionSettings `json:"composition_settings"`
	AssetTypes         []AssetType         `json:"asset_types"`
	NumAssets          int                 `json:"num_assets,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	StartedAt          *time.Time          `json:"started_at,omitempty"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
	CancelRequested    bool                `json:"cancel_requested,omitempty"`
	Error              *ErrorInfo          `json:"error,omitempty"`
	Usage              ResourceUsage       `json:"resource_usage"`
	Assets             []*Asset            `json:"assets,omitempty"`
	Video              *GeneratedVideo     `json:"video,omitempty"`
}
