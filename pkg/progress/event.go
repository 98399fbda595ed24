package progress

import "github.com/Asdafers/contenitzer/pkg/schemas"

// Event is one progress notification for a job. Sequence numbers are
// strictly increasing per job with no duplicates, so a consumer that
// sees a gap knows delivery was dropped and can re-read the job status.
type Event struct {
	JobID                     string             `json:"job_id"`
	SequenceNumber            uint64             `json:"sequence_number"`
	Stage                     schemas.JobState   `json:"stage"`
	Message                   string             `json:"message"`
	Percentage                int                `json:"percentage"`
	EstimatedRemainingSeconds int                `json:"estimated_remaining_seconds"`
	Metrics                   map[string]any     `json:"metrics,omitempty"`
	ErrorContext              *schemas.ErrorInfo `json:"error_context,omitempty"`
}
