package schemas

import "time"

// GeneratedVideo is the terminal artifact of a successful job. It is
// created exactly once, on the transition into COMPLETED.
type GeneratedVideo struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	FilePath   string    `json:"file_path"`
	Duration   Duration  `json:"duration"`
	Resolution string    `json:"resolution"`
	Format     string    `json:"format"`
	FileSize   int64     `json:"file_size"`
	CreatedAt  time.Time `json:"created_at"`
}
