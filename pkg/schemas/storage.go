package schemas

// StorageRecord summarizes disk usage for one area of the media root.
type StorageRecord struct {
	Directory      string        `json:"directory"`
	TotalSizeBytes int64         `json:"total_size_bytes"`
	FileCount      int           `json:"file_count"`
	Retention      RetentionInfo `json:"retention_policy"`
}

// RetentionInfo describes the retention rule applied to a storage area.
type RetentionInfo struct {
	MaxAge                  Duration `json:"max_age"`
	MaxTotalBytes           int64    `json:"max_total_bytes"`
	PreserveCompletedVideos bool     `json:"preserve_completed_videos"`
}
