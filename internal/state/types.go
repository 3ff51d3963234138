package state

import "time"

// TaskRecord is the durable review task row. Counters
// (TotalFiles/ProcessedFiles/ViolationCount) are derived from the file rows
// and only ever rewritten inside UpdateTaskWithFiles so concurrent file
// completions cannot interleave their recomputations.
type TaskRecord struct {
	ID                 string
	Name               string
	Description        string
	StrategyType       string
	StrategyContents   string
	VideoFrameInterval int
	Status             string
	Progress           int
	ErrorMessage       string
	TotalFiles         int
	ProcessedFiles     int
	ViolationCount     int
	CreatorID          string
	StartedAt          time.Time
	CompletedAt        time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type FileRecord struct {
	ID             string
	TaskID         string
	OriginalName   string
	StoragePath    string
	FileType       string
	FileSize       int64
	MimeType       string
	FileExtension  string
	ContentHash    string
	PageCount      int
	DurationSec    float64
	Status         string
	Progress       int
	ErrorMessage   string
	ViolationCount int
	ProcessedAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ResultRecord is one classifier finding. Every finding is persisted,
// compliant ones included, so human review has the full picture.
type ResultRecord struct {
	ID              string
	TaskID          string
	FileID          string
	Verdict         string
	SourceType      string
	ConfidenceScore float64
	Evidence        string
	EvidenceText    string
	PositionJSON    string
	PageNumber      int
	TimestampSec    float64
	ModelName       string
	ModelVersion    string
	RawResponse     string
	IsReviewed      bool
	ReviewedBy      string
	ReviewNote      string
	ReviewVerdict   string
	ReviewedAt      time.Time
	CreatedAt       time.Time
}

// ReviewUpdate is the only path that mutates the review columns of a result.
type ReviewUpdate struct {
	Reviewer        string
	Note            string
	VerdictOverride string
}
