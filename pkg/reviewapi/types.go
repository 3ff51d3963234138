// Package reviewapi holds the wire types of the review HTTP API.
package reviewapi

import "time"

type CreateTaskRequest struct {
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	StrategyType       string `json:"strategy_type,omitempty"`
	VideoFrameInterval int    `json:"video_frame_interval,omitempty"`
	CreatorID          string `json:"creator_id,omitempty"`
}

type TaskResponse struct {
	TaskID             string `json:"task_id"`
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	StrategyType       string `json:"strategy_type"`
	VideoFrameInterval int    `json:"video_frame_interval"`
	Status             string `json:"status"`
	Progress           int    `json:"progress"`
	ErrorMessage       string `json:"error_message,omitempty"`
	TotalFiles         int    `json:"total_files"`
	ProcessedFiles     int    `json:"processed_files"`
	ViolationCount     int    `json:"violation_count"`
	CreatorID          string `json:"creator_id,omitempty"`
	StartedAt          string `json:"started_at,omitempty"`
	CompletedAt        string `json:"completed_at,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

type FileResponse struct {
	FileID         string  `json:"file_id"`
	TaskID         string  `json:"task_id"`
	OriginalName   string  `json:"original_name"`
	FileType       string  `json:"file_type"`
	FileSize       int64   `json:"file_size"`
	ContentHash    string  `json:"content_hash,omitempty"`
	PageCount      int     `json:"page_count,omitempty"`
	DurationSec    float64 `json:"duration_sec,omitempty"`
	Status         string  `json:"status"`
	Progress       int     `json:"progress"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	ViolationCount int     `json:"violation_count"`
	ProcessedAt    string  `json:"processed_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type ResultResponse struct {
	ResultID        string  `json:"result_id"`
	TaskID          string  `json:"task_id"`
	FileID          string  `json:"file_id"`
	Verdict         string  `json:"verdict"`
	SourceType      string  `json:"source_type"`
	ConfidenceScore float64 `json:"confidence_score"`
	Evidence        string  `json:"evidence,omitempty"`
	EvidenceText    string  `json:"evidence_text,omitempty"`
	PageNumber      int     `json:"page_number,omitempty"`
	TimestampSec    float64 `json:"timestamp_sec,omitempty"`
	ModelName       string  `json:"model_name,omitempty"`
	IsReviewed      bool    `json:"is_reviewed"`
	ReviewedBy      string  `json:"reviewed_by,omitempty"`
	ReviewNote      string  `json:"review_note,omitempty"`
	ReviewVerdict   string  `json:"review_verdict,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

type TaskProgressResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Percent   int    `json:"percent"`
	Stage     string `json:"stage,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type TaskStatisticsResponse struct {
	TaskID         string         `json:"task_id"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	TotalFiles     int            `json:"total_files"`
	ProcessedFiles int            `json:"processed_files"`
	ViolationFiles int            `json:"violation_files"`
	FilesByStatus  map[string]int `json:"files_by_status"`
}

type QueueStatsResponse struct {
	Pending       int `json:"pending"`
	InFlight      int `json:"in_flight"`
	DeadLetter    int `json:"dead_letter"`
	TaskLocks     int `json:"task_locks"`
	FileLocks     int `json:"file_locks"`
	WorkersOnline int `json:"workers_online"`
}

type DeadLetterUnit struct {
	Kind     string `json:"kind"`
	TaskID   string `json:"task_id"`
	FileID   string `json:"file_id,omitempty"`
	FileType string `json:"file_type,omitempty"`
}

type ListDeadLettersResponse struct {
	Units []DeadLetterUnit `json:"units"`
}

type RequeueDeadLettersRequest struct {
	Units []DeadLetterUnit `json:"units"`
}

type RequeueDeadLettersResponse struct {
	Requested int `json:"requested"`
	Requeued  int `json:"requeued"`
}

type SubmitReviewRequest struct {
	Reviewer        string `json:"reviewer"`
	Note            string `json:"note,omitempty"`
	VerdictOverride string `json:"verdict_override,omitempty"`
}

type AcceptedResponse struct {
	Accepted bool `json:"accepted"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func RFC3339Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// RFC3339OrEmpty formats a timestamp, mapping the zero value to "".
func RFC3339OrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
