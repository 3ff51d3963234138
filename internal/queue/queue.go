// Package queue is the work queue between the control plane and the review
// workers. Units are claimed with a visibility timeout: a claim that is
// neither acked nor nacked before the timeout becomes claimable again, and
// repeated failures push the unit onto a dead-letter list for operator
// inspection.
package queue

import (
	"context"
	"strings"
	"time"
)

const (
	KindTask = "task"
	KindFile = "file"
)

// WorkRef identifies one unit of review work. Task units fan out into file
// units; file units carry the file type so workers can route without a
// database read.
type WorkRef struct {
	Kind     string
	TaskID   string
	FileID   string
	FileType string
}

type Claim struct {
	Ref       WorkRef
	Receipt   string
	ClaimedBy string
	ClaimedAt time.Time
	VisibleAt time.Time
}

type Stats struct {
	Pending    int `json:"pending"`
	InFlight   int `json:"in_flight"`
	DeadLetter int `json:"dead_letter"`
}

type Queue interface {
	Enqueue(ctx context.Context, ref WorkRef) error
	EnqueueMany(ctx context.Context, refs []WorkRef) error
	Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]Claim, error)
	Ack(ctx context.Context, claims []Claim) error
	Nack(ctx context.Context, claims []Claim, reason string) error
	RequeueExpired(ctx context.Context, now time.Time, max int) (int, error)
	ListDeadLetters(ctx context.Context, limit int) ([]WorkRef, error)
	RequeueDeadLetters(ctx context.Context, refs []WorkRef) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

func TaskRef(taskID string) WorkRef {
	return WorkRef{Kind: KindTask, TaskID: taskID}
}

func FileRef(taskID, fileID, fileType string) WorkRef {
	return WorkRef{Kind: KindFile, TaskID: taskID, FileID: fileID, FileType: fileType}
}

func encodeWorkRef(ref WorkRef) string {
	return strings.Join([]string{ref.Kind, ref.TaskID, ref.FileID, ref.FileType}, "|")
}

func decodeWorkRef(raw string) (WorkRef, bool) {
	parts := strings.SplitN(raw, "|", 4)
	if len(parts) != 4 || parts[1] == "" {
		return WorkRef{}, false
	}
	ref := WorkRef{Kind: parts[0], TaskID: parts[1], FileID: parts[2], FileType: parts[3]}
	switch ref.Kind {
	case KindTask:
		return ref, true
	case KindFile:
		if ref.FileID == "" {
			return WorkRef{}, false
		}
		return ref, true
	default:
		return WorkRef{}, false
	}
}
