// Package dispatch feeds the work queue. It guards submissions with the
// lease keys so a task or file that is already being worked cannot be queued
// a second time, and it surfaces the coordination-plane stats the ops
// endpoints expose.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhangjing-777/multimedia-review-new/internal/lock"
	"github.com/zhangjing-777/multimedia-review-new/internal/observability"
	"github.com/zhangjing-777/multimedia-review-new/internal/queue"
	"github.com/zhangjing-777/multimedia-review-new/internal/status"
)

// ErrAlreadyQueued means the unit's lease is currently held, i.e. a worker
// is on it right now. Submitting again would double-process.
var ErrAlreadyQueued = errors.New("work unit is already being processed")

const (
	StatusSubmitted = "submitted"
	StatusCancelled = "cancelled"
)

type Options struct {
	Queue    queue.Queue
	Locks    lock.Locker
	Status   status.Store
	Presence lock.Presence
	Logger   *logrus.Logger
	// Ping probes the coordination backend; nil means always healthy.
	Ping func(ctx context.Context) error
}

type Dispatcher struct {
	queue    queue.Queue
	locks    lock.Locker
	status   status.Store
	presence lock.Presence
	log      *logrus.Logger
	ping     func(ctx context.Context) error
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Queue == nil || opts.Locks == nil || opts.Status == nil {
		return nil, errors.New("dispatch: queue, locks and status are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Presence == nil {
		opts.Presence = lock.NewMemoryPresence()
	}
	return &Dispatcher{
		queue:    opts.Queue,
		locks:    opts.Locks,
		status:   opts.Status,
		presence: opts.Presence,
		log:      opts.Logger,
		ping:     opts.Ping,
	}, nil
}

func (d *Dispatcher) SubmitTask(ctx context.Context, taskID string) error {
	held, err := d.locks.IsHeld(ctx, lock.TaskKey(taskID))
	if err != nil {
		return err
	}
	if held {
		return ErrAlreadyQueued
	}
	if err := d.queue.Enqueue(ctx, queue.TaskRef(taskID)); err != nil {
		return err
	}
	if err := d.status.SetTaskStatus(ctx, taskID, status.Doc{Status: StatusSubmitted}); err != nil {
		d.log.WithError(err).WithField("task_id", taskID).Warn("advisory status write failed")
	}
	observability.Default.IncCounter("dispatch_submitted_total", map[string]string{"kind": queue.KindTask}, 1)
	d.log.WithField("task_id", taskID).Info("task submitted")
	return nil
}

func (d *Dispatcher) SubmitFile(ctx context.Context, taskID, fileID, fileType string) error {
	held, err := d.locks.IsHeld(ctx, lock.FileKey(fileID))
	if err != nil {
		return err
	}
	if held {
		return ErrAlreadyQueued
	}
	if err := d.queue.Enqueue(ctx, queue.FileRef(taskID, fileID, fileType)); err != nil {
		return err
	}
	if err := d.status.SetFileStatus(ctx, fileID, status.Doc{Status: StatusSubmitted}); err != nil {
		d.log.WithError(err).WithField("file_id", fileID).Warn("advisory status write failed")
	}
	observability.Default.IncCounter("dispatch_submitted_total", map[string]string{"kind": queue.KindFile}, 1)
	return nil
}

// CancelTask force-deletes the task lease so a lost worker cannot block a
// restart, and records the advisory cancellation.
func (d *Dispatcher) CancelTask(ctx context.Context, taskID string) error {
	if err := d.locks.ForceRelease(ctx, lock.TaskKey(taskID)); err != nil {
		return err
	}
	if err := d.status.SetTaskStatus(ctx, taskID, status.Doc{Status: StatusCancelled}); err != nil {
		d.log.WithError(err).WithField("task_id", taskID).Warn("advisory status write failed")
	}
	d.log.WithField("task_id", taskID).Info("task cancelled")
	return nil
}

type QueueStatus struct {
	queue.Stats
	TaskLocks     int `json:"task_locks"`
	FileLocks     int `json:"file_locks"`
	WorkersOnline int `json:"workers_online"`
}

func (d *Dispatcher) QueueStats(ctx context.Context) (QueueStatus, error) {
	stats, err := d.queue.Stats(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	taskLocks, err := d.locks.CountHeld(ctx, lock.TaskKeyPrefix())
	if err != nil {
		return QueueStatus{}, err
	}
	fileLocks, err := d.locks.CountHeld(ctx, lock.FileKeyPrefix())
	if err != nil {
		return QueueStatus{}, err
	}
	online, err := d.presence.CountOnline(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{Stats: stats, TaskLocks: taskLocks, FileLocks: fileLocks, WorkersOnline: online}, nil
}

func (d *Dispatcher) ListDeadLetters(ctx context.Context, limit int) ([]queue.WorkRef, error) {
	return d.queue.ListDeadLetters(ctx, limit)
}

func (d *Dispatcher) RequeueDeadLetters(ctx context.Context, refs []queue.WorkRef) (int, error) {
	return d.queue.RequeueDeadLetters(ctx, refs)
}

// RequeueExpired gives up claims whose visibility timeout lapsed; reviewd
// runs it on a timer.
func (d *Dispatcher) RequeueExpired(ctx context.Context, now time.Time, max int) (int, error) {
	return d.queue.RequeueExpired(ctx, now, max)
}

func (d *Dispatcher) Ping(ctx context.Context) error {
	if d.ping == nil {
		return nil
	}
	return d.ping(ctx)
}
