// Package worker runs the review loop: claim a unit from the queue, take
// the matching lease, do the work, and always release. A unit whose lease
// is already held elsewhere is acknowledged and abandoned; the lease holder
// is responsible for the outcome.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhangjing-777/multimedia-review-new/internal/lock"
	"github.com/zhangjing-777/multimedia-review-new/internal/observability"
	"github.com/zhangjing-777/multimedia-review-new/internal/queue"
	"github.com/zhangjing-777/multimedia-review-new/internal/review"
)

const (
	defaultPollInterval      = time.Second
	defaultVisibilityTimeout = 5 * time.Minute
)

// nackReasonError marks a redeliverable failure; only error nacks count
// toward the dead-letter limit.
const nackReasonError = "error"

// Options configures a Runtime. Queue, Locks, Coordinator and Processor are
// required.
type Options struct {
	WorkerID    string
	Queue       queue.Queue
	Locks       lock.Locker
	Presence    lock.Presence
	Coordinator *review.Coordinator
	Processor   *review.Processor
	Logger      *logrus.Logger

	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	Heartbeat         HeartbeatOptions
}

type Runtime struct {
	workerID    string
	queue       queue.Queue
	locks       lock.Locker
	coordinator *review.Coordinator
	processor   *review.Processor
	heartbeat   *Heartbeat
	log         *logrus.Logger

	pollInterval      time.Duration
	visibilityTimeout time.Duration
}

func New(opts Options) (*Runtime, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("worker: Queue is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("worker: Locks is required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("worker: Coordinator is required")
	}
	if opts.Processor == nil {
		return nil, fmt.Errorf("worker: Processor is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	var hb *Heartbeat
	if opts.Presence != nil {
		hb = NewHeartbeat(workerID, opts.Presence, opts.Heartbeat, log)
	}
	return &Runtime{
		workerID:          workerID,
		queue:             opts.Queue,
		locks:             opts.Locks,
		coordinator:       opts.Coordinator,
		processor:         opts.Processor,
		heartbeat:         hb,
		log:               log,
		pollInterval:      pollInterval,
		visibilityTimeout: visibility,
	}, nil
}

// Run polls until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if r.heartbeat != nil {
		go r.heartbeat.Start(ctx)
	}
	r.log.WithField("worker_id", r.workerID).Info("worker started")
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.WithField("worker_id", r.workerID).Info("worker stopping")
			return nil
		case <-t.C:
			if err := r.pollOnce(ctx); err != nil {
				r.log.WithError(err).Warn("poll failed")
			}
		}
	}
}

// pollOnce claims at most one unit. One unit per poll keeps lease hold
// times tight and makes backpressure a function of worker count.
func (r *Runtime) pollOnce(ctx context.Context) error {
	claims, err := r.queue.Claim(ctx, 1, r.workerID, r.visibilityTimeout)
	if err != nil {
		return err
	}
	if len(claims) == 0 {
		return nil
	}
	claim := claims[0]
	if r.heartbeat != nil {
		r.heartbeat.SetBusy(true)
		defer r.heartbeat.SetBusy(false)
	}
	return r.handleClaim(ctx, claim)
}

func (r *Runtime) handleClaim(ctx context.Context, claim queue.Claim) error {
	var key string
	var ttl time.Duration
	switch claim.Ref.Kind {
	case queue.KindTask:
		key = lock.TaskKey(claim.Ref.TaskID)
		ttl = lock.TaskLeaseTTL
	case queue.KindFile:
		key = lock.FileKey(claim.Ref.FileID)
		ttl = lock.FileLeaseTTL
	default:
		// Queue validation should make this unreachable; bury it rather
		// than spin on it.
		r.log.WithField("kind", claim.Ref.Kind).Error("claim with unknown kind")
		return r.queue.Nack(ctx, []queue.Claim{claim}, nackReasonError)
	}

	lease, err := lock.AcquireLease(ctx, r.locks, key, r.workerID, ttl)
	if err != nil {
		return r.queue.Nack(ctx, []queue.Claim{claim}, nackReasonError)
	}
	if lease == nil {
		// Another worker holds the lease; the unit is superfluous.
		r.log.WithFields(logrus.Fields{"key": key, "worker_id": r.workerID}).Info("lease held elsewhere, abandoning unit")
		observability.Default.IncCounter("worker_units_abandoned_total", map[string]string{"worker_id": r.workerID, "kind": claim.Ref.Kind}, 1)
		return r.queue.Ack(ctx, []queue.Claim{claim})
	}

	workErr := r.runUnit(ctx, claim)

	if _, rerr := r.locks.Release(ctx, lease.Key, lease.Token); rerr != nil {
		r.log.WithError(rerr).WithField("key", lease.Key).Warn("lease release failed")
	}

	if workErr != nil {
		r.log.WithError(workErr).WithFields(logrus.Fields{
			"kind":    claim.Ref.Kind,
			"task_id": claim.Ref.TaskID,
			"file_id": claim.Ref.FileID,
		}).Error("work unit failed")
		observability.Default.IncCounter("worker_units_failed_total", map[string]string{"worker_id": r.workerID, "kind": claim.Ref.Kind}, 1)
		return r.queue.Nack(ctx, []queue.Claim{claim}, nackReasonError)
	}
	observability.Default.IncCounter("worker_units_done_total", map[string]string{"worker_id": r.workerID, "kind": claim.Ref.Kind}, 1)
	return r.queue.Ack(ctx, []queue.Claim{claim})
}

// runUnit dispatches the claim. A panic in the pipeline is converted to an
// error so the lease release and nack above it still run.
func (r *Runtime) runUnit(ctx context.Context, claim queue.Claim) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("work unit panicked: %v", rec)
		}
	}()
	switch claim.Ref.Kind {
	case queue.KindTask:
		return r.coordinator.RunTask(ctx, claim.Ref.TaskID)
	case queue.KindFile:
		return r.processor.ProcessFile(ctx, claim.Ref.TaskID, claim.Ref.FileID)
	default:
		return fmt.Errorf("unknown work kind %q", claim.Ref.Kind)
	}
}
