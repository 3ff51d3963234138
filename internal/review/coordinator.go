package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhangjing-777/multimedia-review-new/internal/classify"
	"github.com/zhangjing-777/multimedia-review-new/internal/dispatch"
	"github.com/zhangjing-777/multimedia-review-new/internal/state"
	"github.com/zhangjing-777/multimedia-review-new/internal/status"
	"github.com/zhangjing-777/multimedia-review-new/internal/strategy"
)

// CoordinatorOptions configures a Coordinator. Store, Status, Dispatcher and
// Strategies are required.
type CoordinatorOptions struct {
	Store      state.Store
	Status     status.Store
	Dispatcher *dispatch.Dispatcher
	Strategies *strategy.Registry
	Logger     *logrus.Logger
}

// Coordinator owns the task-level state machine: creating tasks, starting
// and restarting them, fanning files out to the queue, aggregating file
// outcomes into the task counters, and cancelling or rechecking finished
// work.
type Coordinator struct {
	store      state.Store
	status     status.Store
	dispatcher *dispatch.Dispatcher
	strategies *strategy.Registry
	log        *logrus.Logger
	now        func() time.Time
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("review: Store is required")
	}
	if opts.Status == nil {
		return nil, fmt.Errorf("review: Status is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("review: Dispatcher is required")
	}
	if opts.Strategies == nil {
		return nil, fmt.Errorf("review: Strategies is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		store:      opts.Store,
		status:     opts.Status,
		dispatcher: opts.Dispatcher,
		strategies: opts.Strategies,
		log:        log,
		now:        time.Now,
	}, nil
}

// CreateTaskRequest carries the user-supplied fields of a new review task.
type CreateTaskRequest struct {
	Name               string
	Description        string
	StrategyType       string
	VideoFrameInterval int
	CreatorID          string
}

// CreateTask materialises a task row in pending status. The resolved
// strategy preset is snapshotted into the row so later edits to the preset
// file cannot change a running task's behaviour.
func (c *Coordinator) CreateTask(ctx context.Context, req CreateTaskRequest) (state.TaskRecord, error) {
	preset, err := c.strategies.Resolve(req.StrategyType)
	if err != nil {
		return state.TaskRecord{}, err
	}
	contents, err := json.Marshal(preset)
	if err != nil {
		return state.TaskRecord{}, fmt.Errorf("snapshot strategy: %w", err)
	}
	interval := req.VideoFrameInterval
	if interval <= 0 {
		interval = preset.FrameIntervalSec
	}
	now := c.now()
	task := state.TaskRecord{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		Description:        req.Description,
		StrategyType:       preset.Type,
		StrategyContents:   string(contents),
		VideoFrameInterval: interval,
		Status:             TaskPending,
		CreatorID:          req.CreatorID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return state.TaskRecord{}, err
	}
	c.log.WithFields(logrus.Fields{"task_id": task.ID, "strategy": task.StrategyType}).Info("task created")
	return task, nil
}

// Start moves a task into processing and enqueues it for fan-out. A task in
// any settled status may be started again: its files and counters are reset
// first. A task with no files is marked failed and ErrEmptyTask returned.
func (c *Coordinator) Start(ctx context.Context, taskID string) error {
	task, ok, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTaskNotFound
	}
	if !startable(task.Status) {
		return &InvalidStateError{Entity: "task", ID: taskID, Status: task.Status, Op: "start"}
	}

	files, err := c.store.ListFilesByTask(ctx, taskID, "")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		task.Status = TaskFailed
		task.ErrorMessage = ErrEmptyTask.Error()
		task.CompletedAt = c.now()
		task.UpdatedAt = task.CompletedAt
		if uerr := c.store.UpdateTask(ctx, task); uerr != nil {
			return uerr
		}
		return ErrEmptyTask
	}

	if err := c.store.ResetFilesForTask(ctx, taskID); err != nil {
		return err
	}
	now := c.now()
	task.Status = TaskProcessing
	task.Progress = 0
	task.ErrorMessage = ""
	task.TotalFiles = len(files)
	task.ProcessedFiles = 0
	task.ViolationCount = 0
	task.StartedAt = now
	task.CompletedAt = time.Time{}
	task.UpdatedAt = now
	if err := c.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	if err := c.dispatcher.SubmitTask(ctx, taskID); err != nil {
		return err
	}
	if perr := c.status.SetTaskProgress(ctx, taskID, status.Progress{Percent: 0, Stage: "queued"}); perr != nil {
		c.log.WithError(perr).WithField("task_id", taskID).Warn("progress snapshot write failed")
	}
	c.log.WithFields(logrus.Fields{"task_id": taskID, "files": len(files)}).Info("task started")
	return nil
}

// RunTask is the worker-side half of Start: it fans the task's pending files
// out onto the queue. The caller holds the task lease. A task that reached a
// settled status between enqueue and claim is skipped, not an error.
func (c *Coordinator) RunTask(ctx context.Context, taskID string) error {
	task, ok, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != TaskPending && task.Status != TaskProcessing {
		c.log.WithFields(logrus.Fields{"task_id": taskID, "status": task.Status}).Info("skipping settled task")
		if serr := c.status.SetTaskStatus(ctx, taskID, status.Doc{Status: "skipped", Detail: "task already " + task.Status}); serr != nil {
			c.log.WithError(serr).WithField("task_id", taskID).Warn("status snapshot write failed")
		}
		return nil
	}
	if task.Status == TaskPending {
		task.Status = TaskProcessing
		if task.StartedAt.IsZero() {
			task.StartedAt = c.now()
		}
		task.UpdatedAt = c.now()
		if err := c.store.UpdateTask(ctx, task); err != nil {
			return err
		}
	}

	pending, err := c.store.ListFilesByTask(ctx, taskID, FilePending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		// Nothing left to fan out; let aggregation settle the task.
		return c.OnFileTerminal(ctx, taskID)
	}
	for _, f := range pending {
		err := c.dispatcher.SubmitFile(ctx, taskID, f.ID, f.FileType)
		if errors.Is(err, dispatch.ErrAlreadyQueued) {
			c.log.WithField("file_id", f.ID).Info("file already leased, not re-enqueued")
			continue
		}
		if err != nil {
			return err
		}
	}
	if perr := c.status.SetTaskProgress(ctx, taskID, status.Progress{Percent: 10, Stage: "dispatched"}); perr != nil {
		c.log.WithError(perr).WithField("task_id", taskID).Warn("progress snapshot write failed")
	}
	return nil
}

// OnFileTerminal recomputes the task counters after a file reaches a
// terminal status. It is safe to call any number of times from any worker:
// the whole recomputation runs under the task row lock and derives every
// counter from the file rows, so replays converge on the same values. A task
// already settled is left untouched.
func (c *Coordinator) OnFileTerminal(ctx context.Context, taskID string) error {
	err := c.store.UpdateTaskWithFiles(ctx, taskID, func(task *state.TaskRecord, files []state.FileRecord) ([]state.FileRecord, error) {
		if taskTerminal(task.Status) {
			return nil, nil
		}
		total := task.TotalFiles
		if total == 0 {
			total = len(files)
			task.TotalFiles = total
		}
		processed, failed, violations := 0, 0, 0
		for _, f := range files {
			switch f.Status {
			case FileCompleted:
				processed++
			case FileFailed:
				processed++
				failed++
			}
			if f.ViolationCount > 0 {
				violations++
			}
		}
		task.ProcessedFiles = processed
		task.ViolationCount = violations
		if total > 0 {
			task.Progress = processed * 100 / total
		}
		if total > 0 && processed >= total {
			now := c.now()
			if failed == total {
				task.Status = TaskFailed
				task.ErrorMessage = "all files failed"
			} else {
				task.Status = TaskCompleted
				task.Progress = 100
			}
			task.CompletedAt = now
		}
		task.UpdatedAt = c.now()
		return nil, nil
	})
	if err != nil {
		return err
	}

	task, ok, err := c.store.GetTask(ctx, taskID)
	if err != nil || !ok {
		return err
	}
	if perr := c.status.SetTaskProgress(ctx, taskID, status.Progress{Percent: task.Progress, Stage: "aggregated"}); perr != nil {
		c.log.WithError(perr).WithField("task_id", taskID).Warn("progress snapshot write failed")
	}
	if taskTerminal(task.Status) {
		if serr := c.status.SetTaskStatus(ctx, taskID, status.Doc{Status: task.Status, Detail: task.ErrorMessage}); serr != nil {
			c.log.WithError(serr).WithField("task_id", taskID).Warn("status snapshot write failed")
		}
		c.log.WithFields(logrus.Fields{
			"task_id":    taskID,
			"status":     task.Status,
			"violations": task.ViolationCount,
		}).Info("task settled")
	}
	return nil
}

// Cancel stops a pending or processing task: the task and every file not yet
// settled move to cancelled, and the task lease is force-released so queued
// fan-out work is abandoned on claim.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) error {
	if _, ok, err := c.store.GetTask(ctx, taskID); err != nil {
		return err
	} else if !ok {
		return ErrTaskNotFound
	}
	err := c.store.UpdateTaskWithFiles(ctx, taskID, func(task *state.TaskRecord, files []state.FileRecord) ([]state.FileRecord, error) {
		if task.Status != TaskPending && task.Status != TaskProcessing {
			return nil, &InvalidStateError{Entity: "task", ID: taskID, Status: task.Status, Op: "cancel"}
		}
		now := c.now()
		task.Status = TaskCancelled
		task.CompletedAt = now
		task.UpdatedAt = now
		var changed []state.FileRecord
		for _, f := range files {
			if fileTerminal(f.Status) {
				continue
			}
			f.Status = FileCancelled
			f.UpdatedAt = now
			changed = append(changed, f)
		}
		return changed, nil
	})
	if err != nil {
		return err
	}
	if derr := c.dispatcher.CancelTask(ctx, taskID); derr != nil {
		c.log.WithError(derr).WithField("task_id", taskID).Warn("lease release on cancel failed")
	}
	c.log.WithField("task_id", taskID).Info("task cancelled")
	return nil
}

// Recheck wipes a settled task's results and puts it back to pending so it
// can be started afresh. Only completed and failed tasks qualify.
func (c *Coordinator) Recheck(ctx context.Context, taskID string) error {
	task, ok, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != TaskCompleted && task.Status != TaskFailed {
		return &InvalidStateError{Entity: "task", ID: taskID, Status: task.Status, Op: "recheck"}
	}
	if err := c.store.DeleteResultsByTask(ctx, taskID); err != nil {
		return err
	}
	if err := c.store.ResetFilesForTask(ctx, taskID); err != nil {
		return err
	}
	task.Status = TaskPending
	task.Progress = 0
	task.ErrorMessage = ""
	task.ProcessedFiles = 0
	task.ViolationCount = 0
	task.StartedAt = time.Time{}
	task.CompletedAt = time.Time{}
	task.UpdatedAt = c.now()
	if err := c.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	c.log.WithField("task_id", taskID).Info("task reset for recheck")
	return nil
}

// Statistics is a read model over one task: file counts by status plus the
// aggregate counters.
type Statistics struct {
	TaskID         string         `json:"task_id"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	TotalFiles     int            `json:"total_files"`
	ProcessedFiles int            `json:"processed_files"`
	ViolationFiles int            `json:"violation_files"`
	FilesByStatus  map[string]int `json:"files_by_status"`
}

func (c *Coordinator) Statistics(ctx context.Context, taskID string) (Statistics, error) {
	task, ok, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return Statistics{}, err
	}
	if !ok {
		return Statistics{}, ErrTaskNotFound
	}
	files, err := c.store.ListFilesByTask(ctx, taskID, "")
	if err != nil {
		return Statistics{}, err
	}
	byStatus := make(map[string]int)
	for _, f := range files {
		byStatus[f.Status]++
	}
	violations, err := c.store.CountViolationFilesByTask(ctx, taskID)
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{
		TaskID:         task.ID,
		Status:         task.Status,
		Progress:       task.Progress,
		TotalFiles:     task.TotalFiles,
		ProcessedFiles: task.ProcessedFiles,
		ViolationFiles: violations,
		FilesByStatus:  byStatus,
	}, nil
}

// ReviewResult records a human reviewer's judgement on one finding. An
// override verdict, when present, must be a member of the verdict set.
func (c *Coordinator) ReviewResult(ctx context.Context, resultID string, update state.ReviewUpdate) error {
	if update.VerdictOverride != "" {
		v, err := classify.ParseVerdict(update.VerdictOverride)
		if err != nil {
			return err
		}
		update.VerdictOverride = v
	}
	if _, ok, err := c.store.GetResult(ctx, resultID); err != nil {
		return err
	} else if !ok {
		return ErrResultNotFound
	}
	return c.store.UpdateResultReview(ctx, resultID, update)
}
