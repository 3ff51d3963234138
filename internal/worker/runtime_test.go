package worker

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhangjing-777/multimedia-review-new/internal/classify"
	"github.com/zhangjing-777/multimedia-review-new/internal/dispatch"
	"github.com/zhangjing-777/multimedia-review-new/internal/lock"
	"github.com/zhangjing-777/multimedia-review-new/internal/queue"
	"github.com/zhangjing-777/multimedia-review-new/internal/review"
	"github.com/zhangjing-777/multimedia-review-new/internal/state"
	"github.com/zhangjing-777/multimedia-review-new/internal/status"
	"github.com/zhangjing-777/multimedia-review-new/internal/storage"
	"github.com/zhangjing-777/multimedia-review-new/internal/strategy"
)

type fakeClassifier struct {
	findings []classify.Finding
	panics   bool
}

func (f *fakeClassifier) ClassifyText(context.Context, classify.TextRequest) ([]classify.Finding, error) {
	if f.panics {
		panic("classifier blew up")
	}
	return f.findings, nil
}

func (f *fakeClassifier) ClassifyImage(context.Context, classify.ImageRequest) ([]classify.Finding, error) {
	if f.panics {
		panic("classifier blew up")
	}
	return f.findings, nil
}

type workerEnv struct {
	store   *state.MemoryStore
	queue   *queue.MemoryQueue
	locks   *lock.MemoryLocker
	status  *status.MemoryStore
	coord   *review.Coordinator
	blobs   *storage.LocalStore
	runtime *Runtime
}

func newWorkerEnv(t *testing.T, cl classify.Classifier) *workerEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := state.NewMemoryStore()
	adv := status.NewMemoryStore()
	q := queue.NewMemoryQueue()
	locks := lock.NewMemoryLocker()
	d, err := dispatch.New(dispatch.Options{Queue: q, Locks: locks, Status: adv, Logger: logger})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	reg, err := strategy.Load("")
	if err != nil {
		t.Fatalf("load strategies: %v", err)
	}
	coord, err := review.NewCoordinator(review.CoordinatorOptions{
		Store: st, Status: adv, Dispatcher: d, Strategies: reg, Logger: logger,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	blobs, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	proc, err := review.NewProcessor(review.ProcessorOptions{
		Store: st, Status: adv, Coordinator: coord, Classifier: cl,
		Blobs: blobs, Strategies: reg, Logger: logger,
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	rt, err := New(Options{
		WorkerID: "w-test", Queue: q, Locks: locks,
		Coordinator: coord, Processor: proc, Logger: logger,
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	return &workerEnv{store: st, queue: q, locks: locks, status: adv, coord: coord, blobs: blobs, runtime: rt}
}

func (e *workerEnv) addBlobFile(t *testing.T, taskID, fileType, content string) state.FileRecord {
	t.Helper()
	ctx := context.Background()
	key := filepath.Join(taskID, uuid.NewString()+".txt")
	if _, err := e.blobs.Save(ctx, key, strings.NewReader(content), int64(len(content)), "text/plain"); err != nil {
		t.Fatalf("save blob: %v", err)
	}
	f := state.FileRecord{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		StoragePath: key,
		FileType:    fileType,
		Status:      review.FilePending,
	}
	if err := e.store.CreateFile(ctx, f); err != nil {
		t.Fatalf("create file: %v", err)
	}
	return f
}

func TestWorkerDrivesTaskToCompletion(t *testing.T) {
	cl := &fakeClassifier{findings: []classify.Finding{{
		Verdict:    classify.VerdictNonCompliant,
		SourceType: classify.SourceOCR,
		Confidence: 0.9,
	}}}
	env := newWorkerEnv(t, cl)
	ctx := context.Background()

	task, err := env.coord.CreateTask(ctx, review.CreateTaskRequest{Name: "t"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	f := env.addBlobFile(t, task.ID, classify.FileTypeText, "some marketing copy")
	if err := env.coord.Start(ctx, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Poll 1 claims the task unit and fans out; poll 2 processes the file.
	for i := 0; i < 2; i++ {
		if err := env.runtime.pollOnce(ctx); err != nil {
			t.Fatalf("poll #%d: %v", i+1, err)
		}
	}

	got, _, _ := env.store.GetTask(ctx, task.ID)
	if got.Status != review.TaskCompleted || got.ViolationCount != 1 {
		t.Fatalf("task after worker run: %+v", got)
	}
	file, _, _ := env.store.GetFile(ctx, f.ID)
	if file.Status != review.FileCompleted {
		t.Fatalf("file status = %q", file.Status)
	}

	stats, _ := env.queue.Stats(ctx)
	if stats.Pending != 0 || stats.InFlight != 0 {
		t.Fatalf("queue not drained: %+v", stats)
	}
	for _, key := range []string{lock.TaskKey(task.ID), lock.FileKey(f.ID)} {
		held, _ := env.locks.IsHeld(ctx, key)
		if held {
			t.Fatalf("lease %s still held after work", key)
		}
	}
}

func TestWorkerAbandonsUnitWhenLeaseHeld(t *testing.T) {
	env := newWorkerEnv(t, &fakeClassifier{})
	ctx := context.Background()

	task, _ := env.coord.CreateTask(ctx, review.CreateTaskRequest{Name: "t"})
	f := env.addBlobFile(t, task.ID, classify.FileTypeText, "x")

	// A rival worker holds the file lease; enqueue the unit directly so the
	// dispatcher's own guard is not what stops it.
	if ok, err := env.locks.Acquire(ctx, lock.FileKey(f.ID), lock.NewToken("rival"), lock.FileLeaseTTL); err != nil || !ok {
		t.Fatalf("acquire rival lease: ok=%v err=%v", ok, err)
	}
	if err := env.queue.Enqueue(ctx, queue.FileRef(task.ID, f.ID, f.FileType)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := env.runtime.pollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	got, _, _ := env.store.GetFile(ctx, f.ID)
	if got.Status != review.FilePending {
		t.Fatalf("abandoned unit mutated file to %q", got.Status)
	}
	stats, _ := env.queue.Stats(ctx)
	if stats.Pending != 0 || stats.InFlight != 0 {
		t.Fatalf("abandoned unit not acked: %+v", stats)
	}
}

func TestWorkerNacksFailingUnitToDeadLetter(t *testing.T) {
	env := newWorkerEnv(t, &fakeClassifier{})
	ctx := context.Background()

	// A unit pointing at a missing file fails every delivery.
	if err := env.queue.Enqueue(ctx, queue.FileRef("t-gone", "f-gone", classify.FileTypeText)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := env.runtime.pollOnce(ctx); err != nil {
			t.Fatalf("poll #%d: %v", i+1, err)
		}
	}

	stats, _ := env.queue.Stats(ctx)
	if stats.DeadLetter != 1 {
		t.Fatalf("dead letters = %d, want 1 after max error nacks", stats.DeadLetter)
	}
	if stats.Pending != 0 || stats.InFlight != 0 {
		t.Fatalf("queue state: %+v", stats)
	}
}

func TestWorkerReleasesLeaseWhenWorkPanics(t *testing.T) {
	env := newWorkerEnv(t, &fakeClassifier{panics: true})
	ctx := context.Background()

	task, _ := env.coord.CreateTask(ctx, review.CreateTaskRequest{Name: "t"})
	f := env.addBlobFile(t, task.ID, classify.FileTypeText, "x")
	if err := env.queue.Enqueue(ctx, queue.FileRef(task.ID, f.ID, f.FileType)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := env.runtime.pollOnce(ctx); err != nil {
		t.Fatalf("poll must survive a panicking unit: %v", err)
	}

	held, _ := env.locks.IsHeld(ctx, lock.FileKey(f.ID))
	if held {
		t.Fatal("lease still held after panic")
	}
	stats, _ := env.queue.Stats(ctx)
	if stats.Pending != 1 {
		t.Fatalf("panicked unit not redelivered: %+v", stats)
	}
}

func TestWorkerHeartbeatRefreshesPresence(t *testing.T) {
	presence := lock.NewMemoryPresence()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	hb := NewHeartbeat("w-hb", presence, HeartbeatOptions{Interval: 10 * time.Millisecond, TTL: time.Minute}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Start(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := presence.CountOnline(context.Background()); n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("presence never refreshed")
}
