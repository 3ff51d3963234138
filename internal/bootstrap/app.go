// Package bootstrap assembles the application from configuration: storage,
// coordination backends, dispatcher, coordinator and the worker runtime.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	// Links the pgx database/sql driver for the postgres store.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/zhangjing-777/multimedia-review-new/internal/classify"
	"github.com/zhangjing-777/multimedia-review-new/internal/config"
	"github.com/zhangjing-777/multimedia-review-new/internal/dispatch"
	"github.com/zhangjing-777/multimedia-review-new/internal/ingest"
	"github.com/zhangjing-777/multimedia-review-new/internal/lock"
	"github.com/zhangjing-777/multimedia-review-new/internal/queue"
	"github.com/zhangjing-777/multimedia-review-new/internal/redisx"
	"github.com/zhangjing-777/multimedia-review-new/internal/review"
	"github.com/zhangjing-777/multimedia-review-new/internal/state"
	"github.com/zhangjing-777/multimedia-review-new/internal/status"
	"github.com/zhangjing-777/multimedia-review-new/internal/storage"
	"github.com/zhangjing-777/multimedia-review-new/internal/strategy"
	"github.com/zhangjing-777/multimedia-review-new/internal/worker"
)

// App is the wired object graph shared by the API server and the worker.
type App struct {
	Config      config.Config
	Log         *logrus.Logger
	Store       state.Store
	Status      status.Store
	Queue       queue.Queue
	Locks       lock.Locker
	Presence    lock.Presence
	Blobs       storage.BlobStore
	Strategies  *strategy.Registry
	Dispatcher  *dispatch.Dispatcher
	Coordinator *review.Coordinator
	Ingest      *ingest.Service
}

func New(ctx context.Context, cfg config.Config, log *logrus.Logger) (*App, error) {
	if log == nil {
		log = config.NewLogger(cfg)
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	var (
		adv      status.Store
		q        queue.Queue
		locks    lock.Locker
		presence lock.Presence
		ping     func(context.Context) error
	)
	switch cfg.Coord {
	case "memory":
		adv = status.NewMemoryStore()
		q = queue.NewMemoryQueue()
		locks = lock.NewMemoryLocker()
		presence = lock.NewMemoryPresence()
	case "redis":
		client := redisx.New(redisx.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		adv = status.NewRedisStore(client)
		q = queue.NewRedisQueue(client, queue.RedisQueueConfig{
			Key:           cfg.QueueKey,
			DeadLetterMax: cfg.DeadLetterMax,
		})
		locks = lock.NewRedisLocker(client)
		presence = lock.NewRedisPresence(client)
		ping = client.Ping
	default:
		return nil, fmt.Errorf("unsupported REVIEW_COORD value %q", cfg.Coord)
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	strategies, err := strategy.Load(cfg.StrategyFile)
	if err != nil {
		return nil, err
	}

	d, err := dispatch.New(dispatch.Options{
		Queue:    q,
		Locks:    locks,
		Status:   adv,
		Presence: presence,
		Logger:   log,
		Ping:     ping,
	})
	if err != nil {
		return nil, err
	}
	coordinator, err := review.NewCoordinator(review.CoordinatorOptions{
		Store:      store,
		Status:     adv,
		Dispatcher: d,
		Strategies: strategies,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	uploads, err := ingest.New(ingest.Options{
		Store:       store,
		Blobs:       blobs,
		MaxFileSize: cfg.MaxFileSizeMB << 20,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Config:      cfg,
		Log:         log,
		Store:       store,
		Status:      adv,
		Queue:       q,
		Locks:       locks,
		Presence:    presence,
		Blobs:       blobs,
		Strategies:  strategies,
		Dispatcher:  d,
		Coordinator: coordinator,
		Ingest:      uploads,
	}, nil
}

// NewWorkerRuntime wires the classification pipeline on top of the app and
// returns a runnable worker.
func NewWorkerRuntime(app *App) (*worker.Runtime, error) {
	cfg := app.Config
	classifier, err := classify.NewOpenRouterClassifier(classify.OpenRouterConfig{
		BaseURL:     cfg.ModelBaseURL,
		APIKey:      cfg.ModelAPIKey,
		TextModel:   cfg.TextModel,
		VisionModel: cfg.VisionModel,
		Timeout:     cfg.ModelTimeout,
		Attempts:    cfg.ModelAttempts,
	})
	if err != nil {
		return nil, err
	}
	var documents classify.DocumentExtractor
	if cfg.OCRBaseURL != "" {
		ocr, err := classify.NewOCRClient(cfg.OCRBaseURL, cfg.OCRTimeout)
		if err != nil {
			return nil, err
		}
		documents = ocr
	}

	processor, err := review.NewProcessor(review.ProcessorOptions{
		Store:       app.Store,
		Status:      app.Status,
		Coordinator: app.Coordinator,
		Classifier:  classifier,
		Documents:   documents,
		Frames:      classify.NewFFmpegExtractor(),
		Blobs:       app.Blobs,
		Strategies:  app.Strategies,
		Logger:      app.Log,
	})
	if err != nil {
		return nil, err
	}

	return worker.New(worker.Options{
		WorkerID:          cfg.WorkerID,
		Queue:             app.Queue,
		Locks:             app.Locks,
		Presence:          app.Presence,
		Coordinator:       app.Coordinator,
		Processor:         processor,
		Logger:            app.Log,
		PollInterval:      cfg.PollInterval,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Heartbeat:         worker.HeartbeatOptions{Interval: cfg.HeartbeatInterval},
	})
}

func newStore(cfg config.Config) (state.Store, error) {
	switch cfg.Store {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("REVIEW_POSTGRES_DSN is required when REVIEW_STORE=postgres")
		}
		return state.NewPostgresStore(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported REVIEW_STORE value %q", cfg.Store)
	}
}

func newBlobStore(ctx context.Context, cfg config.Config) (storage.BlobStore, error) {
	switch cfg.StorageBackend {
	case "local":
		return storage.NewLocalStore(cfg.UploadDir)
	case "minio":
		return storage.NewMinIOStore(ctx, storage.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	default:
		return nil, fmt.Errorf("unsupported REVIEW_STORAGE value %q", cfg.StorageBackend)
	}
}
