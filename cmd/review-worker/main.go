// review-worker claims review work units, runs the classification pipelines
// and reports outcomes to the store.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/zhangjing-777/multimedia-review-new/internal/bootstrap"
	"github.com/zhangjing-777/multimedia-review-new/internal/config"
	"github.com/zhangjing-777/multimedia-review-new/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	log := config.NewLogger(cfg)

	shutdownTrace, err := observability.InitTracingFromEnv("review-worker")
	if err != nil {
		log.WithError(err).Fatal("init tracing")
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("bootstrap")
	}
	rt, err := bootstrap.NewWorkerRuntime(app)
	if err != nil {
		log.WithError(err).Fatal("build worker")
	}

	if err := rt.Run(ctx); err != nil {
		log.WithError(err).Fatal("worker stopped with error")
	}
}
