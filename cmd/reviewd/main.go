// reviewd is the review API server: task and file management, queue
// administration and metrics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/zhangjing-777/multimedia-review-new/internal/api"
	"github.com/zhangjing-777/multimedia-review-new/internal/bootstrap"
	"github.com/zhangjing-777/multimedia-review-new/internal/config"
	"github.com/zhangjing-777/multimedia-review-new/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	log := config.NewLogger(cfg)

	shutdownTrace, err := observability.InitTracingFromEnv("reviewd")
	if err != nil {
		log.WithError(err).Fatal("init tracing")
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("bootstrap")
	}

	srv, err := api.NewServer(api.Options{
		Store:       app.Store,
		Status:      app.Status,
		Coordinator: app.Coordinator,
		Dispatcher:  app.Dispatcher,
		Ingest:      app.Ingest,
		Logger:      log,
	})
	if err != nil {
		log.WithError(err).Fatal("build server")
	}

	// Units whose visibility timeout lapsed go back to pending on a timer.
	go func() {
		t := time.NewTicker(cfg.RequeueInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				moved, err := app.Dispatcher.RequeueExpired(ctx, time.Now(), 100)
				if err != nil {
					log.WithError(err).Warn("requeue of expired units failed")
				} else if moved > 0 {
					log.WithField("moved", moved).Info("requeued expired units")
				}
			}
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", cfg.HTTPAddr).Info("reviewd listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("http server")
	}
}
