package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"sentiment-dispatcher/internal/classifier"
	"sentiment-dispatcher/internal/config"
	"sentiment-dispatcher/internal/dispatch"
	"sentiment-dispatcher/internal/queue"
	"sentiment-dispatcher/internal/telemetry"
	workerproc "sentiment-dispatcher/internal/worker"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		logger.Error("connect redis", "addr", cfg.RedisAddr, "err", err)
		os.Exit(1)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	cls := classifier.New(cfg.MLServiceURL, cfg.MLTimeout, cfg.MLHealthTimeout)
	processor := workerproc.NewProcessor(cfg, q, workerID, logger)
	processor.RegisterHandler(dispatch.TaskClassifyReview, workerproc.NewClassifyHandler(cls).Handle)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Info("worker started", "worker_id", workerID, "queue", cfg.QueueName,
		"visibility", cfg.VisibilityTimeout, "backoff_initial", cfg.BackoffInitial, "max_attempts", cfg.MaxAttempts)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "err", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
