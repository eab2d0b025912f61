package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	api "sentiment-dispatcher/internal/api"
	"sentiment-dispatcher/internal/archive"
	"sentiment-dispatcher/internal/classifier"
	"sentiment-dispatcher/internal/config"
	"sentiment-dispatcher/internal/dispatch"
	"sentiment-dispatcher/internal/query"
	"sentiment-dispatcher/internal/queue"
	"sentiment-dispatcher/internal/ratelimit"
	"sentiment-dispatcher/internal/reconcile"
	"sentiment-dispatcher/internal/store"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	connectCtx, cancelConnect := context.WithTimeout(ctx, 10*time.Second)
	st, err := store.Open(connectCtx, cfg.StoreDriver, cfg.StoreDSN)
	cancelConnect()
	if err != nil {
		logger.Error("result store unavailable, storage features disabled", "driver", cfg.StoreDriver, "err", err)
		st = store.Unavailable{Cause: err}
	}
	defer st.Close()

	deps := api.Deps{Config: cfg, Logger: logger}

	var jobs dispatch.JobQueue
	var fetcher reconcile.JobFetcher
	if cfg.QueueEnabled {
		q := queue.NewRedisQueue(cfg)
		defer q.Close()
		probeCtx, cancelProbe := context.WithTimeout(ctx, 3*time.Second)
		ok := q.Probe(probeCtx)
		cancelProbe()
		if ok {
			logger.Info("job queue connected", "addr", cfg.RedisAddr, "queue", cfg.QueueName)
			deps.Limiter = ratelimit.NewTokenBucket(q.Client(), "rl:"+cfg.QueueName, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
			fetcher = q
		} else {
			logger.Warn("job queue unreachable, all batches will be classified synchronously", "addr", cfg.RedisAddr)
		}
		jobs, deps.Jobs = q, q
	} else {
		logger.Info("background dispatch disabled")
	}

	cls := classifier.New(cfg.MLServiceURL, cfg.MLTimeout, cfg.MLHealthTimeout)
	deps.Classifier = cls
	deps.Router = dispatch.NewRouter(cls, jobs, st, dispatch.Options{
		Threshold:   cfg.BackgroundThreshold,
		Concurrency: cfg.EnqueueConcurrency,
		JobTimeout:  cfg.JobTimeout,
		Logger:      logger,
	})
	deps.Query = query.NewService(st, reconcile.New(fetcher, st, logger), logger)

	arch, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Error("archive destination unavailable, clears will not be archived", "err", err)
	} else if arch != nil {
		deps.Archiver = arch
	}

	server := api.New(deps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "ml_service", cfg.MLServiceURL, "threshold", cfg.BackgroundThreshold)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
