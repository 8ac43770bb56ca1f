package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/feichai0017/exam-importer/config"
	"github.com/feichai0017/exam-importer/internal/service/importer"
	"github.com/feichai0017/exam-importer/pkg/logger"
	"github.com/feichai0017/exam-importer/pkg/worker"
)

func main() {
	fs := pflag.NewFlagSet("worker", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.WithConfig(cfg.Log), logger.WithService("exam-importer-worker"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.Jobs.Dispatch != config.DispatchQueue {
		log.Warn("Worker started while jobs.dispatch is not queue; no tasks will arrive from inline servers",
			logger.String("dispatch", cfg.Jobs.Dispatch))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, cleanup, err := importer.GetService(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to create import service", logger.Error(err))
		os.Exit(1)
	}
	defer cleanup()

	importWorker := worker.NewImportWorker(&worker.Config{
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		Concurrency:   cfg.Queue.Concurrency,
		Queues:        cfg.Queue.Queues,
	}, svc, log)

	if err := importWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down worker...")
	importWorker.Stop()
	log.Info("Worker stopped")
}
