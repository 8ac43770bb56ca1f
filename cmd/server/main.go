package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/feichai0017/exam-importer/api/handlers"
	"github.com/feichai0017/exam-importer/api/routes"
	"github.com/feichai0017/exam-importer/config"
	"github.com/feichai0017/exam-importer/internal/service/importer"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

func main() {
	fs := pflag.NewFlagSet("server", pflag.ExitOnError)
	config.RegisterFlags(fs)
	cleanupEvery := fs.Duration("cleanup-interval", time.Hour, "Interval between storage retention sweeps (0 disables)")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// init logger
	log, err := logger.NewLogger(logger.WithConfig(cfg.Log), logger.WithService("exam-importer"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// init import service
	svc, cleanup, err := importer.GetService(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to get import service", logger.Error(err))
	}
	defer cleanup()

	if *cleanupEvery > 0 {
		go sweep(ctx, svc, *cleanupEvery, log)
	}

	// init handlers
	h := handlers.NewHandlers(svc, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h, cfg.Server.AllowOrigins)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// start server
	go func() {
		log.Info("Server starting", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	// graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
}

// sweep applies the storage retention policy until ctx ends.
func sweep(ctx context.Context, svc *importer.ImportService, every time.Duration, log logger.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := svc.CleanupBefore(ctx, now); err != nil {
				log.Warn("Storage cleanup failed", logger.Error(err))
			}
		}
	}
}
