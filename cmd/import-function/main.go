package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/feichai0017/exam-importer/config"
	"github.com/feichai0017/exam-importer/internal/service/importer"
	"github.com/feichai0017/exam-importer/internal/trigger"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

var (
	handler *trigger.Handler
	once    sync.Once
	initErr error
)

func init() {
	functions.CloudEvent("ImportExam", importExam)
}

// main serves the function locally. Deployed functions are started by the
// platform through the registration in init.
func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := funcframework.Start(port); err != nil {
		fmt.Fprintf(os.Stderr, "funcframework.Start: %v\n", err)
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*trigger.Handler, error) {
	cfg, err := config.Load(nil)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewLogger(logger.WithConfig(cfg.Log), logger.WithService("exam-importer-function"))
	if err != nil {
		return nil, err
	}

	// Clients live for the whole instance; the platform reclaims them.
	svc, _, err := importer.GetService(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	opener, err := trigger.NewGCSOpener(ctx)
	if err != nil {
		return nil, err
	}
	return trigger.NewHandler(svc, opener, cfg.Trigger.Prefix, log), nil
}

func importExam(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		handler, initErr = setup(context.Background())
	})
	if initErr != nil {
		return fmt.Errorf("function initialization failed: %w", initErr)
	}
	return handler.HandleEvent(ctx, e)
}
