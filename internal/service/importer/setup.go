package importer

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/exam-importer/config"
	"github.com/feichai0017/exam-importer/internal/agent"
	"github.com/feichai0017/exam-importer/internal/jobs"
	"github.com/feichai0017/exam-importer/internal/parser"
	"github.com/feichai0017/exam-importer/internal/pipeline"
	"github.com/feichai0017/exam-importer/internal/utils/validator"
	"github.com/feichai0017/exam-importer/pkg/logger"
	"github.com/feichai0017/exam-importer/pkg/queue"
	"github.com/feichai0017/exam-importer/pkg/storage"
	"github.com/feichai0017/exam-importer/pkg/storage/gcs"
	"github.com/feichai0017/exam-importer/pkg/storage/local"
	"github.com/feichai0017/exam-importer/pkg/storage/minio"
	"github.com/feichai0017/exam-importer/pkg/storage/s3"
)

// GetService builds a fully wired service from cfg. The returned cleanup
// waits for inline runs and releases every client it opened.
func GetService(ctx context.Context, cfg *config.Config, log logger.Logger) (*ImportService, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("Failed to release resource", logger.Error(err))
			}
		}
	}

	store, closeStore, err := NewStorage(ctx, cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	jobStore, closeJobs, err := newJobStore(ctx, cfg, log)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to initialize job store: %w", err)
	}
	if closeJobs != nil {
		closers = append(closers, closeJobs)
	}

	factory, err := agent.NewProcessorFactory(ctx, cfg.Engines, log)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to initialize processor factory: %w", err)
	}
	closers = append(closers, factory.Close)

	profile := parser.DefaultProfile()
	if path := cfg.Pipeline.ProfilePath; path != "" {
		if profile, err = parser.LoadProfile(path); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to load parser profile: %w", err)
		}
	}

	runner := pipeline.New(
		factory.Opener(),
		factory.Primary(),
		factory.Fallback(),
		parser.NewParser(profile, log),
		pipeline.OptionsFromConfig(cfg.Pipeline),
		log,
	)

	// A nil Dispatcher must stay an untyped nil for inline mode.
	var dispatcher Dispatcher
	if strings.EqualFold(cfg.Jobs.Dispatch, config.DispatchQueue) {
		q := queue.NewAsynqQueue(&queue.QueueConfig{
			RedisAddr:      cfg.Redis.Addr,
			RedisPassword:  cfg.Redis.Password,
			RedisDB:        cfg.Redis.DB,
			MaxRetries:     cfg.Queue.MaxRetry,
			ProcessTimeout: cfg.Queue.Timeout,
		}, log)
		closers = append(closers, q.Close)
		dispatcher = q
	}

	v := validator.NewDocumentValidator(log, &validator.ValidatorConfig{
		MaxFileSize: cfg.Pipeline.MaxUploadBytes,
	})

	svc := NewService(v, runner, jobs.NewTracker(jobStore, log), store, dispatcher, log, &ServiceConfig{
		Dedup:           cfg.Jobs.Dedup,
		MaxRunning:      cfg.Jobs.MaxRunning,
		ListLimit:       cfg.Jobs.ListLimit,
		QueuePriority:   cfg.Jobs.QueuePriority,
		RetentionPeriod: cfg.Jobs.Retention,
	})

	log.Info("Import service ready",
		logger.String("storage", cfg.Storage.Type),
		logger.String("jobStore", cfg.Jobs.Store),
		logger.String("dispatch", cfg.Jobs.Dispatch),
		logger.String("ocrMode", cfg.Pipeline.OCRMode),
	)

	return svc, func() {
		svc.Wait()
		cleanup()
	}, nil
}

// NewStorage opens the blob backend named by cfg.Type. The close func is
// nil for backends that hold no client.
func NewStorage(ctx context.Context, cfg config.StorageConfig, log logger.Logger) (storage.Storage, func() error, error) {
	switch strings.ToLower(cfg.Type) {
	case storage.TypeLocal, "":
		s, err := local.NewLocalStorage(cfg.Local.Root, log)
		return s, nil, err
	case storage.TypeS3:
		s, err := s3.NewS3Storage(ctx, cfg.S3, log)
		return s, nil, err
	case storage.TypeMinio:
		s, err := minio.NewMinioStorage(ctx, cfg.Minio, log)
		return s, nil, err
	case storage.TypeGCS:
		s, err := gcs.NewGCSStorage(ctx, cfg.GCS, log)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func newJobStore(ctx context.Context, cfg *config.Config, log logger.Logger) (jobs.Store, func() error, error) {
	switch strings.ToLower(cfg.Jobs.Store) {
	case config.StoreMemory, "":
		return nil, nil, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		log.Info("Job snapshots stored in redis", logger.String("addr", cfg.Redis.Addr))
		return jobs.NewRedisStore(client, cfg.Jobs.SnapshotTTL), client.Close, nil
	case config.StoreFirestore:
		client, err := jobs.NewFirestoreClient(ctx, cfg.Jobs.FirestoreProject)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Job snapshots stored in firestore",
			logger.String("project", cfg.Jobs.FirestoreProject),
			logger.String("collection", cfg.Jobs.FirestoreCollection),
		)
		return jobs.NewFirestoreStore(client, cfg.Jobs.FirestoreCollection), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported job store: %s", cfg.Jobs.Store)
	}
}
