// Package trigger imports exam PDFs as soon as they land in a storage bucket.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/internal/service/importer"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

// ObjectEvent is the payload of a storage object finalize event.
type ObjectEvent struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
}

// ObjectOpener reads the object an event refers to.
type ObjectOpener interface {
	Open(ctx context.Context, bucket, name string) (io.ReadCloser, error)
}

type GCSOpener struct {
	client *storage.Client
}

func NewGCSOpener(ctx context.Context) (*GCSOpener, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSOpener{client: client}, nil
}

func (o *GCSOpener) Open(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
	return o.client.Bucket(bucket).Object(name).NewReader(ctx)
}

func (o *GCSOpener) Close() error {
	return o.client.Close()
}

// Handler runs one import per uploaded PDF, synchronously, so the event is
// acknowledged only after the job reached a terminal state.
type Handler struct {
	service importer.Importer
	opener  ObjectOpener
	prefix  string
	logger  logger.Logger
}

func NewHandler(service importer.Importer, opener ObjectOpener, prefix string, log logger.Logger) *Handler {
	return &Handler{service: service, opener: opener, prefix: prefix, logger: log.Named("trigger")}
}

// HandleEvent decodes a CloudEvent and imports the object it names.
func (h *Handler) HandleEvent(ctx context.Context, e cloudevents.Event) error {
	var obj ObjectEvent
	if err := e.DataAs(&obj); err != nil {
		h.logger.Error("Failed to decode event data", logger.String("eventId", e.ID()), logger.Error(err))
		return fmt.Errorf("failed to decode event data: %w", err)
	}
	return h.Import(ctx, obj)
}

// Import submits and runs the object. Rejected uploads and objects outside
// the prefix are acknowledged without error so the event is not redelivered.
func (h *Handler) Import(ctx context.Context, obj ObjectEvent) error {
	log := h.logger.With(logger.String("bucket", obj.Bucket), logger.String("object", obj.Name))

	if !strings.HasPrefix(obj.Name, h.prefix) || !strings.EqualFold(path.Ext(obj.Name), ".pdf") {
		log.Debug("Ignoring object")
		return nil
	}

	rc, err := h.opener.Open(ctx, obj.Bucket, obj.Name)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			log.Warn("Object disappeared before import")
			return nil
		}
		return fmt.Errorf("failed to open gs://%s/%s: %w", obj.Bucket, obj.Name, err)
	}
	defer rc.Close()

	res, err := h.service.Submit(ctx, importer.SubmitRequest{Filename: path.Base(obj.Name), Body: rc})
	if err != nil {
		if models.IsInputError(err) {
			log.Warn("Upload rejected", logger.Error(err))
			return nil
		}
		return fmt.Errorf("failed to submit import: %w", err)
	}

	log = log.With(logger.JobID(res.Job.ID))
	if res.Job.Status != models.JobQueued {
		log.Info("Document already imported", logger.String("status", string(res.Job.Status)))
		return nil
	}

	if err := h.service.Run(ctx, res.Job.ID, ""); err != nil {
		if errors.Is(err, models.ErrJobBusy) {
			log.Info("Job already taken by another worker")
			return nil
		}
		return fmt.Errorf("failed to run import: %w", err)
	}

	job, err := h.service.Status(ctx, res.Job.ID)
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}
	log.Info("Import finished",
		logger.String("status", string(job.Status)),
		logger.Int("extracted", job.ExtractedCount),
		logger.Int("needsReview", job.NeedsReviewCount),
	)
	return nil
}
