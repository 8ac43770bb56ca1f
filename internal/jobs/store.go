package jobs

import (
	"context"

	"github.com/feichai0017/exam-importer/internal/models"
)

// Store persists job snapshots so that other processes can observe jobs and
// request cancellation. Load returns models.ErrJobNotFound for unknown ids.
type Store interface {
	Save(ctx context.Context, job models.ImportJob) error
	Load(ctx context.Context, id string) (models.ImportJob, error)
	List(ctx context.Context, limit int) ([]models.ImportJob, error)
	Delete(ctx context.Context, id string) error

	// Claim marks id as owned by a worker. It reports false when another
	// worker already holds it.
	Claim(ctx context.Context, id string) (bool, error)

	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
}
