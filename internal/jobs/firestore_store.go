package jobs

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/feichai0017/exam-importer/internal/models"
)

// FirestoreStore keeps one document per job. Worker and cancel markers live
// in a sibling control document so snapshot writes never clobber them.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = "import_jobs"
	}
	return &FirestoreStore{client: client, collection: collection}
}

// NewFirestoreClient creates a client for projectID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return client, nil
}

func (s *FirestoreStore) doc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) control(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection + "_control").Doc(id)
}

func (s *FirestoreStore) Save(ctx context.Context, job models.ImportJob) error {
	if _, err := s.doc(job.ID).Set(ctx, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Load(ctx context.Context, id string) (models.ImportJob, error) {
	snap, err := s.doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return models.ImportJob{}, models.ErrJobNotFound
	}
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("failed to get job: %w", err)
	}
	var job models.ImportJob
	if err := snap.DataTo(&job); err != nil {
		return models.ImportJob{}, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

func (s *FirestoreStore) List(ctx context.Context, limit int) ([]models.ImportJob, error) {
	iter := s.client.Collection(s.collection).
		OrderBy("created_at", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var out []models.ImportJob
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		var job models.ImportJob
		if err := snap.DataTo(&job); err != nil {
			return nil, fmt.Errorf("failed to decode job %s: %w", snap.Ref.ID, err)
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *FirestoreStore) Delete(ctx context.Context, id string) error {
	batch := s.client.Batch()
	batch.Delete(s.doc(id))
	batch.Delete(s.control(id))
	if _, err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// Claim creates the control document's worker marker inside a transaction
// so only one worker wins.
func (s *FirestoreStore) Claim(ctx context.Context, id string) (bool, error) {
	claimed := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claimed = false
		snap, err := tx.Get(s.control(id))
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			if v, err := snap.DataAt("worker"); err == nil && v == true {
				return nil
			}
		}
		claimed = true
		return tx.Set(s.control(id), map[string]interface{}{"worker": true}, firestore.MergeAll)
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	return claimed, nil
}

func (s *FirestoreStore) RequestCancel(ctx context.Context, id string) error {
	_, err := s.control(id).Set(ctx, map[string]interface{}{"cancel": true}, firestore.MergeAll)
	return err
}

func (s *FirestoreStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	snap, err := s.control(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	v, err := snap.DataAt("cancel")
	if err != nil {
		return false, nil
	}
	b, _ := v.(bool)
	return b, nil
}
