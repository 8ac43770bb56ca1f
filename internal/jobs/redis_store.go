package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/exam-importer/internal/models"
)

const redisKeyPrefix = "importer:job:"

// RedisStore keeps job snapshots as JSON strings, with a sorted set indexing
// them by creation time.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps client. ttl of zero keeps snapshots until purged.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func jobKey(id string) string    { return redisKeyPrefix + id }
func cancelKey(id string) string { return redisKeyPrefix + id + ":cancel" }
func workerKey(id string) string { return redisKeyPrefix + id + ":worker" }

const indexKey = "importer:jobs"

func (s *RedisStore) Save(ctx context.Context, job models.ImportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, s.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (models.ImportJob, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ImportJob{}, models.ErrJobNotFound
	}
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("failed to get job from redis: %w", err)
	}

	var job models.ImportJob
	if err := json.Unmarshal(data, &job); err != nil {
		return models.ImportJob{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]models.ImportJob, error) {
	ids, err := s.client.ZRevRange(ctx, indexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	out := make([]models.ImportJob, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired snapshot
		}
		var job models.ImportJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(id), cancelKey(id), workerKey(id))
	pipe.ZRem(ctx, indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, id string) (bool, error) {
	return s.client.SetNX(ctx, workerKey(id), time.Now().Format(time.RFC3339), s.ttl).Result()
}

func (s *RedisStore) RequestCancel(ctx context.Context, id string) error {
	return s.client.Set(ctx, cancelKey(id), "1", s.ttl).Err()
}

func (s *RedisStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, cancelKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
