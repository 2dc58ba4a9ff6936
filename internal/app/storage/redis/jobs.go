// Package redis stores settlement jobs in Redis with per-entry expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/settlement"
	"github.com/R3E-Network/sessionpay/internal/app/storage"
	"github.com/R3E-Network/sessionpay/internal/chain"
	goredis "github.com/go-redis/redis/v8"
)

const keyPrefix = "session:"

// JobStore implements storage.JobStore on a Redis client.
type JobStore struct {
	client goredis.UniversalClient
}

var _ storage.JobStore = (*JobStore)(nil)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and pings it.
func New(ctx context.Context, opts Options) (*JobStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &JobStore{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient) *JobStore {
	return &JobStore{client: client}
}

// Close releases the underlying client.
func (s *JobStore) Close() error { return s.client.Close() }

// Ping reports whether Redis is reachable.
func (s *JobStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func jobKey(requestID chain.Hash) string {
	return keyPrefix + requestID.Hex()
}

func (s *JobStore) SaveJob(ctx context.Context, job settlement.Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.RequestID, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, jobKey(job.RequestID), data, ttl).Err()
}

func (s *JobStore) GetJob(ctx context.Context, requestID chain.Hash) (settlement.Job, error) {
	data, err := s.client.Get(ctx, jobKey(requestID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return settlement.Job{}, fmt.Errorf("job %s: %w", requestID, storage.ErrNotFound)
	}
	if err != nil {
		return settlement.Job{}, err
	}
	return decodeJob(data)
}

func (s *JobStore) ListJobs(ctx context.Context, status settlement.Status) ([]settlement.Job, error) {
	result := make([]settlement.Job, 0)
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		if status == "" || job.Status == status {
			result = append(result, job)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func decodeJob(data []byte) (settlement.Job, error) {
	var job settlement.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return settlement.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}
