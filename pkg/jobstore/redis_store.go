// Package jobstore keeps a short-lived ledger of relayed RunPod jobs in Redis.
package jobstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "runpod-relay:job:"

// Record is the last known state of one relayed job.
type Record struct {
	JobID       string    `json:"job_id"`
	RequestID   string    `json:"request_id"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RedisStore wraps a Redis client for storing and retrieving job records.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed job ledger.
func NewRedisStore(addr, password string, db int, ttl time.Duration) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), ttl)
}

// NewRedisStoreWithClient uses an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Get retrieves a record by job ID.
// Returns the record and true if found, or zero value and false if not.
func (r *RedisStore) Get(ctx context.Context, jobID string) (Record, bool, error) {
	val, err := r.client.Get(ctx, keyPrefix+jobID).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errors.Wrap(err, "jobstore: get")
	}

	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, false, errors.Wrap(err, "jobstore: unmarshal")
	}

	return rec, true, nil
}

// Save stores a record, refreshing its TTL.
func (r *RedisStore) Save(ctx context.Context, rec Record) error {
	if rec.JobID == "" {
		return errors.New("jobstore: record has no job id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "jobstore: marshal")
	}

	if err := r.client.Set(ctx, keyPrefix+rec.JobID, string(data), r.ttl).Err(); err != nil {
		return errors.Wrap(err, "jobstore: set")
	}

	return nil
}

// Ping checks the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
