// Package redisstore backs the duplicate-delivery guard with Redis so claims
// hold across worker restarts and between replicas sharing one queue.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowsmartly/avatar-worker/core"
)

const (
	defaultKeyPrefix      = "avatar_jobs"
	defaultClaimLease     = 10 * time.Minute
	defaultClaimRetention = 10 * time.Minute

	claimIDSeparator = "#"

	// Marker values never contain the claim id separator, so a stored value
	// with a separator always identifies the active claim holder.
	claimValueCompleted    = "completed"
	claimValueRetryPending = "retry_pending"
)

type redisAPI interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// ClaimStore maps the claim lifecycle onto key TTLs: an active claim expires
// with its lease, a completed claim keeps a dedupe marker for Retention, and
// a failed claim keeps a retry gate until its retry time. A key with no value
// is claimable.
type ClaimStore struct {
	client redisAPI
	prefix string

	// Retention bounds how long a completed claim keeps rejecting duplicate
	// deliveries of the same key.
	Retention time.Duration
	Now       func() time.Time
}

// New connects to the Redis instance named by the queue configuration.
func New(cfg core.QueueConfig) (*ClaimStore, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, claimBadInput("redisstore: queue.redis_addr is required", nil)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
	})
	return NewWithAPI(client, cfg.Name), nil
}

// NewWithAPI wires the store over an existing client. A blank prefix falls
// back to the default queue namespace.
func NewWithAPI(api redisAPI, prefix string) *ClaimStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &ClaimStore{
		client:    api,
		prefix:    prefix,
		Retention: defaultClaimRetention,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Claim is a single SETNX: the first delivery of a key wins the claim and
// every later delivery is rejected until the key expires or is released.
func (s *ClaimStore) Claim(ctx context.Context, key string, lease time.Duration) (string, bool, error) {
	if s == nil || s.client == nil {
		return "", false, claimInternal("redisstore: claim store is not configured", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, claimBadInput("redisstore: idempotency key is required", nil)
	}
	if lease <= 0 {
		lease = defaultClaimLease
	}

	claimID := key + claimIDSeparator + uuid.NewString()
	accepted, err := s.client.SetNX(ctx, s.claimKey(key), claimID, lease).Result()
	if err != nil {
		return "", false, claimWrapError(err, "redisstore: claim write failed", map[string]any{"key": key})
	}
	if !accepted {
		return "", false, nil
	}
	return claimID, true, nil
}

// Complete converts the claim into a dedupe marker that outlives the job by
// Retention. A claim whose lease already lapsed, or that another delivery has
// since taken over, is left alone.
func (s *ClaimStore) Complete(ctx context.Context, claimID string) error {
	if s == nil || s.client == nil {
		return claimInternal("redisstore: claim store is not configured", nil)
	}
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return claimBadInput("redisstore: claim id is required", nil)
	}
	key, ok := splitClaimID(claimID)
	if !ok {
		return claimBadInput("redisstore: claim id is malformed", map[string]any{"claim_id": claimID})
	}

	claimKey := s.claimKey(key)
	current, err := s.client.Get(ctx, claimKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return claimWrapError(err, "redisstore: claim read failed", map[string]any{"key": key})
	}
	if current != claimID {
		return nil
	}
	if err := s.client.Set(ctx, claimKey, claimValueCompleted, s.retention()).Err(); err != nil {
		return claimWrapError(err, "redisstore: claim completion failed", map[string]any{"key": key})
	}
	return nil
}

// Fail releases the claim. A future retryAt leaves a gate that keeps the key
// unclaimable until then; a zero or past retryAt deletes the key so the next
// delivery may claim immediately. The cause travels in the job result, not in
// the claim key.
func (s *ClaimStore) Fail(ctx context.Context, claimID string, _ error, retryAt time.Time) error {
	if s == nil || s.client == nil {
		return claimInternal("redisstore: claim store is not configured", nil)
	}
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return claimBadInput("redisstore: claim id is required", nil)
	}
	key, ok := splitClaimID(claimID)
	if !ok {
		return claimBadInput("redisstore: claim id is malformed", map[string]any{"claim_id": claimID})
	}

	claimKey := s.claimKey(key)
	current, err := s.client.Get(ctx, claimKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return claimWrapError(err, "redisstore: claim read failed", map[string]any{"key": key})
	}
	if current != claimID {
		return nil
	}

	if gate := retryAt.Sub(s.now()); gate > 0 {
		if err := s.client.Set(ctx, claimKey, claimValueRetryPending, gate).Err(); err != nil {
			return claimWrapError(err, "redisstore: claim retry gate failed", map[string]any{"key": key})
		}
		return nil
	}
	if err := s.client.Del(ctx, claimKey).Err(); err != nil {
		return claimWrapError(err, "redisstore: claim release failed", map[string]any{"key": key})
	}
	return nil
}

func (s *ClaimStore) claimKey(key string) string {
	return fmt.Sprintf("%s:claim:%s", s.prefix, key)
}

func (s *ClaimStore) retention() time.Duration {
	if s != nil && s.Retention > 0 {
		return s.Retention
	}
	return defaultClaimRetention
}

func (s *ClaimStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func splitClaimID(claimID string) (string, bool) {
	idx := strings.LastIndex(claimID, claimIDSeparator)
	if idx <= 0 || idx == len(claimID)-1 {
		return "", false
	}
	return claimID[:idx], true
}

var _ core.IdempotencyClaimStore = (*ClaimStore)(nil)
