package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowsmartly/avatar-worker/core"
)

type scriptedCall struct {
	key        string
	value      string
	expiration time.Duration
}

type scriptedRedis struct {
	mu sync.Mutex

	setNX func(key string, value any, expiration time.Duration) *redis.BoolCmd
	set   func(key string, value any, expiration time.Duration) *redis.StatusCmd
	get   func(key string) *redis.StringCmd
	del   func(keys ...string) *redis.IntCmd

	setNXCalls []scriptedCall
	setCalls   []scriptedCall
	getKeys    []string
	delKeys    []string
}

func (r *scriptedRedis) SetNX(_ context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	r.mu.Lock()
	r.setNXCalls = append(r.setNXCalls, scriptedCall{key: key, value: fmt.Sprint(value), expiration: expiration})
	fn := r.setNX
	r.mu.Unlock()
	if fn != nil {
		return fn(key, value, expiration)
	}
	return redis.NewBoolResult(true, nil)
}

func (r *scriptedRedis) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	r.mu.Lock()
	r.setCalls = append(r.setCalls, scriptedCall{key: key, value: fmt.Sprint(value), expiration: expiration})
	fn := r.set
	r.mu.Unlock()
	if fn != nil {
		return fn(key, value, expiration)
	}
	return redis.NewStatusResult("OK", nil)
}

func (r *scriptedRedis) Get(_ context.Context, key string) *redis.StringCmd {
	r.mu.Lock()
	r.getKeys = append(r.getKeys, key)
	fn := r.get
	r.mu.Unlock()
	if fn != nil {
		return fn(key)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (r *scriptedRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	r.mu.Lock()
	r.delKeys = append(r.delKeys, keys...)
	fn := r.del
	r.mu.Unlock()
	if fn != nil {
		return fn(keys...)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (r *scriptedRedis) lastSetNX(t *testing.T) scriptedCall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.setNXCalls) == 0 {
		t.Fatal("expected a SETNX call")
	}
	return r.setNXCalls[len(r.setNXCalls)-1]
}

func (r *scriptedRedis) lastSet(t *testing.T) scriptedCall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.setCalls) == 0 {
		t.Fatal("expected a SET call")
	}
	return r.setCalls[len(r.setCalls)-1]
}

func (r *scriptedRedis) setCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.setCalls)
}

func (r *scriptedRedis) delCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delKeys)
}

func claimedStore(t *testing.T, api *scriptedRedis) (*ClaimStore, string) {
	t.Helper()
	store := NewWithAPI(api, "avatar_jobs")
	claimID, accepted, err := store.Claim(context.Background(), "jobs:render:42", 2*time.Minute)
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if !accepted {
		t.Fatal("expected the first delivery to win the claim")
	}
	return store, claimID
}

func TestClaimStore_ClaimAcceptsFirstDelivery(t *testing.T) {
	api := &scriptedRedis{}
	_, claimID := claimedStore(t, api)

	if claimID == "" {
		t.Fatal("expected a claim id")
	}
	if !strings.HasPrefix(claimID, "jobs:render:42"+claimIDSeparator) {
		t.Errorf("claim id %q does not carry its key", claimID)
	}

	call := api.lastSetNX(t)
	if call.key != "avatar_jobs:claim:jobs:render:42" {
		t.Errorf("claim key = %q", call.key)
	}
	if call.value != claimID {
		t.Errorf("stored value %q, want the claim id %q", call.value, claimID)
	}
	if call.expiration != 2*time.Minute {
		t.Errorf("lease = %v, want 2m", call.expiration)
	}
}

func TestClaimStore_ClaimRejectsDuplicateDelivery(t *testing.T) {
	api := &scriptedRedis{
		setNX: func(string, any, time.Duration) *redis.BoolCmd {
			return redis.NewBoolResult(false, nil)
		},
	}
	store := NewWithAPI(api, "avatar_jobs")

	claimID, accepted, err := store.Claim(context.Background(), "jobs:render:42", time.Minute)
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if accepted {
		t.Fatal("expected the duplicate delivery to be rejected")
	}
	if claimID != "" {
		t.Errorf("rejected claim returned id %q", claimID)
	}
}

func TestClaimStore_ClaimDefaultsLease(t *testing.T) {
	api := &scriptedRedis{}
	store := NewWithAPI(api, "avatar_jobs")

	if _, _, err := store.Claim(context.Background(), "jobs:render:42", 0); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if got := api.lastSetNX(t).expiration; got != defaultClaimLease {
		t.Errorf("lease = %v, want %v", got, defaultClaimLease)
	}
}

func TestClaimStore_ClaimRequiresKey(t *testing.T) {
	api := &scriptedRedis{}
	store := NewWithAPI(api, "avatar_jobs")

	_, accepted, err := store.Claim(context.Background(), "   ", time.Minute)
	if err == nil {
		t.Fatal("expected an error for a blank key")
	}
	if accepted {
		t.Error("blank key must not be accepted")
	}
	if len(api.setNXCalls) != 0 {
		t.Error("blank key must not reach the store")
	}
}

func TestClaimStore_CompleteKeepsDedupeMarker(t *testing.T) {
	api := &scriptedRedis{}
	store, claimID := claimedStore(t, api)
	store.Retention = 3 * time.Minute
	api.get = func(string) *redis.StringCmd {
		return redis.NewStringResult(claimID, nil)
	}

	if err := store.Complete(context.Background(), claimID); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	call := api.lastSet(t)
	if call.key != "avatar_jobs:claim:jobs:render:42" {
		t.Errorf("marker key = %q", call.key)
	}
	if call.value != claimValueCompleted {
		t.Errorf("marker value = %q, want %q", call.value, claimValueCompleted)
	}
	if call.expiration != 3*time.Minute {
		t.Errorf("marker retention = %v, want 3m", call.expiration)
	}
}

func TestClaimStore_CompleteIgnoresLapsedClaim(t *testing.T) {
	api := &scriptedRedis{}
	store, claimID := claimedStore(t, api)

	if err := store.Complete(context.Background(), claimID); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if api.setCount() != 0 {
		t.Error("a lapsed claim must not write a marker")
	}
}

func TestClaimStore_CompleteIgnoresSupersededClaim(t *testing.T) {
	api := &scriptedRedis{}
	store, claimID := claimedStore(t, api)
	api.get = func(string) *redis.StringCmd {
		return redis.NewStringResult("jobs:render:42"+claimIDSeparator+"someone-else", nil)
	}

	if err := store.Complete(context.Background(), claimID); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if api.setCount() != 0 {
		t.Error("a superseded claim must not write a marker")
	}
}

func TestClaimStore_CompleteRejectsMalformedClaimID(t *testing.T) {
	store := NewWithAPI(&scriptedRedis{}, "avatar_jobs")

	if err := store.Complete(context.Background(), "not-a-claim"); err == nil {
		t.Fatal("expected an error for a malformed claim id")
	}
	if err := store.Complete(context.Background(), "  "); err == nil {
		t.Fatal("expected an error for a blank claim id")
	}
}

func TestClaimStore_FailReleasesKeyForImmediateRetry(t *testing.T) {
	api := &scriptedRedis{}
	store, claimID := claimedStore(t, api)
	api.get = func(string) *redis.StringCmd {
		return redis.NewStringResult(claimID, nil)
	}

	err := store.Fail(context.Background(), claimID, errors.New("engine crashed"), time.Time{})
	if err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}
	if api.delCount() != 1 {
		t.Fatalf("DEL calls = %d, want 1", api.delCount())
	}
	if api.delKeys[0] != "avatar_jobs:claim:jobs:render:42" {
		t.Errorf("released key = %q", api.delKeys[0])
	}
	if api.setCount() != 0 {
		t.Error("an immediate release must not leave a retry gate")
	}
}

func TestClaimStore_FailGatesRetryUntilRetryAt(t *testing.T) {
	api := &scriptedRedis{}
	store, claimID := claimedStore(t, api)
	api.get = func(string) *redis.StringCmd {
		return redis.NewStringResult(claimID, nil)
	}
	fixed := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return fixed }

	err := store.Fail(context.Background(), claimID, errors.New("store unreachable"), fixed.Add(90*time.Second))
	if err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}

	call := api.lastSet(t)
	if call.value != claimValueRetryPending {
		t.Errorf("gate value = %q, want %q", call.value, claimValueRetryPending)
	}
	if call.expiration != 90*time.Second {
		t.Errorf("gate = %v, want 90s", call.expiration)
	}
	if api.delCount() != 0 {
		t.Error("a gated failure must not delete the key")
	}
}

func TestClaimStore_FailWithPastRetryAtReleasesKey(t *testing.T) {
	api := &scriptedRedis{}
	store, claimID := claimedStore(t, api)
	api.get = func(string) *redis.StringCmd {
		return redis.NewStringResult(claimID, nil)
	}
	fixed := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return fixed }

	err := store.Fail(context.Background(), claimID, nil, fixed.Add(-time.Second))
	if err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}
	if api.delCount() != 1 {
		t.Errorf("DEL calls = %d, want 1", api.delCount())
	}
}

func TestClaimStore_PropagatesCommandErrors(t *testing.T) {
	api := &scriptedRedis{
		setNX: func(string, any, time.Duration) *redis.BoolCmd {
			return redis.NewBoolResult(false, errors.New("i/o timeout"))
		},
	}
	store := NewWithAPI(api, "avatar_jobs")

	if _, _, err := store.Claim(context.Background(), "jobs:render:42", time.Minute); err == nil {
		t.Fatal("expected the SETNX error to surface")
	}

	api = &scriptedRedis{}
	store, claimID := claimedStore(t, api)
	api.get = func(string) *redis.StringCmd {
		return redis.NewStringResult("", errors.New("connection reset"))
	}
	if err := store.Complete(context.Background(), claimID); err == nil {
		t.Fatal("expected the GET error to surface")
	}
}

func TestClaimStore_PrefixFallsBackToDefault(t *testing.T) {
	api := &scriptedRedis{}
	store := NewWithAPI(api, "   ")

	if _, _, err := store.Claim(context.Background(), "jobs:render:42", time.Minute); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if got := api.lastSetNX(t).key; got != "avatar_jobs:claim:jobs:render:42" {
		t.Errorf("claim key = %q", got)
	}
}

func TestNew_RequiresRedisAddr(t *testing.T) {
	if _, err := New(core.QueueConfig{}); err == nil {
		t.Fatal("expected an error without a redis address")
	}

	store, err := New(core.QueueConfig{RedisAddr: "localhost:6379", Name: "avatar_jobs"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if store == nil {
		t.Fatal("expected a store")
	}
}
