package avatarworker

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/flowsmartly/avatar-worker/core"
	"github.com/flowsmartly/avatar-worker/fetch"
	"github.com/flowsmartly/avatar-worker/inference/ffmpeg"
	"github.com/flowsmartly/avatar-worker/inference/musetalk"
	"github.com/flowsmartly/avatar-worker/queue"
	redisstore "github.com/flowsmartly/avatar-worker/store/redis"
	s3store "github.com/flowsmartly/avatar-worker/store/s3"
	sqlstore "github.com/flowsmartly/avatar-worker/store/sql"
)

// One-call constructors for the stock runtime pieces. Hosts that need
// custom wiring use the underlying packages directly.

func MuseTalkEngine(cfg musetalk.Config) core.GenerationEngine {
	return musetalk.NewEngine(nil, cfg)
}

func FFmpegFallbackEngine(cfg ffmpeg.Config) core.GenerationEngine {
	return ffmpeg.NewEngine(nil, cfg)
}

func HTTPRemoteFetcher() core.RemoteFetcher {
	return fetch.NewHTTPFetcher(nil)
}

func S3ObjectStore(ctx context.Context, cfg core.StoreConfig) (core.ObjectStore, error) {
	return s3store.New(ctx, cfg)
}

func SQLJobStore(db *bun.DB) (core.JobStore, error) {
	return sqlstore.NewJobStore(db)
}

func RedisClaimStore(cfg core.QueueConfig) (core.IdempotencyClaimStore, error) {
	return redisstore.New(cfg)
}

func MemoryJobQueue(capacity int) *queue.MemoryQueue {
	return queue.NewMemoryQueue(capacity)
}
