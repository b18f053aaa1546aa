package avatarworker_test

import (
	"context"
	"testing"
	"time"

	avatarworker "github.com/flowsmartly/avatar-worker"
	"github.com/flowsmartly/avatar-worker/core"
	"github.com/flowsmartly/avatar-worker/inference/ffmpeg"
	"github.com/flowsmartly/avatar-worker/inference/musetalk"
)

func TestEngineFactoriesProduceNamedEngines(t *testing.T) {
	muse := avatarworker.MuseTalkEngine(musetalk.Config{WorkspaceDir: "/workspace/MuseTalk"})
	if muse == nil || muse.Name() != "musetalk" {
		t.Fatalf("expected musetalk engine, got %#v", muse)
	}

	still := avatarworker.FFmpegFallbackEngine(ffmpeg.Config{Timeout: time.Minute})
	if still == nil || still.Name() != "ffmpeg-still" {
		t.Fatalf("expected ffmpeg fallback engine, got %#v", still)
	}
}

func TestHTTPRemoteFetcherFactory(t *testing.T) {
	fetcher := avatarworker.HTTPRemoteFetcher()
	if fetcher == nil {
		t.Fatal("expected a fetcher")
	}
}

func TestMemoryJobQueueFactory(t *testing.T) {
	q := avatarworker.MemoryJobQueue(2)
	defer q.Close()

	err := q.Enqueue(context.Background(), &core.JobEnvelope{
		JobID:   "job-1",
		Payload: map[string]any{"input_image_url": "https://cdn.example.com/face.png"},
	})
	if err != nil {
		t.Fatalf("enqueue through factory-built queue: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one queued envelope, got %d", q.Len())
	}
}

func TestRedisClaimStoreFactoryRequiresAddr(t *testing.T) {
	if _, err := avatarworker.RedisClaimStore(core.QueueConfig{}); err == nil {
		t.Fatal("expected an error without a redis address")
	}
}
