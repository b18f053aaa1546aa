package core

import (
	"context"
	"path/filepath"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// FetchRequest asks the remote fetcher to stage one payload on local disk.
type FetchRequest struct {
	URL        string
	DestPath   string
	ExpectKind MediaKind
	MaxBytes   int64
	Timeout    time.Duration
}

type FetchResult struct {
	Path         string
	BytesWritten int64
	ContentType  string
	Metadata     map[string]any
}

type RemoteFetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// UploadRequest moves one local artifact to the object store. The store must
// confirm the write before returning a URL.
type UploadRequest struct {
	LocalPath   string
	Key         string
	ContentType string
	Metadata    map[string]string
}

type UploadResult struct {
	URL   string
	Key   string
	Bytes int64
	ETag  string
}

type ObjectStore interface {
	Upload(ctx context.Context, req UploadRequest) (UploadResult, error)
}

type GenerationRequest struct {
	JobID     string
	ImagePath string
	AudioPath string
	OutputDir string
	Options   GenerationOptions
}

type GenerationOptions struct {
	FPS       int
	BatchSize int
	Timeout   time.Duration
	Extra     map[string]any
}

// GenerationEngine is the opaque inference capability. One call fully
// occupies the accelerator; callers serialize invocations per worker.
type GenerationEngine interface {
	Name() string
	Generate(ctx context.Context, req GenerationRequest) (GenerationArtifact, error)
}

// EngineProber is implemented by engines that can report readiness before
// the worker starts accepting jobs.
type EngineProber interface {
	Probe(ctx context.Context) error
}

type EngineRegistry interface {
	Register(engine GenerationEngine) error
	Get(name string) (GenerationEngine, bool)
	List() []GenerationEngine
}

// ScratchDir is one job's private workspace on local disk.
type ScratchDir struct {
	Dir string
}

func (d ScratchDir) File(name string) string {
	if d.Dir == "" {
		return name
	}
	return filepath.Join(d.Dir, name)
}

type ScratchAllocator interface {
	Allocate(jobID string) (ScratchDir, error)
	Release(dir ScratchDir) error
}

type CreateJobInput struct {
	ID       string
	Engine   string
	ImageURL string
	AudioURL string
	Options  map[string]any
	Status   JobStatus
}

// JobStore is the worker's job ledger. It records lifecycle progress for
// operators; ledger failures never fail the job itself.
type JobStore interface {
	Create(ctx context.Context, in CreateJobInput) (Job, error)
	MarkStatus(ctx context.Context, id string, status JobStatus) (Job, error)
	MarkResult(ctx context.Context, id string, result JobResult, duration time.Duration) (Job, error)
	GetByID(ctx context.Context, id string) (Job, error)
	ListRecent(ctx context.Context, limit int) ([]Job, error)
}

// IdempotencyClaimStore guards against duplicate deliveries of the same job.
// Claim returns accepted=false when another delivery already holds the key.
type IdempotencyClaimStore interface {
	Claim(ctx context.Context, key string, lease time.Duration) (claimID string, accepted bool, err error)
	Complete(ctx context.Context, claimID string) error
	Fail(ctx context.Context, claimID string, cause error, retryAt time.Time) error
}

type StoreProvider interface {
	JobStore() JobStore
}

// RepositoryStoreFactory builds the ledger stores from a persistence client
// supplied at wiring time.
type RepositoryStoreFactory interface {
	BuildStores(client any) (StoreProvider, error)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// JobEnvelope is the queue representation of one inbound job.
type JobEnvelope struct {
	JobID          string
	Payload        map[string]any
	IdempotencyKey string
	EnqueuedAt     time.Time
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, envelope *JobEnvelope) error
}

type JobDelivery interface {
	Envelope() *JobEnvelope
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Envelope  *JobEnvelope
	Result    *JobResult
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// JobExecutor runs one job end to end and always returns a terminal result.
type JobExecutor interface {
	ExecuteJob(ctx context.Context, req JobRequest) JobResult
}

type EngineReadiness struct {
	Name   string
	Ready  bool
	Detail string
}

type ReadinessReport struct {
	WorkerName      string
	Engines         []EngineReadiness
	StoreConfigured bool
	LedgerReady     bool
	CheckedAt       time.Time
}

func (r ReadinessReport) Ready() bool {
	for _, engine := range r.Engines {
		if engine.Ready {
			return true
		}
	}
	return false
}
