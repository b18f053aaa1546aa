package avatarworker_test

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	avatarworker "github.com/flowsmartly/avatar-worker"
	"github.com/flowsmartly/avatar-worker/command"
	"github.com/flowsmartly/avatar-worker/core"
	"github.com/flowsmartly/avatar-worker/inbound"
	"github.com/flowsmartly/avatar-worker/queue"
	"github.com/flowsmartly/avatar-worker/worker"
)

// The downstream shape: a host that owns none of the runtime internals
// composes the queue, the worker loop, and the facade, then observes one
// job travel the whole lifecycle.
func TestDownstreamComposition_QueueToLedgerThroughPublicSurface(t *testing.T) {
	fetcher := &compositionFetcher{}
	engine := &compositionEngine{name: "musetalk"}
	store := &compositionStore{}
	ledger := newCompositionLedger()

	svc, err := avatarworker.NewService(
		avatarworker.Config{ScratchRoot: t.TempDir()},
		avatarworker.WithRemoteFetcher(fetcher),
		avatarworker.WithObjectStore(store),
		avatarworker.WithEngine(engine),
		avatarworker.WithJobStore(ledger),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	q := queue.NewMemoryQueue(4)
	defer q.Close()

	recorder := &compositionHook{}
	w := worker.New(q, inbound.NewDispatcher(svc, inbound.NewInMemoryClaimStore()))
	w.Hooks = []core.JobWorkerHook{recorder}
	w.Readiness = svc

	payload := map[string]any{
		"id": "job-42",
		"input": map[string]any{
			"input_image_url": "https://cdn.example.com/face.png",
			"input_audio_url": "https://cdn.example.com/line.wav",
		},
	}
	if err := q.Enqueue(context.Background(), &core.JobEnvelope{JobID: "job-42", Payload: payload}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for recorder.successCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never completed through the composed runtime")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never stopped")
	}

	if got := store.lastKey(); got != "jobs/job-42/output.mp4" {
		t.Fatalf("expected templated object key, got %q", got)
	}
	genReq := engine.lastRequest()
	if !strings.HasPrefix(genReq.ImagePath, svc.Config().ScratchRoot) {
		t.Fatalf("expected staged image inside the scratch root, got %q", genReq.ImagePath)
	}

	facade, err := avatarworker.NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	job, err := facade.Queries().GetJob.Query(context.Background(), command.GetJobMessage{JobID: "job-42"})
	if err != nil {
		t.Fatalf("ledger lookup through facade: %v", err)
	}
	if job.Status != core.JobStatusCompleted {
		t.Fatalf("expected completed ledger record, got %q", job.Status)
	}
	if job.OutputURL != "https://store.example.com/jobs/job-42/output.mp4" {
		t.Fatalf("unexpected output url: %q", job.OutputURL)
	}
	if job.Engine != "musetalk" {
		t.Fatalf("unexpected ledger engine: %q", job.Engine)
	}

	recent, err := facade.Queries().ListRecentJobs.Query(context.Background(), command.ListRecentJobsMessage{Limit: 10})
	if err != nil {
		t.Fatalf("recent jobs through facade: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "job-42" {
		t.Fatalf("expected job-42 in the recent listing, got %#v", recent)
	}
}

type compositionFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *compositionFetcher) Fetch(_ context.Context, req core.FetchRequest) (core.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	contentType := "image/png"
	if req.ExpectKind == core.MediaKindAudio {
		contentType = "audio/wav"
	}
	return core.FetchResult{Path: req.DestPath, BytesWritten: 2048, ContentType: contentType}, nil
}

type compositionEngine struct {
	mu   sync.Mutex
	name string
	last core.GenerationRequest
}

func (e *compositionEngine) Name() string { return e.name }

func (e *compositionEngine) Generate(_ context.Context, req core.GenerationRequest) (core.GenerationArtifact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = req
	return core.GenerationArtifact{
		VideoPath:       filepath.Join(req.OutputDir, "result.mp4"),
		DurationSeconds: 2,
		FrameCount:      50,
	}, nil
}

func (e *compositionEngine) lastRequest() core.GenerationRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

type compositionStore struct {
	mu   sync.Mutex
	keys []string
}

func (s *compositionStore) Upload(_ context.Context, req core.UploadRequest) (core.UploadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, req.Key)
	return core.UploadResult{
		URL:   "https://store.example.com/" + req.Key,
		Key:   req.Key,
		Bytes: 1024,
		ETag:  "etag-1",
	}, nil
}

func (s *compositionStore) lastKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keys) == 0 {
		return ""
	}
	return s.keys[len(s.keys)-1]
}

type compositionHook struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (h *compositionHook) OnStart(context.Context, core.JobWorkerEvent) {}

func (h *compositionHook) OnSuccess(context.Context, core.JobWorkerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes++
}

func (h *compositionHook) OnFailure(context.Context, core.JobWorkerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
}

func (h *compositionHook) successCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.successes
}

type compositionLedger struct {
	mu    sync.Mutex
	jobs  map[string]core.Job
	order []string
}

func newCompositionLedger() *compositionLedger {
	return &compositionLedger{jobs: map[string]core.Job{}}
}

func (l *compositionLedger) Create(_ context.Context, in core.CreateJobInput) (core.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	job := core.Job{
		ID:        in.ID,
		Engine:    in.Engine,
		ImageURL:  in.ImageURL,
		AudioURL:  in.AudioURL,
		Options:   in.Options,
		Status:    in.Status,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.jobs[in.ID] = job
	l.order = append(l.order, in.ID)
	return job, nil
}

func (l *compositionLedger) MarkStatus(_ context.Context, id string, status core.JobStatus) (core.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return core.Job{}, core.ErrJobNotFound
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	l.jobs[id] = job
	return job, nil
}

func (l *compositionLedger) MarkResult(_ context.Context, id string, result core.JobResult, duration time.Duration) (core.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return core.Job{}, core.ErrJobNotFound
	}
	if result.Succeeded() {
		job.Status = core.JobStatusCompleted
	} else {
		job.Status = core.JobStatusFailed
	}
	job.OutputURL = result.OutputURL
	if result.Engine != "" {
		job.Engine = result.Engine
	}
	if result.Error != nil {
		job.ErrorKind = string(result.Error.Kind)
		job.ErrorMessage = result.Error.Message
		job.Retryable = result.Error.Retryable
	}
	now := time.Now().UTC()
	job.DurationMS = duration.Milliseconds()
	job.FinishedAt = &now
	job.UpdatedAt = now
	l.jobs[id] = job
	return job, nil
}

func (l *compositionLedger) GetByID(_ context.Context, id string) (core.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return core.Job{}, core.ErrJobNotFound
	}
	return job, nil
}

func (l *compositionLedger) ListRecent(_ context.Context, limit int) ([]core.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := append([]string(nil), l.order...)
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	out := make([]core.Job, 0, len(ids))
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, l.jobs[id])
	}
	return out, nil
}
