package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"

	"github.com/flowsmartly/avatar-worker/core"
)

func TestEnvelopeMappingRoundTrip(t *testing.T) {
	original := &core.JobEnvelope{
		JobID: "job-1",
		Payload: map[string]any{
			"input_image_url": "https://cdn.example.com/face.png",
			"input_audio_url": "https://cdn.example.com/line.wav",
		},
		IdempotencyKey: "idem-1",
	}

	converted := ToExecutionMessage(original)
	if converted == nil {
		t.Fatalf("expected converted message")
	}
	if converted.JobID != JobIDGenerate {
		t.Fatalf("expected every envelope routed to %q, got %q", JobIDGenerate, converted.JobID)
	}
	if converted.Parameters[parameterKeyJobID] != "job-1" {
		t.Fatalf("expected instance id in parameters, got %v", converted.Parameters[parameterKeyJobID])
	}

	roundTrip := FromExecutionMessage(converted)
	if roundTrip.JobID != original.JobID {
		t.Fatalf("expected job id %q, got %q", original.JobID, roundTrip.JobID)
	}
	if roundTrip.IdempotencyKey != original.IdempotencyKey {
		t.Fatalf("expected idempotency key %q, got %q", original.IdempotencyKey, roundTrip.IdempotencyKey)
	}
	if roundTrip.Payload["input_image_url"] != "https://cdn.example.com/face.png" {
		t.Fatalf("expected payload to survive mapping")
	}
}

func TestEnqueueAndDequeueAdapters(t *testing.T) {
	ctx := context.Background()
	enqueuer := &stubQueueEnqueuer{}
	enqueueAdapter := NewEnqueuerAdapter(enqueuer)
	enqueueAdapter.DedupPolicy = "drop"

	envelope := &core.JobEnvelope{
		JobID:          "job-2",
		Payload:        map[string]any{"input_image_url": "https://cdn.example.com/face.png"},
		IdempotencyKey: "idem-2",
	}
	if err := enqueueAdapter.Enqueue(ctx, envelope); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.JobID != JobIDGenerate {
		t.Fatalf("expected mapped go-job message")
	}
	if enqueuer.last.DedupPolicy != job.DeduplicationPolicy("drop") {
		t.Fatalf("expected dedup policy stamp, got %q", enqueuer.last.DedupPolicy)
	}

	dequeuer := &stubQueueDequeuer{delivery: &stubQueueDelivery{msg: enqueuer.last}}
	dequeueAdapter := NewDequeuerAdapter(dequeuer, RetryPolicy{})
	delivery, err := dequeueAdapter.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	got := delivery.Envelope()
	if got == nil || got.JobID != "job-2" {
		t.Fatalf("expected instance id back, got %+v", got)
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !dequeuer.delivery.(*stubQueueDelivery).acked {
		t.Fatalf("expected ack on underlying delivery")
	}
}

func TestNackRetryPolicyBoundaries(t *testing.T) {
	ctx := context.Background()
	rawDelivery := &stubQueueDelivery{
		msg: &job.ExecutionMessage{
			JobID:      JobIDGenerate,
			Parameters: map[string]any{parameterKeyJobID: "job-3"},
		},
	}
	adapter := NewDeliveryAdapter(rawDelivery, RetryPolicy{
		MaxAttempts:     3,
		MaxDelay:        10 * time.Second,
		DeadLetterOnMax: true,
	})

	if err := adapter.Nack(ctx, core.JobNackOptions{
		Delay:   30 * time.Second,
		Requeue: true,
		Reason:  "fetch_timeout",
	}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if rawDelivery.nackOpts.Delay != 10*time.Second {
		t.Fatalf("expected delay to be bounded, got %s", rawDelivery.nackOpts.Delay)
	}
	if !rawDelivery.nackOpts.Requeue {
		t.Fatalf("expected requeue before the attempt budget")
	}

	// The worker loop parks the attempt counter in the payload; at the
	// budget the policy flips the nack to a dead letter.
	rawDelivery.msg.Parameters["_delivery_attempts"] = 3
	if err := adapter.Nack(ctx, core.JobNackOptions{
		Delay:   time.Second,
		Requeue: true,
		Reason:  "inference_timeout",
	}); err != nil {
		t.Fatalf("nack at budget: %v", err)
	}
	if rawDelivery.nackOpts.Requeue {
		t.Fatalf("expected no requeue once the attempt budget is reached")
	}
	if !rawDelivery.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter at the attempt budget")
	}
}

func TestWorkerHookAdapterEventMapping(t *testing.T) {
	now := time.Now().UTC().Add(-time.Second)
	coreHook := &capturingHook{}
	adapter := NewWorkerHookAdapter(coreHook)

	evt := worker.Event{
		Message: &job.ExecutionMessage{
			JobID:          JobIDGenerate,
			Parameters:     map[string]any{parameterKeyJobID: "job-4"},
			IdempotencyKey: "idem-4",
		},
		Err:       errors.New("fetch_timeout: audio fetch failed"),
		StartedAt: now,
		Duration:  250 * time.Millisecond,
	}

	adapter.OnRetry(context.Background(), evt)
	if coreHook.failures != 1 {
		t.Fatalf("expected retry events to surface as failures, got %d", coreHook.failures)
	}
	if coreHook.last.Envelope == nil || coreHook.last.Envelope.JobID != "job-4" {
		t.Fatalf("expected envelope mapping, got %+v", coreHook.last.Envelope)
	}
	if coreHook.last.Duration != 250*time.Millisecond {
		t.Fatalf("expected duration mapping")
	}
	if coreHook.last.StartedAt.IsZero() {
		t.Fatalf("expected started_at mapping")
	}
	if coreHook.last.Err == nil {
		t.Fatalf("expected error mapping")
	}

	adapter.OnStart(context.Background(), evt)
	if coreHook.starts != 1 {
		t.Fatalf("expected start mapping, got %d", coreHook.starts)
	}
	adapter.OnSuccess(context.Background(), evt)
	if coreHook.successes != 1 {
		t.Fatalf("expected success mapping, got %d", coreHook.successes)
	}
}

func TestAdapterNilGuards(t *testing.T) {
	var enqueuer *EnqueuerAdapter
	if err := enqueuer.Enqueue(context.Background(), &core.JobEnvelope{}); err == nil {
		t.Fatalf("expected error from nil enqueuer")
	}
	if err := NewEnqueuerAdapter(&stubQueueEnqueuer{}).Enqueue(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil envelope")
	}
	var dequeuer *DequeuerAdapter
	if _, err := dequeuer.Dequeue(context.Background()); err == nil {
		t.Fatalf("expected error from nil dequeuer")
	}
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.last = msg
	return nil
}

type stubQueueDequeuer struct {
	delivery queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	return s.delivery, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nackOpts = opts
	return nil
}

type capturingHook struct {
	starts    int
	successes int
	failures  int
	last      core.JobWorkerEvent
}

func (h *capturingHook) OnStart(_ context.Context, event core.JobWorkerEvent) {
	h.starts++
	h.last = event
}

func (h *capturingHook) OnSuccess(_ context.Context, event core.JobWorkerEvent) {
	h.successes++
	h.last = event
}

func (h *capturingHook) OnFailure(_ context.Context, event core.JobWorkerEvent) {
	h.failures++
	h.last = event
}
