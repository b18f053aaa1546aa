// Package asynq runs the worker against a Redis-backed asynq queue: a
// client-side enqueuer and a server-side consumer that maps task payloads to
// dispatch calls. Retry scheduling belongs to asynq; the consumer only
// decides whether a failure is worth retrying.
package asynq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	asynqlib "github.com/hibiken/asynq"

	"github.com/flowsmartly/avatar-worker/core"
)

// TypeGenerateJob is the task type every avatar job travels under.
const TypeGenerateJob = "avatar:job:generate"

const defaultQueueName = "avatar_jobs"

// JSONDispatcher turns one raw payload into exactly one result.
// inbound.Dispatcher satisfies it.
type JSONDispatcher interface {
	DispatchJSON(ctx context.Context, raw []byte) core.JobResult
}

// NewGenerateTask serializes an envelope into an asynq task. The payload is
// the same platform JSON the HTTP surface accepts, so both paths feed the
// dispatcher identically. The idempotency key becomes the asynq task id,
// which gives broker-level dedupe on top of the claim store.
func NewGenerateTask(envelope *core.JobEnvelope) (*asynqlib.Task, []asynqlib.Option, error) {
	if envelope == nil {
		return nil, nil, fmt.Errorf("asynq: envelope is required")
	}
	payload := make(map[string]any, len(envelope.Payload)+1)
	for key, value := range envelope.Payload {
		payload[key] = value
	}
	if id := strings.TrimSpace(envelope.JobID); id != "" {
		payload["id"] = id
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("asynq: marshal task payload: %w", err)
	}
	var opts []asynqlib.Option
	if key := strings.TrimSpace(envelope.IdempotencyKey); key != "" {
		opts = append(opts, asynqlib.TaskID(key))
	}
	return asynqlib.NewTask(TypeGenerateJob, raw), opts, nil
}

// Enqueuer pushes envelopes onto the asynq queue.
type Enqueuer struct {
	client *asynqlib.Client
	queue  string
}

func NewEnqueuer(cfg core.QueueConfig) *Enqueuer {
	queue := strings.TrimSpace(cfg.Name)
	if queue == "" {
		queue = defaultQueueName
	}
	return &Enqueuer{
		client: asynqlib.NewClient(asynqlib.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}),
		queue: queue,
	}
}

func (e *Enqueuer) Enqueue(ctx context.Context, envelope *core.JobEnvelope) error {
	if e == nil || e.client == nil {
		return fmt.Errorf("asynq: enqueuer is not configured")
	}
	task, opts, err := NewGenerateTask(envelope)
	if err != nil {
		return err
	}
	opts = append(opts, asynqlib.Queue(e.queue))
	if _, err := e.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("asynq: enqueue %s: %w", TypeGenerateJob, err)
	}
	return nil
}

func (e *Enqueuer) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}

// Handler consumes generate tasks. Task handler errors drive asynq's retry
// machinery: plain errors retry, SkipRetry-wrapped errors do not.
type Handler struct {
	dispatcher JSONDispatcher
	logger     core.Logger
}

func NewHandler(dispatcher JSONDispatcher, logger core.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, logger: logger}
}

func (h *Handler) HandleGenerateJob(ctx context.Context, task *asynqlib.Task) error {
	if h == nil || h.dispatcher == nil {
		return fmt.Errorf("asynq: dispatcher is not configured: %w", asynqlib.SkipRetry)
	}

	result := h.dispatcher.DispatchJSON(ctx, task.Payload())
	if result.Error == nil {
		h.logInfo(ctx, "asynq: job completed",
			"job_id", result.JobID,
			"engine", result.Engine,
			"output_url", result.OutputURL,
		)
		return nil
	}

	if result.Error.Retryable {
		return fmt.Errorf("%s: %s", result.Error.Kind, result.Error.Message)
	}
	return fmt.Errorf("%s: %s: %w", result.Error.Kind, result.Error.Message, asynqlib.SkipRetry)
}

func (h *Handler) logInfo(ctx context.Context, message string, args ...any) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.WithContext(ctx).Info(message, args...)
}

// NewServeMux routes the generate task type to the handler.
func NewServeMux(handler *Handler) *asynqlib.ServeMux {
	mux := asynqlib.NewServeMux()
	mux.HandleFunc(TypeGenerateJob, handler.HandleGenerateJob)
	return mux
}

// Consumer owns the asynq server lifecycle. Concurrency is pinned to 1: the
// generation engine fully occupies the accelerator, so one task at a time is
// the correct ceiling regardless of queue depth.
type Consumer struct {
	server *asynqlib.Server
	mux    *asynqlib.ServeMux
}

func NewConsumer(cfg core.QueueConfig, dispatcher JSONDispatcher, logger core.Logger) *Consumer {
	queue := strings.TrimSpace(cfg.Name)
	if queue == "" {
		queue = defaultQueueName
	}
	server := asynqlib.NewServer(
		asynqlib.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		},
		asynqlib.Config{
			Concurrency: 1,
			Queues:      map[string]int{queue: 1},
		},
	)
	return &Consumer{
		server: server,
		mux:    NewServeMux(NewHandler(dispatcher, logger)),
	}
}

// Run blocks until ctx is canceled, then drains in-flight tasks through the
// server shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	if c == nil || c.server == nil {
		return fmt.Errorf("asynq: consumer is not configured")
	}
	go func() {
		<-ctx.Done()
		c.server.Shutdown()
	}()
	return c.server.Run(c.mux)
}

var _ core.JobEnqueuer = (*Enqueuer)(nil)
