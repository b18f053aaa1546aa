// Package worker runs the serial job loop: one dequeue, one dispatch, one
// settlement at a time. The generation engine owns the accelerator for the
// whole call, so the loop never overlaps jobs.
package worker

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/flowsmartly/avatar-worker/core"
)

// payloadKeyDeliveryAttempts rides inside the job payload so the attempt
// count survives requeues and broker hops.
const payloadKeyDeliveryAttempts = "_delivery_attempts"

const dequeueFailurePause = 2 * time.Second

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     2 * time.Minute,
	}
}

// EnvelopeDispatcher turns one queue delivery into exactly one result.
// inbound.Dispatcher satisfies it.
type EnvelopeDispatcher interface {
	Dispatch(ctx context.Context, envelope core.JobEnvelope) core.JobResult
}

// ReadinessReporter is implemented by the service facade. The worker logs
// the report before accepting jobs; a degraded report does not stop the loop.
type ReadinessReporter interface {
	Readiness(ctx context.Context) core.ReadinessReport
}

// Worker consumes deliveries one at a time and settles each by its result:
// ack on success or permanent failure, delayed requeue on retryable failure,
// dead letter once the attempt budget is spent.
type Worker struct {
	Queue      core.JobDequeuer
	Dispatcher EnvelopeDispatcher
	Hooks      []core.JobWorkerHook
	Readiness  ReadinessReporter
	Logger     core.Logger
	Config     Config

	now func() time.Time
}

func New(queue core.JobDequeuer, dispatcher EnvelopeDispatcher) *Worker {
	return &Worker{
		Queue:      queue,
		Dispatcher: dispatcher,
		Config:     DefaultConfig(),
	}
}

// Run blocks until ctx is canceled. Dequeue faults are logged and retried
// after a pause so a broken queue cannot spin the loop hot.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.Queue == nil {
		return fmt.Errorf("worker: job dequeuer is required")
	}
	if w.Dispatcher == nil {
		return fmt.Errorf("worker: dispatcher is required")
	}

	w.logReadiness(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		delivery, err := w.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logError(ctx, "worker: dequeue failed", "error", err)
			select {
			case <-time.After(dequeueFailurePause):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		w.processDelivery(ctx, delivery)
	}
}

func (w *Worker) processDelivery(ctx context.Context, delivery core.JobDelivery) {
	if delivery == nil {
		return
	}
	envelope := delivery.Envelope()
	if envelope == nil {
		w.settle(ctx, delivery, "", func() error {
			return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: "empty delivery"})
		})
		return
	}

	startedAt := w.nowUTC()
	event := core.JobWorkerEvent{Envelope: envelope, StartedAt: startedAt}
	w.emit(ctx, func(h core.JobWorkerHook) { h.OnStart(ctx, event) })

	result := w.Dispatcher.Dispatch(ctx, *envelope)

	event.Result = &result
	event.Duration = w.nowUTC().Sub(startedAt)

	if result.Error == nil {
		w.emit(ctx, func(h core.JobWorkerHook) { h.OnSuccess(ctx, event) })
		w.logInfo(ctx, "worker: job completed",
			"job_id", result.JobID,
			"engine", result.Engine,
			"duration_ms", event.Duration.Milliseconds(),
		)
		w.settle(ctx, delivery, result.JobID, func() error {
			return delivery.Ack(ctx)
		})
		return
	}

	event.Err = fmt.Errorf("%s: %s", result.Error.Kind, result.Error.Message)
	w.emit(ctx, func(h core.JobWorkerHook) { h.OnFailure(ctx, event) })
	w.settleFailure(ctx, delivery, envelope, result)
}

// settleFailure decides what happens to a failed delivery. A permanent
// failure is acked: the result is already recorded and a redelivery would
// only replay it. A retryable failure goes back on the queue with backoff
// until the attempt budget runs out, then parks on the dead letter side.
func (w *Worker) settleFailure(ctx context.Context, delivery core.JobDelivery, envelope *core.JobEnvelope, result core.JobResult) {
	reason := string(result.Error.Kind)
	if !result.Error.Retryable {
		w.logInfo(ctx, "worker: job failed permanently",
			"job_id", result.JobID,
			"kind", reason,
		)
		w.settle(ctx, delivery, result.JobID, func() error {
			return delivery.Ack(ctx)
		})
		return
	}

	attempt := deliveryAttempts(envelope) + 1
	if attempt >= w.maxAttempts() {
		w.logError(ctx, "worker: retry budget exhausted, dead-lettering job",
			"job_id", result.JobID,
			"kind", reason,
			"attempts", attempt,
		)
		w.settle(ctx, delivery, result.JobID, func() error {
			return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: reason})
		})
		return
	}

	if envelope.Payload == nil {
		envelope.Payload = map[string]any{}
	}
	envelope.Payload[payloadKeyDeliveryAttempts] = attempt

	delay := w.backoffDelay(attempt)
	w.logInfo(ctx, "worker: requeueing retryable failure",
		"job_id", result.JobID,
		"kind", reason,
		"attempt", attempt,
		"delay_ms", delay.Milliseconds(),
	)
	w.settle(ctx, delivery, result.JobID, func() error {
		return delivery.Nack(ctx, core.JobNackOptions{Requeue: true, Delay: delay, Reason: reason})
	})
}

func (w *Worker) settle(ctx context.Context, delivery core.JobDelivery, jobID string, action func() error) {
	if delivery == nil {
		return
	}
	if err := action(); err != nil {
		w.logError(ctx, "worker: delivery settlement failed", "job_id", jobID, "error", err)
	}
}

// emit shields the loop from hook panics; a crashing observer must not take
// the worker down with it.
func (w *Worker) emit(ctx context.Context, deliver func(core.JobWorkerHook)) {
	for _, hook := range w.Hooks {
		if hook == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logError(ctx, "worker: job hook panicked", "panic", fmt.Sprint(r))
				}
			}()
			deliver(hook)
		}()
	}
}

func (w *Worker) logReadiness(ctx context.Context) {
	if w.Readiness == nil {
		return
	}
	report := w.Readiness.Readiness(ctx)
	engines := make([]string, 0, len(report.Engines))
	degraded := make([]string, 0)
	for _, engine := range report.Engines {
		if engine.Ready {
			engines = append(engines, engine.Name)
			continue
		}
		degraded = append(degraded, fmt.Sprintf("%s: %s", engine.Name, engine.Detail))
	}

	fields := []any{
		"worker", report.WorkerName,
		"engines_ready", strings.Join(engines, ","),
		"store_configured", report.StoreConfigured,
		"ledger_ready", report.LedgerReady,
	}
	if len(degraded) > 0 {
		fields = append(fields, "engines_degraded", strings.Join(degraded, "; "))
	}
	if report.Ready() {
		w.logInfo(ctx, "worker: ready to accept jobs", fields...)
		return
	}
	w.logError(ctx, "worker: starting degraded, no engine is ready", fields...)
}

func (w *Worker) maxAttempts() int {
	if w.Config.MaxAttempts <= 0 {
		return DefaultConfig().MaxAttempts
	}
	return w.Config.MaxAttempts
}

func (w *Worker) backoffDelay(attempt int) time.Duration {
	initial := w.Config.InitialBackoff
	if initial <= 0 {
		initial = DefaultConfig().InitialBackoff
	}
	ceiling := w.Config.MaxBackoff
	if ceiling <= 0 {
		ceiling = DefaultConfig().MaxBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	next := time.Duration(float64(initial) * math.Pow(2, float64(attempt-1)))
	if next < 0 || next > ceiling {
		return ceiling
	}
	return next
}

func (w *Worker) nowUTC() time.Time {
	if w != nil && w.now != nil {
		return w.now().UTC()
	}
	return time.Now().UTC()
}

func (w *Worker) logInfo(ctx context.Context, message string, args ...any) {
	if w == nil || w.Logger == nil {
		return
	}
	w.Logger.WithContext(ctx).Info(message, args...)
}

func (w *Worker) logError(ctx context.Context, message string, args ...any) {
	if w == nil || w.Logger == nil {
		return
	}
	w.Logger.WithContext(ctx).Error(message, args...)
}

// deliveryAttempts reads the attempt counter out of the payload. Brokers
// round-trip payloads through JSON, so numbers may come back as float64.
func deliveryAttempts(envelope *core.JobEnvelope) int {
	if envelope == nil || len(envelope.Payload) == 0 {
		return 0
	}
	raw, ok := envelope.Payload[payloadKeyDeliveryAttempts]
	if !ok {
		return 0
	}
	switch typed := raw.(type) {
	case int:
		if typed > 0 {
			return typed
		}
	case int64:
		if typed > 0 {
			return int(typed)
		}
	case float64:
		if typed > 0 {
			return int(typed)
		}
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(typed))
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}
