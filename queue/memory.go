// Package queue provides the in-process job queue behind the worker's
// enqueue/dequeue contracts: the local simulator and tests run on it, and
// broker-backed adapters replace it in hosted deployments.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/flowsmartly/avatar-worker/core"
)

const defaultCapacity = 64

// MemoryQueue is a bounded channel queue. Deliveries settle exactly once:
// an ack drops the envelope, a requeue nack puts it back after the
// requested delay, and a dead-letter nack parks it on the dead letter list.
type MemoryQueue struct {
	ch     chan *core.JobEnvelope
	closed chan struct{}

	mu          sync.Mutex
	closeOnce   sync.Once
	deadLetters []*core.JobEnvelope
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryQueue{
		ch:     make(chan *core.JobEnvelope, capacity),
		closed: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, envelope *core.JobEnvelope) error {
	if q == nil {
		return queueInternal("queue: memory queue is nil", nil)
	}
	if envelope == nil {
		return queueBadInput("queue: envelope is required", nil)
	}
	if envelope.EnqueuedAt.IsZero() {
		envelope.EnqueuedAt = time.Now().UTC()
	}
	select {
	case <-q.closed:
		return queueInternal("queue: enqueue on closed queue", map[string]any{"job_id": envelope.JobID})
	default:
	}
	select {
	case q.ch <- envelope:
		return nil
	case <-q.closed:
		return queueInternal("queue: enqueue on closed queue", map[string]any{"job_id": envelope.JobID})
	case <-ctx.Done():
		return queueWrapError(ctx.Err(), "queue: enqueue canceled", map[string]any{"job_id": envelope.JobID})
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if q == nil {
		return nil, queueInternal("queue: memory queue is nil", nil)
	}
	select {
	case envelope := <-q.ch:
		return &memoryDelivery{queue: q, envelope: envelope}, nil
	case <-q.closed:
		return nil, queueInternal("queue: dequeue on closed queue", nil)
	case <-ctx.Done():
		return nil, queueWrapError(ctx.Err(), "queue: dequeue canceled", nil)
	}
}

// Close wakes every blocked producer and consumer. Envelopes already in the
// channel stay readable until the process exits; the worker drains nothing
// on shutdown.
func (q *MemoryQueue) Close() {
	if q == nil {
		return
	}
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

func (q *MemoryQueue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

// DeadLetters returns the envelopes parked by dead-letter nacks, oldest
// first.
func (q *MemoryQueue) DeadLetters() []*core.JobEnvelope {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*core.JobEnvelope, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

func (q *MemoryQueue) parkDeadLetter(envelope *core.JobEnvelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetters = append(q.deadLetters, envelope)
}

// requeue puts a nacked envelope back without blocking the timer goroutine.
// A full or closed queue parks the envelope instead of dropping it.
func (q *MemoryQueue) requeue(envelope *core.JobEnvelope) {
	select {
	case <-q.closed:
		q.parkDeadLetter(envelope)
		return
	default:
	}
	select {
	case q.ch <- envelope:
	default:
		q.parkDeadLetter(envelope)
	}
}

type memoryDelivery struct {
	queue    *MemoryQueue
	envelope *core.JobEnvelope

	mu      sync.Mutex
	settled bool
}

func (d *memoryDelivery) Envelope() *core.JobEnvelope {
	if d == nil {
		return nil
	}
	return d.envelope
}

func (d *memoryDelivery) Ack(context.Context) error {
	return d.settle(func() {})
}

func (d *memoryDelivery) Nack(_ context.Context, opts core.JobNackOptions) error {
	return d.settle(func() {
		if opts.DeadLetter || !opts.Requeue {
			d.queue.parkDeadLetter(d.envelope)
			return
		}
		if opts.Delay > 0 {
			envelope := d.envelope
			time.AfterFunc(opts.Delay, func() {
				d.queue.requeue(envelope)
			})
			return
		}
		d.queue.requeue(d.envelope)
	})
}

func (d *memoryDelivery) settle(action func()) error {
	if d == nil || d.queue == nil {
		return queueInternal("queue: delivery is not bound to a queue", nil)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return queueInternal("queue: delivery already settled", map[string]any{"job_id": d.jobID()})
	}
	d.settled = true
	action()
	return nil
}

func (d *memoryDelivery) jobID() string {
	if d == nil || d.envelope == nil {
		return ""
	}
	return d.envelope.JobID
}

var (
	_ core.JobEnqueuer = (*MemoryQueue)(nil)
	_ core.JobDequeuer = (*MemoryQueue)(nil)
	_ core.JobDelivery = (*memoryDelivery)(nil)
)
