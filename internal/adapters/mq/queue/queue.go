// Package queue holds attestation jobs between the API that accepts them
// and the worker pool that runs them.
package queue

import (
	"context"
	"sync"

	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/pkg/metrics"
)

const defaultCapacity = 1024

// Job is the payload flowing through the queue.
type Job = model.AttestationJob

// Queue is a bounded FIFO of attestation jobs. Enqueue never blocks.
type Queue interface {
	// Enqueue adds a job, or fails with ErrFull or ErrClosed.
	Enqueue(ctx context.Context, j Job) error

	// Dequeue returns a channel of jobs, closed once the queue is closed
	// and drained or ctx is done.
	Dequeue(ctx context.Context) <-chan Job

	Len(ctx context.Context) int
	Cap() int
	Close() error
	IsClosed() bool
}

// InMemoryQueue implements Queue on a buffered channel.
type InMemoryQueue struct {
	jobs     chan Job
	capacity int

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a queue configured by opts.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.jobs = make(chan Job, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	return q
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, j Job) error { //nolint:gocritic // hugeParam: jobs travel by value over the channel
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "closed")
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordQueueEnqueueError()
		return err
	}

	select {
	case q.jobs <- j:
		metrics.RecordQueueEnqueue()
		metrics.UpdateQueueSize(len(q.jobs))
		return nil
	default:
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "queue_full")
		return ErrFull
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Job {
	out := make(chan Job)
	go func() {
		defer close(out)
		for {
			select {
			case j, ok := <-q.jobs:
				if !ok {
					return
				}
				select {
				case out <- j:
					metrics.RecordQueueDequeue()
					metrics.UpdateQueueSize(len(q.jobs))
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (q *InMemoryQueue) Len(_ context.Context) int {
	n := len(q.jobs)
	metrics.UpdateQueueSize(n)
	return n
}

func (q *InMemoryQueue) Cap() int { return q.capacity }

// Close stops accepting jobs. Jobs already queued are still delivered.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.jobs)
	q.closed = true
	return nil
}

func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
