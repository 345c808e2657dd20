package queue

import (
	"context"
	"sync"
)

// MemoryQueue implements Queue on a buffered channel. It backs tests and
// single-process deployments where the API and worker share a process.
//
// The task channel is never closed, so a blocked Enqueue cannot race a
// concurrent Close; shutdown is signalled through done instead.
type MemoryQueue struct {
	tasks chan Task
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue creates an in-memory queue with the given buffer size.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{
		tasks: make(chan Task, size),
		done:  make(chan struct{}),
	}
}

// Enqueue pushes a task, blocking if the buffer is full. After Close it
// returns ErrClosed.
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a task is available, the context is done, or the
// queue is closed and drained.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task := <-q.tasks:
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	case <-q.done:
		// Hand out what was buffered before the close.
		select {
		case task := <-q.tasks:
			return task, nil
		default:
			return Task{}, ErrClosed
		}
	}
}

// Close closes the queue. Buffered tasks remain consumable until drained.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

// Len reports the number of buffered tasks.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

var _ Queue = (*MemoryQueue)(nil)
