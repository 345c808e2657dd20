// Package queue hands ingestion tasks from the API to the worker.
package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// DefaultQueueName is the Redis list key used for ingestion tasks.
const DefaultQueueName = "knowledge:ingest:queue"

// ErrClosed is returned by queue operations after Close.
var ErrClosed = errors.New("queue closed")

// Task identifies one document ingestion run.
type Task struct {
	DocumentID uuid.UUID `json:"document_id"`
	JobID      uuid.UUID `json:"job_id"`
}

// Queue is the asynchronous hand-off between document creation and the
// ingestion worker. Dequeue blocks until a task arrives, the context is
// done, or the queue is closed.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
	Close() error
}
