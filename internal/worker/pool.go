// Package worker consumes queued ingestion tasks and runs them through
// the pipeline.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archon-ai/knowledge-core/internal/ingest"
	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/queue"
)

// DefaultConcurrency is the number of consumers started when the pool is
// configured with a non-positive concurrency.
const DefaultConcurrency = 4

// dequeueRetryDelay spaces out retries when the queue backend is failing,
// so a Redis outage does not spin the consumers hot.
const dequeueRetryDelay = time.Second

// Processor runs one ingestion task. *ingest.Pipeline satisfies it.
type Processor interface {
	ProcessDocument(ctx context.Context, documentID, jobID uuid.UUID) (*ingest.Result, error)
}

// Invalidator drops cached retrieval contexts for a knowledge base after
// its content changes. *retrieval.ResponseCache satisfies it.
type Invalidator interface {
	InvalidateBase(ctx context.Context, clientID, baseID uuid.UUID) error
}

// Pool runs a fixed set of consumers over an ingestion queue. Each consumer
// dequeues tasks and hands them to the processor; a panic in one task is
// recovered so the consumer survives malformed documents.
type Pool struct {
	logger      *observability.Logger
	queue       queue.Queue
	processor   Processor
	cache       Invalidator
	concurrency int

	wg sync.WaitGroup
}

// NewPool creates a worker pool. cache may be nil when no retrieval cache
// is configured.
func NewPool(logger *observability.Logger, q queue.Queue, processor Processor, cache Invalidator, concurrency int) *Pool {
	if logger == nil {
		logger = observability.Nop()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pool{
		logger:      logger,
		queue:       q,
		processor:   processor,
		cache:       cache,
		concurrency: concurrency,
	}
}

// Start launches the consumers. They exit when ctx is cancelled or the
// queue is closed; call Wait to block until every consumer has stopped.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info().Int("concurrency", p.concurrency).Msg("Starting ingestion workers")
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.consume(ctx, i)
	}
}

// Wait blocks until all consumers have exited. In-flight tasks run to
// completion even after ctx is cancelled, so shutdown drains rather than
// aborts.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) consume(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
				p.logger.Debug().Int("worker", id).Msg("Consumer stopping")
				return
			}
			p.logger.Error().Err(err).Int("worker", id).Msg("Failed to dequeue ingestion task")
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueRetryDelay):
			}
			continue
		}
		p.run(ctx, id, task)
	}
}

// run executes one task. The task keeps going if ctx is cancelled mid-run;
// the pipeline's own timeouts bound how long that can take.
func (p *Pool) run(ctx context.Context, id int, task queue.Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Int("worker", id).
				Str("document_id", task.DocumentID.String()).
				Str("job_id", task.JobID.String()).
				Interface("panic", r).
				Msg("Ingestion task panicked")
		}
	}()

	taskCtx := context.WithoutCancel(ctx)

	result, err := p.processor.ProcessDocument(taskCtx, task.DocumentID, task.JobID)
	if err != nil {
		p.logger.Error().
			Err(err).
			Int("worker", id).
			Str("document_id", task.DocumentID.String()).
			Str("job_id", task.JobID.String()).
			Msg("Ingestion task failed")
		return
	}
	if result == nil {
		return
	}

	if p.cache != nil {
		if err := p.cache.InvalidateBase(taskCtx, result.ClientID, result.KnowledgeBaseID); err != nil {
			p.logger.Warn().
				Err(err).
				Str("knowledge_base_id", result.KnowledgeBaseID.String()).
				Msg("Failed to invalidate retrieval cache")
		}
	}
}
