// Package monitoring records ingestion and retrieval milestones to the
// append-only audit trail.
package monitoring

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/storage"
)

// Event types written by the ingestion pipeline and the retrieval layer.
const (
	EventDocumentProcessing = "document.processing"
	EventDocumentReady      = "document.ready"
	EventDocumentError      = "document.error"
	EventJobCompleted       = "job.completed"
	EventJobFailed          = "job.failed"
	EventRetrievalQuery     = "retrieval.query"
)

// AuditStore persists audit events.
type AuditStore interface {
	InsertBatch(ctx context.Context, events []*storage.AuditEvent) error
}

// AuditConfig configures the audit writer.
type AuditConfig struct {
	BufferSize    int
	FlushInterval time.Duration
	EnableAsync   bool
}

// DefaultAuditConfig returns default audit configuration.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		EnableAsync:   true,
	}
}

// Event is one audit entry before persistence.
type Event struct {
	ClientID   uuid.UUID
	EventType  string
	BaseID     *uuid.UUID
	DocumentID *uuid.UUID
	JobID      *uuid.UUID
	Payload    map[string]interface{}
	OccurredAt time.Time
}

// AuditWriter buffers audit events and flushes them in batches so that
// recording never blocks the ingestion pipeline.
type AuditWriter struct {
	logger *observability.Logger
	store  AuditStore
	config AuditConfig
	buffer chan *Event
	stopCh chan struct{}
	doneCh chan struct{}

	stopOnce sync.Once
}

// NewAuditWriter creates a new audit writer. With EnableAsync set the flush
// loop starts immediately and runs until Stop.
func NewAuditWriter(logger *observability.Logger, store AuditStore, config AuditConfig) *AuditWriter {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	w := &AuditWriter{
		logger: logger,
		store:  store,
		config: config,
		buffer: make(chan *Event, config.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if config.EnableAsync {
		go w.runFlushLoop()
	}

	return w
}

// Record queues an event for persistence. When the buffer is full or async
// writing is disabled the event is written synchronously.
func (w *AuditWriter) Record(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if !w.config.EnableAsync {
		return w.writeBatch(ctx, []*Event{&event})
	}

	select {
	case w.buffer <- &event:
		return nil
	default:
		// Buffer full, log warning and write synchronously
		w.logger.Warn().Str("event_type", event.EventType).Msg("Audit buffer full, writing synchronously")
		return w.writeBatch(ctx, []*Event{&event})
	}
}

// RecordDocument records a document or job lifecycle event.
func (w *AuditWriter) RecordDocument(ctx context.Context, eventType string, clientID, baseID, documentID, jobID uuid.UUID, payload map[string]interface{}) error {
	event := Event{
		ClientID:  clientID,
		EventType: eventType,
		Payload:   payload,
	}
	if baseID != uuid.Nil {
		event.BaseID = &baseID
	}
	if documentID != uuid.Nil {
		event.DocumentID = &documentID
	}
	if jobID != uuid.Nil {
		event.JobID = &jobID
	}
	return w.Record(ctx, event)
}

// RecordRetrieval records a retrieval query event.
func (w *AuditWriter) RecordRetrieval(ctx context.Context, clientID uuid.UUID, baseIDs []uuid.UUID, query string, resultCount int) error {
	ids := make([]string, len(baseIDs))
	for i, id := range baseIDs {
		ids[i] = id.String()
	}
	return w.Record(ctx, Event{
		ClientID:  clientID,
		EventType: EventRetrievalQuery,
		Payload: map[string]interface{}{
			"knowledge_base_ids": ids,
			"query":              query,
			"result_count":       resultCount,
		},
	})
}

// runFlushLoop drains buffered events into batches.
func (w *AuditWriter) runFlushLoop() {
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	var batch []*Event

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= 100 {
				w.flushBatch(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(batch)
				batch = nil
			}
		case <-w.stopCh:
			// Drain whatever Record already buffered, then flush once.
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				w.flushBatch(batch)
			}
			close(w.doneCh)
			return
		}
	}
}

// flushBatch writes a batch under its own deadline so a slow database cannot
// stall the loop forever.
func (w *AuditWriter) flushBatch(batch []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.writeBatch(ctx, batch); err != nil {
		w.logger.Error().Err(err).Int("count", len(batch)).Msg("Failed to flush audit batch")
	} else {
		w.logger.Debug().Int("count", len(batch)).Msg("Flushed audit batch")
	}
}

// writeBatch persists events to the store, or logs them when no store is
// configured.
func (w *AuditWriter) writeBatch(ctx context.Context, batch []*Event) error {
	if w.store == nil {
		for _, event := range batch {
			w.logger.Info().
				Str("event_type", event.EventType).
				Str("client_id", event.ClientID.String()).
				Msg("Audit event (no store)")
		}
		return nil
	}

	events := make([]*storage.AuditEvent, len(batch))
	for i, event := range batch {
		var payloadJSON json.RawMessage
		if event.Payload != nil {
			payloadJSON, _ = json.Marshal(event.Payload)
		}
		events[i] = &storage.AuditEvent{
			ID:         uuid.New(),
			ClientID:   event.ClientID,
			EventType:  event.EventType,
			BaseID:     event.BaseID,
			DocumentID: event.DocumentID,
			JobID:      event.JobID,
			Payload:    payloadJSON,
			OccurredAt: event.OccurredAt,
		}
	}
	return w.store.InsertBatch(ctx, events)
}

// Stop flushes pending events and stops the flush loop. Safe to call more
// than once; every call waits for the final flush.
func (w *AuditWriter) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.config.EnableAsync {
		<-w.doneCh
	}
}
