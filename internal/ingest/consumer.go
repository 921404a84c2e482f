// Package ingest consumes execution records from the instructions queue,
// persists operation + execution, derives detection tasks and hands the new
// rows to the dispatcher. All store writes for one message share one
// transaction; the message is acked only after the transaction committed
// and every task publish succeeded.
package ingest

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"github.com/purpleops/checking-engine/internal/codec"
	"github.com/purpleops/checking-engine/internal/domain"
	"github.com/purpleops/checking-engine/internal/metrics"
	"github.com/purpleops/checking-engine/internal/mq"
	"github.com/purpleops/checking-engine/internal/planner"
	"github.com/purpleops/checking-engine/internal/store"
)

// Store is the persistence surface the consumer needs. Implemented by
// Gateway (below) and by fakes in tests.
type Store interface {
	// IngestExecution runs the per-message transaction: upsert operation,
	// create execution if absent, create one pending detection execution
	// per planned task. created=false signals a replayed link_id, in which
	// case no new rows are written.
	IngestExecution(ctx context.Context, rec *codec.ExecutionRecord, plan []planner.PlannedDetection) (ex *domain.Execution, detections []*domain.DetectionExecution, created bool, err error)
	// PendingDetections returns the still-pending detection executions for
	// an execution, so a replayed message can re-dispatch tasks whose
	// publish failed on the previous delivery.
	PendingDetections(ctx context.Context, executionID uuid.UUID) ([]*domain.DetectionExecution, error)
}

// Dispatcher publishes task envelopes for new detection executions.
type Dispatcher interface {
	Dispatch(ctx context.Context, execution *domain.Execution, detections []*domain.DetectionExecution) error
}

// Consumer processes instruction messages.
type Consumer struct {
	store      Store
	dispatcher Dispatcher
	maxRetries int
	metrics    *metrics.Metrics
	logger     *log.Logger
}

// New builds the ingestion consumer. maxRetries is the default retry budget
// stamped on planned detections that do not carry their own.
func New(st Store, d Dispatcher, maxRetries int, m *metrics.Metrics) *Consumer {
	return &Consumer{
		store:      st,
		dispatcher: d,
		maxRetries: maxRetries,
		metrics:    m,
		logger:     log.New(log.Writer(), "[Ingest] ", log.LstdFlags),
	}
}

// Handle is the mq.Handler for the instructions queue.
func (c *Consumer) Handle(ctx context.Context, d *mq.Delivery) mq.Action {
	rec, err := codec.DecodeExecutionRecord(d.Body)
	if err != nil {
		c.logger.Printf("❌ Malformed execution record: %v", err)
		d.Reason = "malformed"
		return mq.DeadLetter
	}

	for top := range rec.Detections {
		if !domain.DetectionType(top).Valid() {
			c.logger.Printf("⚠️  Skipping unknown detection type %q for link_id=%s", top, rec.Execution.LinkID)
		}
	}
	plan := planner.Plan(rec.Detections, c.maxRetries)

	execution, detections, created, err := c.store.IngestExecution(ctx, rec, plan)
	if err != nil {
		if errors.Is(err, store.ErrConstraint) {
			c.logger.Printf("❌ Constraint violation ingesting link_id=%s: %v", rec.Execution.LinkID, err)
			d.Reason = "constraint"
			return mq.DeadLetter
		}
		c.logger.Printf("⚠️  Ingest failed for link_id=%s, requeueing: %v", rec.Execution.LinkID, err)
		return mq.NackRequeue
	}

	if c.metrics != nil {
		outcome := "created"
		if !created {
			outcome = "duplicate"
		}
		c.metrics.ExecutionsIngested.WithLabelValues(outcome).Inc()
		for _, de := range detections {
			c.metrics.DetectionsPlanned.WithLabelValues(string(de.DetectionType)).Inc()
		}
	}

	if !created {
		// Replay of an already-ingested link_id. The previous delivery may
		// have died between commit and publish, so re-dispatch whatever is
		// still pending before acking.
		detections, err = c.store.PendingDetections(ctx, execution.ID)
		if err != nil {
			c.logger.Printf("⚠️  Pending lookup failed for execution %s, requeueing: %v", execution.ID, err)
			return mq.NackRequeue
		}
		if len(detections) == 0 {
			c.logger.Printf("🔁 Duplicate link_id=%s, nothing pending — ack", rec.Execution.LinkID)
			return mq.Ack
		}
		c.logger.Printf("🔁 Duplicate link_id=%s with %d pending detections — re-dispatching", rec.Execution.LinkID, len(detections))
	} else {
		c.logger.Printf("✅ Ingested link_id=%s (operation=%s, %d detections planned)",
			rec.Execution.LinkID, rec.Operation.Name, len(detections))
	}

	if len(detections) > 0 {
		if err := c.dispatcher.Dispatch(ctx, execution, detections); err != nil {
			// Rows are committed; nack so the broker redelivers and the
			// replay path retries the publishes.
			c.logger.Printf("⚠️  Dispatch failed for link_id=%s, requeueing: %v", rec.Execution.LinkID, err)
			return mq.NackRequeue
		}
	}
	return mq.Ack
}
