// Package results consumes detection responses from the api/agent response
// queues, appends a detection_result row and drives the owning
// detection_execution to its terminal state. Appends are unconditional so
// duplicate responses stay audit-visible; the terminal transition is a CAS
// that turns duplicates into no-ops.
package results

import (
	"context"
	"errors"
	"log"

	"github.com/purpleops/checking-engine/internal/codec"
	"github.com/purpleops/checking-engine/internal/metrics"
	"github.com/purpleops/checking-engine/internal/mq"
	"github.com/purpleops/checking-engine/internal/store"
)

// Outcome of recording one response.
type Outcome struct {
	// Transitioned is false when the row was already terminal (duplicate
	// response); the result row is appended either way.
	Transitioned bool
}

// Store is the persistence surface the consumer needs.
type Store interface {
	// RecordResult runs the per-response transaction: look up the
	// detection execution, append the result row, CAS to the terminal
	// state. Returns store.ErrNotFound (wrapped) when the response
	// references an unknown detection execution.
	RecordResult(ctx context.Context, resp *codec.DetectionResponse) (Outcome, error)
}

// Consumer processes detection-response messages.
type Consumer struct {
	store   Store
	metrics *metrics.Metrics
	logger  *log.Logger
}

// New builds the result consumer.
func New(st Store, m *metrics.Metrics) *Consumer {
	return &Consumer{
		store:   st,
		metrics: m,
		logger:  log.New(log.Writer(), "[Results] ", log.LstdFlags),
	}
}

// Handle is the mq.Handler for the response queues.
func (c *Consumer) Handle(ctx context.Context, d *mq.Delivery) mq.Action {
	resp, err := codec.DecodeResponse(d.Body)
	if err != nil {
		c.logger.Printf("❌ Malformed detection response: %v", err)
		d.Reason = "malformed"
		return mq.DeadLetter
	}

	outcome, err := c.store.RecordResult(ctx, resp)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		c.logger.Printf("❌ Response for unknown detection %s", resp.DetectionExecutionID)
		d.Reason = "unknown_correlation"
		return mq.DeadLetter
	case errors.Is(err, store.ErrConstraint):
		c.logger.Printf("❌ Constraint violation recording response for %s: %v", resp.DetectionExecutionID, err)
		d.Reason = "constraint"
		return mq.DeadLetter
	default:
		c.logger.Printf("⚠️  Record failed for detection %s, requeueing: %v", resp.DetectionExecutionID, err)
		return mq.NackRequeue
	}

	if c.metrics != nil {
		c.metrics.ResultsRecorded.WithLabelValues(string(resp.Outcome)).Inc()
		result := "applied"
		if !outcome.Transitioned {
			result = "conflict"
		}
		c.metrics.DetectionTransition.WithLabelValues(string(resp.Outcome.TerminalStatus()), result).Inc()
	}

	if outcome.Transitioned {
		c.logger.Printf("✅ Detection %s → %s (worker=%s, detected=%s)",
			resp.DetectionExecutionID, resp.Outcome.TerminalStatus(), resp.WorkerID, resp.Detected)
	} else {
		c.logger.Printf("🔁 Duplicate response for terminal detection %s — result row appended, status unchanged",
			resp.DetectionExecutionID)
	}
	return mq.Ack
}
