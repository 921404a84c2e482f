// Package dispatch publishes task envelopes for freshly planned detection
// executions. Fire-and-forward: the dispatcher never waits for a worker
// response; correlation happens through IDs carried in the envelopes.
package dispatch

import (
	"context"
	"fmt"
	"log"

	"github.com/purpleops/checking-engine/internal/codec"
	"github.com/purpleops/checking-engine/internal/domain"
	"github.com/purpleops/checking-engine/internal/metrics"
	"github.com/purpleops/checking-engine/internal/mq"
)

// Publisher is the broker surface the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Dispatcher turns pending detection_execution rows into task messages.
type Dispatcher struct {
	pub     Publisher
	metrics *metrics.Metrics
	logger  *log.Logger
}

// New builds a Dispatcher over a publisher opened with the dispatcher role.
func New(pub Publisher, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		pub:     pub,
		metrics: m,
		logger:  log.New(log.Writer(), "[Dispatch] ", log.LstdFlags),
	}
}

// RoutingKeyFor maps a detection type to its task routing key: api work to
// the api queue, all host platforms to the agent queue.
func RoutingKeyFor(t domain.DetectionType) string {
	if t.WorkerClass() == "api" {
		return mq.KeyAPITask
	}
	return mq.KeyAgentTask
}

// Dispatch publishes one task message per detection execution. The rows are
// already committed in state pending; a publish failure propagates so the
// enclosing instruction message is nacked and the whole batch retried on
// redelivery (task creation is idempotent on the store side).
func (d *Dispatcher) Dispatch(ctx context.Context, execution *domain.Execution, detections []*domain.DetectionExecution) error {
	for _, de := range detections {
		env := codec.TaskEnvelope{
			TaskID:               de.ID,
			DetectionExecutionID: de.ID,
			ExecutionID:          execution.ID,
			OperationID:          de.OperationExternalID,
			DetectionType:        de.DetectionType,
			Platform:             de.DetectionPlatform,
			Config:               de.DetectionConfig,
			MaxRetries:           de.MaxRetries,
			EnqueuedAt:           codec.Now(),
		}
		body, err := codec.Encode(env)
		if err != nil {
			return fmt.Errorf("encode task for detection %s: %w", de.ID, err)
		}

		key := RoutingKeyFor(de.DetectionType)
		if err := d.pub.Publish(ctx, key, body); err != nil {
			return fmt.Errorf("dispatch detection %s: %w", de.ID, err)
		}
		if d.metrics != nil {
			d.metrics.TasksDispatched.WithLabelValues(key).Inc()
		}
		d.logger.Printf("📤 Dispatched detection %s (type=%s platform=%s) via %s",
			de.ID, de.DetectionType, de.DetectionPlatform, key)
	}
	return nil
}
