package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/purpleops/checking-engine/internal/codec"
	"github.com/purpleops/checking-engine/internal/config"
	"github.com/purpleops/checking-engine/internal/domain"
	"github.com/purpleops/checking-engine/internal/metrics"
	"github.com/purpleops/checking-engine/internal/mq"
	"github.com/purpleops/checking-engine/internal/store"
)

// Store is the narrow persistence surface the runtime needs: CAS transitions
// on its own detection_execution row. The worker never touches any other
// table.
type Store interface {
	TransitionDetectionExecution(ctx context.Context, id uuid.UUID, from []domain.DetectionStatus, to domain.DetectionStatus, patch domain.StatusPatch) error
}

// Publisher publishes detection responses.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Runtime drives detectors for one worker class (api or agent).
type Runtime struct {
	registry *Registry
	store    Store
	pub      Publisher
	cfg      config.WorkerConfig
	workerID string
	metrics  *metrics.Metrics
	logger   *log.Logger

	// test seams
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewRuntime builds a worker runtime.
func NewRuntime(registry *Registry, st Store, pub Publisher, cfg config.WorkerConfig, m *metrics.Metrics) *Runtime {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Runtime{
		registry: registry,
		store:    st,
		pub:      pub,
		cfg:      cfg,
		workerID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		metrics:  m,
		logger:   log.New(log.Writer(), "[Worker] ", log.LstdFlags),
		sleep:    sleepCtx,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Handle is the mq.Handler for a task queue.
func (r *Runtime) Handle(ctx context.Context, d *mq.Delivery) mq.Action {
	task, err := codec.DecodeTask(d.Body)
	if err != nil {
		r.logger.Printf("❌ Malformed task: %v", err)
		d.Reason = "malformed"
		return mq.DeadLetter
	}

	// Claim the row. A conflict on a terminal status means this is a
	// duplicate delivery after completion: skip the detector entirely.
	startedAt := r.now()
	err = r.store.TransitionDetectionExecution(ctx, task.DetectionExecutionID,
		[]domain.DetectionStatus{domain.StatusPending, domain.StatusRunning},
		domain.StatusRunning,
		domain.StatusPatch{StartedAt: &startedAt})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict):
		r.logger.Printf("🔁 Detection %s already terminal, acking duplicate task", task.DetectionExecutionID)
		return mq.Ack
	case errors.Is(err, store.ErrNotFound):
		r.logger.Printf("❌ Task references unknown detection %s", task.DetectionExecutionID)
		d.Reason = "unknown_correlation"
		return mq.DeadLetter
	default:
		r.logger.Printf("⚠️  Claim failed for detection %s, requeueing: %v", task.DetectionExecutionID, err)
		return mq.NackRequeue
	}

	resp := r.execute(ctx, task)
	if resp == nil {
		// Shutdown interrupted the task before any attempt finished; leave
		// the message unacked for redelivery.
		return mq.NackRequeue
	}

	body, err := codec.Encode(resp)
	if err != nil {
		r.logger.Printf("❌ Encode response for task %s: %v", task.TaskID, err)
		d.Reason = "encode"
		return mq.DeadLetter
	}
	key := mq.KeyAPIResponse
	if task.DetectionType.WorkerClass() != "api" {
		key = mq.KeyAgentResponse
	}
	if err := r.pub.Publish(ctx, key, body); err != nil {
		// Response may or may not have reached the broker; redelivery is
		// safe because the result consumer tolerates duplicates.
		r.logger.Printf("⚠️  Response publish failed for task %s, requeueing: %v", task.TaskID, err)
		return mq.NackRequeue
	}

	if r.metrics != nil {
		r.metrics.ObserveTaskLatency(string(task.DetectionType), task.EnqueuedAt.Time)
	}
	return mq.Ack
}

// execute runs jitter, the detector and the retry loop, and builds the
// response envelope. Returns nil only when ctx was cancelled mid-flight.
func (r *Runtime) execute(ctx context.Context, task *codec.TaskEnvelope) *codec.DetectionResponse {
	detector := r.registry.For(task.DetectionType, task.Platform)
	if detector == nil {
		r.logger.Printf("⚠️  No detector for type=%s platform=%s", task.DetectionType, task.Platform)
		return r.failureResponse(task, domain.OutcomeError, "unsupported worker")
	}

	// Jitter decorrelates worker queries from the emulation burst so the
	// detection window isn't probed at a fixed offset.
	jitter := r.cfg.JitterMin
	if spread := r.cfg.JitterMax - r.cfg.JitterMin; spread > 0 {
		jitter += time.Duration(rand.Int63n(int64(spread)))
	}
	if err := r.sleep(ctx, jitter); err != nil {
		return nil
	}

	maxRetries := task.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			retryCount := attempt
			if err := r.store.TransitionDetectionExecution(ctx, task.DetectionExecutionID,
				[]domain.DetectionStatus{domain.StatusRunning},
				domain.StatusRunning,
				domain.StatusPatch{RetryCount: &retryCount}); err != nil {
				r.logger.Printf("⚠️  Retry-count update failed for detection %s: %v", task.DetectionExecutionID, err)
			}
			if r.metrics != nil {
				r.metrics.DetectorRetries.WithLabelValues(string(task.DetectionType), task.Platform).Inc()
			}
			if err := r.sleep(ctx, r.cfg.RetryDelay); err != nil {
				return nil
			}
		}

		detection, err := r.detect(ctx, detector, task)
		if err == nil {
			r.logger.Printf("✅ Task %s completed on attempt %d/%d (detected=%s)",
				task.TaskID, attempt+1, maxRetries+1, detection.Detected)
			return r.successResponse(task, detection)
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil
		}
		if !IsTransient(err) {
			r.logger.Printf("❌ Task %s failed permanently: %v", task.TaskID, err)
			return r.failureResponse(task, domain.OutcomeError, err.Error())
		}
		r.logger.Printf("⚠️  Task %s attempt %d/%d failed: %v", task.TaskID, attempt+1, maxRetries+1, err)
	}

	outcome := domain.OutcomeError
	if errors.Is(lastErr, context.DeadlineExceeded) {
		outcome = domain.OutcomeTimeout
	}
	r.logger.Printf("❌ Task %s exhausted %d attempts: %v", task.TaskID, maxRetries+1, lastErr)
	return r.failureResponse(task, outcome, lastErr.Error())
}

func (r *Runtime) detect(ctx context.Context, detector Detector, task *codec.TaskEnvelope) (*Detection, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DetectorTimeout)
	defer cancel()

	start := time.Now()
	detection, err := detector.Detect(ctx, task)
	if r.metrics != nil {
		r.metrics.DetectorDuration.WithLabelValues(string(task.DetectionType), task.Platform).
			Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	if detection == nil {
		return nil, Permanent(errors.New("detector returned no detection"))
	}
	if !detection.Detected.Valid() {
		detection.Detected = domain.DetectedUnknown
	}
	return detection, nil
}

func (r *Runtime) successResponse(task *codec.TaskEnvelope, det *Detection) *codec.DetectionResponse {
	return &codec.DetectionResponse{
		TaskID:               task.TaskID,
		DetectionExecutionID: task.DetectionExecutionID,
		Outcome:              domain.OutcomeOK,
		Detected:             codec.TriState(det.Detected),
		RawResponse:          det.RawResponse,
		ParsedResults:        det.ParsedResults,
		Source:               det.Source,
		WorkerID:             r.workerID,
		FinishedAt:           codec.Timestamp{Time: r.now()},
	}
}

func (r *Runtime) failureResponse(task *codec.TaskEnvelope, outcome domain.Outcome, reason string) *codec.DetectionResponse {
	meta, _ := json.Marshal(map[string]string{"error": reason})
	return &codec.DetectionResponse{
		TaskID:               task.TaskID,
		DetectionExecutionID: task.DetectionExecutionID,
		Outcome:              outcome,
		Detected:             codec.TriState(domain.DetectedUnknown),
		Source:               "worker",
		WorkerID:             r.workerID,
		FinishedAt:           codec.Timestamp{Time: r.now()},
		Metadata:             meta,
	}
}

// WorkerID identifies this runtime instance in response envelopes.
func (r *Runtime) WorkerID() string { return r.workerID }
