package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purpleops/checking-engine/internal/codec"
	"github.com/purpleops/checking-engine/internal/config"
	"github.com/purpleops/checking-engine/internal/domain"
	"github.com/purpleops/checking-engine/internal/mq"
	"github.com/purpleops/checking-engine/internal/store"
)

type transition struct {
	from  []domain.DetectionStatus
	to    domain.DetectionStatus
	patch domain.StatusPatch
}

type fakeStore struct {
	transitions []transition
	errs        []error // consumed in order; nil past the end
}

func (f *fakeStore) TransitionDetectionExecution(_ context.Context, _ uuid.UUID, from []domain.DetectionStatus, to domain.DetectionStatus, patch domain.StatusPatch) error {
	f.transitions = append(f.transitions, transition{from: from, to: to, patch: patch})
	if n := len(f.transitions); n <= len(f.errs) {
		return f.errs[n-1]
	}
	return nil
}

type fakePublisher struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, key string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.bodies = append(f.bodies, body)
	return nil
}

// scriptedDetector returns its results in order, repeating the last one.
type scriptedDetector struct {
	results []error
	detect  Detection
	calls   int
}

func (s *scriptedDetector) Supports(domain.DetectionType, string) bool { return true }

func (s *scriptedDetector) Detect(context.Context, *codec.TaskEnvelope) (*Detection, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	if err := s.results[i]; err != nil {
		return nil, err
	}
	d := s.detect
	return &d, nil
}

func testConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Pool:            1,
		JitterMin:       0,
		JitterMax:       0,
		RetryDelay:      time.Millisecond,
		DetectorTimeout: time.Second,
	}
}

func newTestRuntime(t *testing.T, st *fakeStore, pub *fakePublisher, det Detector) *Runtime {
	t.Helper()
	registry := NewRegistry()
	if det != nil {
		registry.Register(det)
	}
	r := NewRuntime(registry, st, pub, testConfig(), nil)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	fixed := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	return r
}

func taskBody(t *testing.T, dt domain.DetectionType, maxRetries int) ([]byte, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	body, err := codec.Encode(codec.TaskEnvelope{
		TaskID:               id,
		DetectionExecutionID: id,
		ExecutionID:          uuid.New(),
		OperationID:          uuid.New(),
		DetectionType:        dt,
		Platform:             "cym",
		Config:               json.RawMessage(`{"query":"q"}`),
		MaxRetries:           maxRetries,
		EnqueuedAt:           codec.Now(),
	})
	require.NoError(t, err)
	return body, id
}

func decodeResponse(t *testing.T, body []byte) *codec.DetectionResponse {
	t.Helper()
	resp, err := codec.DecodeResponse(body)
	require.NoError(t, err)
	return resp
}

func TestHandleSuccessFirstAttempt(t *testing.T) {
	st := &fakeStore{}
	pub := &fakePublisher{}
	det := &scriptedDetector{
		results: []error{nil},
		detect:  Detection{Detected: domain.DetectedTrue, Source: "cym", RawResponse: json.RawMessage(`{"hits":1}`)},
	}
	r := newTestRuntime(t, st, pub, det)

	body, id := taskBody(t, domain.DetectionTypeAPI, 3)
	assert.Equal(t, mq.Ack, r.Handle(context.Background(), &mq.Delivery{Body: body}))

	// Single transition: the pending/running claim.
	require.Len(t, st.transitions, 1)
	assert.Equal(t, []domain.DetectionStatus{domain.StatusPending, domain.StatusRunning}, st.transitions[0].from)
	assert.Equal(t, domain.StatusRunning, st.transitions[0].to)
	assert.NotNil(t, st.transitions[0].patch.StartedAt)

	require.Len(t, pub.keys, 1)
	assert.Equal(t, mq.KeyAPIResponse, pub.keys[0])
	resp := decodeResponse(t, pub.bodies[0])
	assert.Equal(t, id, resp.DetectionExecutionID)
	assert.Equal(t, domain.OutcomeOK, resp.Outcome)
	assert.Equal(t, domain.DetectedTrue, domain.Detected(resp.Detected))
	assert.Equal(t, "cym", resp.Source)
	assert.Equal(t, 1, det.calls)
}

func TestHandleAgentTypeRoutesToAgentResponses(t *testing.T) {
	st := &fakeStore{}
	pub := &fakePublisher{}
	det := &scriptedDetector{results: []error{nil}, detect: Detection{Detected: domain.DetectedFalse, Source: "psh"}}
	r := newTestRuntime(t, st, pub, det)

	body, _ := taskBody(t, domain.DetectionTypeWindows, 0)
	assert.Equal(t, mq.Ack, r.Handle(context.Background(), &mq.Delivery{Body: body}))
	require.Len(t, pub.keys, 1)
	assert.Equal(t, mq.KeyAgentResponse, pub.keys[0])
}

func TestHandleTransientFailuresThenSuccess(t *testing.T) {
	st := &fakeStore{}
	pub := &fakePublisher{}
	det := &scriptedDetector{
		results: []error{Transientf("siem busy"), Transientf("siem busy"), nil},
		detect:  Detection{Detected: domain.DetectedTrue, Source: "cym"},
	}
	r := newTestRuntime(t, st, pub, det)

	body, _ := taskBody(t, domain.DetectionTypeAPI, 3)
	assert.Equal(t, mq.Ack, r.Handle(context.Background(), &mq.Delivery{Body: body}))
	assert.Equal(t, 3, det.calls)

	// Claim plus one retry-count bump per retry performed.
	require.Len(t, st.transitions, 3)
	require.NotNil(t, st.transitions[1].patch.RetryCount)
	assert.Equal(t, 1, *st.transitions[1].patch.RetryCount)
	require.NotNil(t, st.transitions[2].patch.RetryCount)
	assert.Equal(t, 2, *st.transitions[2].patch.RetryCount)

	resp := decodeResponse(t, pub.bodies[0])
	assert.Equal(t, domain.OutcomeOK, resp.Outcome)
}

func TestHandleRetriesExhausted(t *testing.T) {
	st := &fakeStore{}
	pub := &fakePublisher{}
	det := &scriptedDetector{results: []error{Transientf("siem busy")}}
	r := newTestRuntime(t, st, pub, det)

	body, _ := taskBody(t, domain.DetectionTypeAPI, 2)
	assert.Equal(t, mq.Ack, r.Handle(context.Background(), &mq.Delivery{Body: body}))

	// max_retries+1 attempts, exactly one response.
	assert.Equal(t, 3, det.calls)
	require.Len(t, pub.bodies, 1)
	resp := decodeResponse(t, pub.bodies[0])
	assert.Equal(t, domain.OutcomeError, resp.Outcome)
	assert.Equal(t, domain.DetectedUnknown, domain.Detected(resp.Detected))
}

func TestHandleTimeoutOutcome(t *testing.T) {
	st := &fakeStore{}
	pub := &fakePublisher{}
	det := &scriptedDetector{results: []error{fmt.Errorf("query: %w", context.DeadlineExceeded)}}
	r := newTestRuntime(t, st, pub, det)

	body, _ := taskBody(t, domain.DetectionTypeAPI, 1)
	assert.Equal(t, mq.Ack, r.Handle(context.Background(), &mq.Delivery{Body: body}))

	assert.Equal(t, 2, det.calls)
	resp := decodeResponse(t, pub.bodies[0])
	assert.Equal(t, domain.OutcomeTimeout, resp.Outcome)
}

func TestHandlePermanentFailureSkipsRetries(t *testing.T) {
	st := &fakeStore{}
	pub := &fakePublisher{}
	det := &scriptedDetector{results: []error{Permanent(errors.New("bad credentials"))}}
	r := newTestRuntime(t, st, pub, det)

	body, _ := taskBody(t, domain.DetectionTypeAPI, 5)
	assert.Equal(t, mq.Ack, r.Handle(context.Background(), &mq.Delivery{Body: body}))

	assert.Equal(t, 1, det.calls)
	resp := decodeResponse(t, pub.bodies[0])
	assert.Equal(t, domain.OutcomeError, resp.Outcome)
}

func TestHandleTerminalDuplicateAcksWithoutDetecting(t *testing.T) {
	st := &fakeStore{errs: []error{fmt.Errorf("status is %q: %w", domain.StatusCompleted, store.ErrConflict)}}
	pub := &fakePublisher{}
	det := &scriptedDetector{results: []error{nil}}
	r := newTestRuntime(t, st, pub, det)

	body, _ := taskBody(t, domain.DetectionTypeAPI, 3)
	assert.Equal(t, mq.Ack, r.Handle(context.Background(), &mq.Delivery{Body: body, Redelivered: true}))
	assert.Zero(t, det.calls)
	assert.Empty(t, pub.keys)
}

func TestHandleUnknownDetectionDeadLetters(t *testing.T) {
	st := &fakeStore{errs: []error{fmt.Errorf("transition: %w", store.ErrNotFound)}}
	r := newTestRuntime(t, st, &fakePublisher{}, &scriptedDetector{results: []error{nil}})

	body, _ := taskBody(t, domain.DetectionTypeAPI, 3)
	d := &mq.Delivery{Body: body}
	assert.Equal(t, mq.DeadLetter, r.Handle(context.Background(), d))
	assert.Equal(t, "unknown_correlation", d.Reason)
}

func TestHandleClaimTransientErrorRequeues(t *testing.T) {
	st := &fakeStore{errs: []error{fmt.Errorf("db: %w", store.ErrTransient)}}
	r := newTestRuntime(t, st, &fakePublisher{}, &scriptedDetector{results: []error{nil}})

	body, _ := taskBody(t, domain.DetectionTypeAPI, 3)
	assert.Equal(t, mq.NackRequeue, r.Handle(context.Background(), &mq.Delivery{Body: body}))
}

func TestHandleMalformedTaskDeadLetters(t *testing.T) {
	r := newTestRuntime(t, &fakeStore{}, &fakePublisher{}, nil)

	d := &mq.Delivery{Body: []byte("::")}
	assert.Equal(t, mq.DeadLetter, r.Handle(context.Background(), d))
	assert.Equal(t, "malformed", d.Reason)
}

func TestHandleUnsupportedPlatformReportsError(t *testing.T) {
	// No detector registered: the task still gets a terminal error response
	// so the detection execution does not hang in running.
	st := &fakeStore{}
	pub := &fakePublisher{}
	r := newTestRuntime(t, st, pub, nil)

	body, _ := taskBody(t, domain.DetectionTypeAPI, 3)
	assert.Equal(t, mq.Ack, r.Handle(context.Background(), &mq.Delivery{Body: body}))

	require.Len(t, pub.bodies, 1)
	resp := decodeResponse(t, pub.bodies[0])
	assert.Equal(t, domain.OutcomeError, resp.Outcome)
	assert.Equal(t, "worker", resp.Source)
}

func TestHandlePublishFailureRequeues(t *testing.T) {
	st := &fakeStore{}
	pub := &fakePublisher{err: errors.New("broker gone")}
	det := &scriptedDetector{results: []error{nil}, detect: Detection{Detected: domain.DetectedTrue, Source: "cym"}}
	r := newTestRuntime(t, st, pub, det)

	body, _ := taskBody(t, domain.DetectionTypeAPI, 0)
	assert.Equal(t, mq.NackRequeue, r.Handle(context.Background(), &mq.Delivery{Body: body}))
}

func TestRegistryRouting(t *testing.T) {
	mock := NewMockDetector(0)
	registry := NewRegistry(mock)

	assert.Equal(t, mock, registry.For(domain.DetectionTypeAPI, "apitest"))
	assert.Nil(t, registry.For(domain.DetectionTypeAPI, "cym"))
	assert.Nil(t, registry.For(domain.DetectionTypeWindows, "apitest"))
}

func TestMockDetectorDetects(t *testing.T) {
	mock := NewMockDetector(0) // never fail
	task := &codec.TaskEnvelope{
		TaskID:        uuid.New(),
		DetectionType: domain.DetectionTypeAPI,
		Platform:      "apitest",
		Config:        json.RawMessage(`{"query":"process where true"}`),
	}

	det, err := mock.Detect(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, det.Detected.Valid())
	assert.Equal(t, "mock_api", det.Source)
	assert.NotEmpty(t, det.RawResponse)
}

func TestMockDetectorAlwaysFails(t *testing.T) {
	mock := NewMockDetector(1)
	task := &codec.TaskEnvelope{TaskID: uuid.New(), Platform: "apitest"}

	_, err := mock.Detect(context.Background(), task)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
