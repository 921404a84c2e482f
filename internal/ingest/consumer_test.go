package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purpleops/checking-engine/internal/codec"
	"github.com/purpleops/checking-engine/internal/domain"
	"github.com/purpleops/checking-engine/internal/mq"
	"github.com/purpleops/checking-engine/internal/planner"
	"github.com/purpleops/checking-engine/internal/store"
)

type fakeStore struct {
	execution  *domain.Execution
	detections []*domain.DetectionExecution
	created    bool
	ingestErr  error

	pending    []*domain.DetectionExecution
	pendingErr error

	ingestCalls  int
	pendingCalls int
	lastPlan     []planner.PlannedDetection
}

func (f *fakeStore) IngestExecution(_ context.Context, _ *codec.ExecutionRecord, plan []planner.PlannedDetection) (*domain.Execution, []*domain.DetectionExecution, bool, error) {
	f.ingestCalls++
	f.lastPlan = plan
	if f.ingestErr != nil {
		return nil, nil, false, f.ingestErr
	}
	return f.execution, f.detections, f.created, nil
}

func (f *fakeStore) PendingDetections(_ context.Context, _ uuid.UUID) ([]*domain.DetectionExecution, error) {
	f.pendingCalls++
	return f.pending, f.pendingErr
}

type fakeDispatcher struct {
	calls      int
	dispatched []*domain.DetectionExecution
	err        error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ *domain.Execution, detections []*domain.DetectionExecution) error {
	f.calls++
	f.dispatched = detections
	return f.err
}

func recordBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"operation": map[string]interface{}{"id": uuid.NewString(), "name": "op"},
		"execution": map[string]interface{}{"link_id": uuid.NewString(), "link_state": "SUCCESS"},
		"detections": map[string]interface{}{
			"api": map[string]interface{}{"cym": map[string]interface{}{"query": "q"}},
		},
	})
	require.NoError(t, err)
	return body
}

func TestHandleCreatesAndDispatches(t *testing.T) {
	execution := &domain.Execution{ID: uuid.New()}
	de := &domain.DetectionExecution{ID: uuid.New(), DetectionType: domain.DetectionTypeAPI}
	st := &fakeStore{execution: execution, detections: []*domain.DetectionExecution{de}, created: true}
	disp := &fakeDispatcher{}
	c := New(st, disp, 3, nil)

	action := c.Handle(context.Background(), &mq.Delivery{Body: recordBody(t)})
	assert.Equal(t, mq.Ack, action)
	assert.Equal(t, 1, st.ingestCalls)
	assert.Equal(t, 1, disp.calls)
	require.Len(t, st.lastPlan, 1)
	assert.Equal(t, domain.DetectionTypeAPI, st.lastPlan[0].DetectionType)
	assert.Equal(t, 3, st.lastPlan[0].MaxRetries)
}

func TestHandleUnknownDetectionTypeStillIngestsKnownOnes(t *testing.T) {
	execution := &domain.Execution{ID: uuid.New()}
	de := &domain.DetectionExecution{ID: uuid.New(), DetectionType: domain.DetectionTypeAPI}
	st := &fakeStore{execution: execution, detections: []*domain.DetectionExecution{de}, created: true}
	disp := &fakeDispatcher{}
	c := New(st, disp, 3, nil)

	body, err := json.Marshal(map[string]interface{}{
		"operation": map[string]interface{}{"id": uuid.NewString(), "name": "op"},
		"execution": map[string]interface{}{"link_id": uuid.NewString()},
		"detections": map[string]interface{}{
			"api":     map[string]interface{}{"cym": map[string]interface{}{"query": "q"}},
			"android": map[string]interface{}{"adb": map[string]interface{}{"query": "x"}},
		},
	})
	require.NoError(t, err)

	action := c.Handle(context.Background(), &mq.Delivery{Body: body})
	assert.Equal(t, mq.Ack, action)
	// The unknown type is skipped, not fatal: the known detection is planned
	// and dispatched.
	require.Len(t, st.lastPlan, 1)
	assert.Equal(t, domain.DetectionTypeAPI, st.lastPlan[0].DetectionType)
	assert.Equal(t, 1, disp.calls)
}

func TestHandleMalformedDeadLetters(t *testing.T) {
	st := &fakeStore{}
	c := New(st, &fakeDispatcher{}, 3, nil)

	d := &mq.Delivery{Body: []byte("{not json")}
	assert.Equal(t, mq.DeadLetter, c.Handle(context.Background(), d))
	assert.Equal(t, "malformed", d.Reason)
	assert.Zero(t, st.ingestCalls)
}

func TestHandleTransientStoreErrorRequeues(t *testing.T) {
	st := &fakeStore{ingestErr: fmt.Errorf("begin tx: %w", store.ErrTransient)}
	disp := &fakeDispatcher{}
	c := New(st, disp, 3, nil)

	assert.Equal(t, mq.NackRequeue, c.Handle(context.Background(), &mq.Delivery{Body: recordBody(t)}))
	assert.Zero(t, disp.calls)
}

func TestHandleConstraintViolationDeadLetters(t *testing.T) {
	st := &fakeStore{ingestErr: fmt.Errorf("insert: %w", store.ErrConstraint)}
	c := New(st, &fakeDispatcher{}, 3, nil)

	d := &mq.Delivery{Body: recordBody(t)}
	assert.Equal(t, mq.DeadLetter, c.Handle(context.Background(), d))
	assert.Equal(t, "constraint", d.Reason)
}

func TestHandleDuplicateNothingPendingAcks(t *testing.T) {
	st := &fakeStore{execution: &domain.Execution{ID: uuid.New()}, created: false}
	disp := &fakeDispatcher{}
	c := New(st, disp, 3, nil)

	assert.Equal(t, mq.Ack, c.Handle(context.Background(), &mq.Delivery{Body: recordBody(t), Redelivered: true}))
	assert.Equal(t, 1, st.pendingCalls)
	assert.Zero(t, disp.calls)
}

func TestHandleDuplicateRedispatchesPending(t *testing.T) {
	pending := []*domain.DetectionExecution{
		{ID: uuid.New(), DetectionType: domain.DetectionTypeAPI, Status: domain.StatusPending},
	}
	st := &fakeStore{execution: &domain.Execution{ID: uuid.New()}, created: false, pending: pending}
	disp := &fakeDispatcher{}
	c := New(st, disp, 3, nil)

	assert.Equal(t, mq.Ack, c.Handle(context.Background(), &mq.Delivery{Body: recordBody(t), Redelivered: true}))
	assert.Equal(t, 1, disp.calls)
	assert.Equal(t, pending, disp.dispatched)
}

func TestHandleDispatchFailureRequeues(t *testing.T) {
	st := &fakeStore{
		execution:  &domain.Execution{ID: uuid.New()},
		detections: []*domain.DetectionExecution{{ID: uuid.New(), DetectionType: domain.DetectionTypeAPI}},
		created:    true,
	}
	disp := &fakeDispatcher{err: errors.New("broker down")}
	c := New(st, disp, 3, nil)

	assert.Equal(t, mq.NackRequeue, c.Handle(context.Background(), &mq.Delivery{Body: recordBody(t)}))
}

func TestHandleNoDetectionsStillAcks(t *testing.T) {
	st := &fakeStore{execution: &domain.Execution{ID: uuid.New()}, created: true}
	disp := &fakeDispatcher{}
	c := New(st, disp, 3, nil)

	body, err := json.Marshal(map[string]interface{}{
		"operation": map[string]interface{}{"id": uuid.NewString(), "name": "op"},
		"execution": map[string]interface{}{"link_id": uuid.NewString()},
	})
	require.NoError(t, err)

	assert.Equal(t, mq.Ack, c.Handle(context.Background(), &mq.Delivery{Body: body}))
	assert.Zero(t, disp.calls)
	assert.Empty(t, st.lastPlan)
}
