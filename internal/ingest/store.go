package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/purpleops/checking-engine/internal/codec"
	"github.com/purpleops/checking-engine/internal/domain"
	"github.com/purpleops/checking-engine/internal/planner"
	"github.com/purpleops/checking-engine/internal/store"
)

// Gateway adapts the Store Gateway to the consumer's Store interface,
// composing the per-message transaction out of the gateway's primitives.
type Gateway struct {
	g *store.Gateway
}

// NewGateway wraps a store gateway for ingestion.
func NewGateway(g *store.Gateway) *Gateway {
	return &Gateway{g: g}
}

// IngestExecution persists one execution record and its planned detections
// inside a single transaction.
func (s *Gateway) IngestExecution(ctx context.Context, rec *codec.ExecutionRecord, plan []planner.PlannedDetection) (*domain.Execution, []*domain.DetectionExecution, bool, error) {
	var (
		execution  *domain.Execution
		detections []*domain.DetectionExecution
		created    bool
	)

	err := s.g.WithinTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var startedAt *time.Time
		if !rec.Operation.StartedAt.IsZero() {
			t := rec.Operation.StartedAt.Time
			startedAt = &t
		}
		recordTime := time.Now().UTC()
		if !rec.Execution.AgentReportedAt.IsZero() {
			recordTime = rec.Execution.AgentReportedAt.Time
		}

		if _, err := tx.UpsertOperation(ctx, rec.Operation.ID, rec.Operation.Name, startedAt, nil, recordTime); err != nil {
			return err
		}

		var reportedAt *time.Time
		if !rec.Execution.AgentReportedAt.IsZero() {
			t := rec.Execution.AgentReportedAt.Time
			reportedAt = &t
		}
		resultData, err := codec.Encode(rec.Execution.ResultData)
		if err != nil {
			return err
		}

		var isNew bool
		execution, isNew, err = tx.CreateExecutionIfAbsent(ctx, store.NewExecution{
			OperationExternalID: rec.Operation.ID,
			AgentHost:           rec.Execution.AgentHost,
			AgentPaw:            rec.Execution.AgentPaw,
			LinkID:              rec.Execution.LinkID,
			Command:             rec.Execution.Command,
			PID:                 rec.Execution.PID,
			Status:              rec.Execution.Status,
			ResultData:          resultData,
			AgentReportedAt:     reportedAt,
			LinkState:           rec.Execution.LinkState,
			RawMessage:          rec.RawMessage,
		})
		if err != nil {
			return err
		}
		created = isNew
		if !created {
			// Replay: the first delivery already created the rows.
			return nil
		}

		for _, p := range plan {
			de, err := tx.CreateDetectionExecution(ctx, store.NewDetectionExecution{
				ExecutionID:         execution.ID,
				OperationExternalID: rec.Operation.ID,
				DetectionType:       p.DetectionType,
				DetectionPlatform:   p.DetectionPlatform,
				DetectionConfig:     p.DetectionConfig,
				MaxRetries:          p.MaxRetries,
			})
			if err != nil {
				return err
			}
			detections = append(detections, de)
		}
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	return execution, detections, created, nil
}

// PendingDetections lists the execution's detections still in pending.
func (s *Gateway) PendingDetections(ctx context.Context, executionID uuid.UUID) ([]*domain.DetectionExecution, error) {
	return s.g.ListDetectionExecutions(ctx, store.DetectionFilter{
		ExecutionID: executionID,
		Status:      domain.StatusPending,
	})
}
