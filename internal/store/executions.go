package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/purpleops/checking-engine/internal/domain"
)

const executionColumns = `id, operation_external_id, agent_host, agent_paw, link_id, command,
	pid, status, result_data, agent_reported_at, link_state, raw_message, created_at`

func scanExecution(row interface{ Scan(...interface{}) error }) (*domain.Execution, error) {
	var ex domain.Execution
	var reportedAt sql.NullTime
	var resultData, rawMessage []byte
	err := row.Scan(&ex.ID, &ex.OperationExternalID, &ex.AgentHost, &ex.AgentPaw, &ex.LinkID,
		&ex.Command, &ex.PID, &ex.Status, &resultData, &reportedAt, &ex.LinkState, &rawMessage, &ex.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	if reportedAt.Valid {
		t := reportedAt.Time
		ex.AgentReportedAt = &t
	}
	ex.ResultData = resultData
	ex.RawMessage = rawMessage
	return &ex, nil
}

// NewExecution is the input for CreateExecutionIfAbsent.
type NewExecution struct {
	OperationExternalID uuid.UUID
	AgentHost           string
	AgentPaw            string
	LinkID              uuid.UUID
	Command             string
	PID                 int
	Status              int
	ResultData          []byte
	AgentReportedAt     *time.Time
	LinkState           string
	RawMessage          []byte
}

// CreateExecutionIfAbsent inserts the execution, idempotent on
// (operation_external_id, link_id). created=false means the link_id was
// already ingested; the caller treats the whole message as a replay.
func (t *Tx) CreateExecutionIfAbsent(ctx context.Context, in NewExecution) (*domain.Execution, bool, error) {
	const q = `
		INSERT INTO executions (id, operation_external_id, agent_host, agent_paw, link_id, command,
			pid, status, result_data, agent_reported_at, link_state, raw_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (operation_external_id, link_id) DO NOTHING
		RETURNING ` + executionColumns

	row := t.tx.QueryRowContext(ctx, q, uuid.New(), in.OperationExternalID, in.AgentHost, in.AgentPaw,
		in.LinkID, in.Command, in.PID, in.Status, nullJSON(in.ResultData), in.AgentReportedAt,
		in.LinkState, nullJSON(in.RawMessage))

	ex, err := scanExecution(row)
	if err == nil {
		return ex, true, nil
	}
	if err != ErrNotFound {
		return nil, false, fmt.Errorf("create execution link_id=%s: %w", in.LinkID, err)
	}

	row = t.tx.QueryRowContext(ctx,
		"SELECT "+executionColumns+" FROM executions WHERE operation_external_id = $1 AND link_id = $2",
		in.OperationExternalID, in.LinkID)
	ex, err = scanExecution(row)
	if err != nil {
		return nil, false, fmt.Errorf("get execution link_id=%s after conflict: %w", in.LinkID, err)
	}
	return ex, false, nil
}

// GetExecution looks up one execution by id.
func (g *Gateway) GetExecution(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	row := g.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = $1", id)
	ex, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return ex, nil
}

// ListExecutions returns executions for an operation, newest first.
func (g *Gateway) ListExecutions(ctx context.Context, operationExternalID uuid.UUID, limit, offset int) ([]*domain.Execution, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := g.db.QueryContext(ctx,
		"SELECT "+executionColumns+" FROM executions WHERE operation_external_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		operationExternalID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", classify(err))
	}
	defer rows.Close()

	var out []*domain.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("list executions: %w", err)
		}
		out = append(out, ex)
	}
	return out, classify(rows.Err())
}
