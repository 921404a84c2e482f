package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/purpleops/checking-engine/internal/domain"
)

const detectionColumns = `id, execution_id, operation_external_id, detection_type, detection_platform,
	detection_config, status, started_at, completed_at, retry_count, max_retries, execution_metadata, created_at`

func scanDetection(row interface{ Scan(...interface{}) error }) (*domain.DetectionExecution, error) {
	var de domain.DetectionExecution
	var startedAt, completedAt sql.NullTime
	var cfg, meta []byte
	err := row.Scan(&de.ID, &de.ExecutionID, &de.OperationExternalID, &de.DetectionType, &de.DetectionPlatform,
		&cfg, &de.Status, &startedAt, &completedAt, &de.RetryCount, &de.MaxRetries, &meta, &de.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		de.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		de.CompletedAt = &t
	}
	de.DetectionConfig = cfg
	de.ExecutionMetadata = meta
	return &de, nil
}

// NewDetectionExecution is the input for CreateDetectionExecution.
type NewDetectionExecution struct {
	ExecutionID         uuid.UUID
	OperationExternalID uuid.UUID
	DetectionType       domain.DetectionType
	DetectionPlatform   string
	DetectionConfig     json.RawMessage
	MaxRetries          int
}

// CreateDetectionExecution inserts one planned detection attempt in state
// pending.
func (t *Tx) CreateDetectionExecution(ctx context.Context, in NewDetectionExecution) (*domain.DetectionExecution, error) {
	const q = `
		INSERT INTO detection_executions (id, execution_id, operation_external_id, detection_type,
			detection_platform, detection_config, status, retry_count, max_retries, execution_metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, '{}'::jsonb), $7, 0, $8, '{}'::jsonb, now())
		RETURNING ` + detectionColumns

	row := t.tx.QueryRowContext(ctx, q, uuid.New(), in.ExecutionID, in.OperationExternalID,
		in.DetectionType, in.DetectionPlatform, nullJSON(in.DetectionConfig), domain.StatusPending, in.MaxRetries)
	de, err := scanDetection(row)
	if err != nil {
		return nil, fmt.Errorf("create detection execution (type=%s platform=%s): %w", in.DetectionType, in.DetectionPlatform, err)
	}
	return de, nil
}

// transitionSQL implements the compare-and-set transition shared by the
// transactional and auto-commit paths.
func transitionSQL(ctx context.Context, q queryer, id uuid.UUID, from []domain.DetectionStatus, to domain.DetectionStatus, patch domain.StatusPatch) error {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	const stmt = `
		UPDATE detection_executions
		SET status = $1,
		    started_at = COALESCE($2, started_at),
		    completed_at = COALESCE($3, completed_at),
		    retry_count = COALESCE($4, retry_count),
		    execution_metadata = COALESCE($5, execution_metadata)
		WHERE id = $6 AND status = ANY($7)`

	res, err := q.ExecContext(ctx, stmt, to, patch.StartedAt, patch.CompletedAt, patch.RetryCount,
		nullJSON(patch.ExecutionMetadata), id, pq.Array(fromStrs))
	if err != nil {
		return fmt.Errorf("transition detection %s -> %s: %w", id, to, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition detection %s: %w", id, classify(err))
	}
	if n == 1 {
		return nil
	}

	// CAS missed: distinguish a missing row from a state mismatch.
	var current domain.DetectionStatus
	err = q.QueryRowContext(ctx, "SELECT status FROM detection_executions WHERE id = $1", id).Scan(&current)
	if err != nil {
		if classify(err) == ErrNotFound {
			return fmt.Errorf("transition detection %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("transition detection %s: %w", id, classify(err))
	}
	return fmt.Errorf("transition detection %s: status is %q: %w", id, current, ErrConflict)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// TransitionDetectionExecution performs a CAS status transition inside the
// enclosing transaction. ErrConflict means the current status was not in
// from; under redelivery of a terminal row that is the expected no-op.
func (t *Tx) TransitionDetectionExecution(ctx context.Context, id uuid.UUID, from []domain.DetectionStatus, to domain.DetectionStatus, patch domain.StatusPatch) error {
	return transitionSQL(ctx, t.tx, id, from, to, patch)
}

// TransitionDetectionExecution is the auto-commit variant used by workers
// for the pending→running claim and retry-count bumps.
func (g *Gateway) TransitionDetectionExecution(ctx context.Context, id uuid.UUID, from []domain.DetectionStatus, to domain.DetectionStatus, patch domain.StatusPatch) error {
	return transitionSQL(ctx, g.db, id, from, to, patch)
}

// GetDetectionExecution looks up one detection execution by id.
func (g *Gateway) GetDetectionExecution(ctx context.Context, id uuid.UUID) (*domain.DetectionExecution, error) {
	row := g.db.QueryRowContext(ctx, "SELECT "+detectionColumns+" FROM detection_executions WHERE id = $1", id)
	de, err := scanDetection(row)
	if err != nil {
		return nil, fmt.Errorf("get detection execution %s: %w", id, err)
	}
	return de, nil
}

// GetDetectionExecution is the transactional lookup used by the result
// consumer to correlate a response before appending its result row.
func (t *Tx) GetDetectionExecution(ctx context.Context, id uuid.UUID) (*domain.DetectionExecution, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+detectionColumns+" FROM detection_executions WHERE id = $1", id)
	de, err := scanDetection(row)
	if err != nil {
		return nil, fmt.Errorf("get detection execution %s: %w", id, err)
	}
	return de, nil
}

// DetectionFilter narrows ListDetectionExecutions. Zero values mean "any".
type DetectionFilter struct {
	ExecutionID         uuid.UUID
	OperationExternalID uuid.UUID
	Status              domain.DetectionStatus
	CreatedAfter        time.Time
	CreatedBefore       time.Time
	Limit               int
	Offset              int
}

// ListDetectionExecutions returns detection executions matching the filter,
// newest first.
func (g *Gateway) ListDetectionExecutions(ctx context.Context, f DetectionFilter) ([]*domain.DetectionExecution, error) {
	q := "SELECT " + detectionColumns + " FROM detection_executions WHERE 1=1"
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		q += fmt.Sprintf(" AND "+cond, len(args))
	}

	if f.ExecutionID != uuid.Nil {
		add("execution_id = $%d", f.ExecutionID)
	}
	if f.OperationExternalID != uuid.Nil {
		add("operation_external_id = $%d", f.OperationExternalID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at >= $%d", f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, f.Offset)
	q += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := g.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list detection executions: %w", classify(err))
	}
	defer rows.Close()

	var out []*domain.DetectionExecution
	for rows.Next() {
		de, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("list detection executions: %w", err)
		}
		out = append(out, de)
	}
	return out, classify(rows.Err())
}
