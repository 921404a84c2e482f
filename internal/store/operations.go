package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/purpleops/checking-engine/internal/domain"
)

const operationColumns = "id, external_id, name, started_at, metadata, created_at, updated_at"

// nullJSON converts a raw JSON blob into a driver value, mapping empty to
// SQL NULL so the JSONB columns stay clean.
func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func scanOperation(row interface{ Scan(...interface{}) error }) (*domain.Operation, error) {
	var op domain.Operation
	var startedAt sql.NullTime
	var metadata []byte
	if err := row.Scan(&op.ID, &op.ExternalID, &op.Name, &startedAt, &metadata, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return nil, classify(err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		op.StartedAt = &t
	}
	op.Metadata = metadata
	return &op, nil
}

// UpsertOperation creates the operation on first sighting, idempotent on
// external_id. name/metadata are refreshed only when the stored row is older
// than the incoming record's timestamp; created_at never changes.
func (t *Tx) UpsertOperation(ctx context.Context, externalID uuid.UUID, name string, startedAt *time.Time, metadata json.RawMessage, recordTime time.Time) (*domain.Operation, error) {
	const q = `
		INSERT INTO operations (id, external_id, name, started_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, '{}'::jsonb), now(), $6)
		ON CONFLICT (external_id) DO UPDATE
		SET name = EXCLUDED.name,
		    metadata = EXCLUDED.metadata,
		    updated_at = EXCLUDED.updated_at
		WHERE operations.updated_at < EXCLUDED.updated_at
		RETURNING ` + operationColumns

	row := t.tx.QueryRowContext(ctx, q, uuid.New(), externalID, name, startedAt, nullJSON(metadata), recordTime.UTC())
	op, err := scanOperation(row)
	if err == nil {
		return op, nil
	}
	if err != ErrNotFound {
		return nil, fmt.Errorf("upsert operation %s: %w", externalID, err)
	}

	// Conflict row was newer than the incoming record; return it unchanged.
	row = t.tx.QueryRowContext(ctx, "SELECT "+operationColumns+" FROM operations WHERE external_id = $1", externalID)
	op, err = scanOperation(row)
	if err != nil {
		return nil, fmt.Errorf("get operation %s after upsert: %w", externalID, err)
	}
	return op, nil
}

// GetOperation looks up one operation by its external id.
func (g *Gateway) GetOperation(ctx context.Context, externalID uuid.UUID) (*domain.Operation, error) {
	row := g.db.QueryRowContext(ctx, "SELECT "+operationColumns+" FROM operations WHERE external_id = $1", externalID)
	op, err := scanOperation(row)
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", externalID, err)
	}
	return op, nil
}

// ListOperations returns operations newest first.
func (g *Gateway) ListOperations(ctx context.Context, limit, offset int) ([]*domain.Operation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := g.db.QueryContext(ctx,
		"SELECT "+operationColumns+" FROM operations ORDER BY created_at DESC LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", classify(err))
	}
	defer rows.Close()

	var ops []*domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("list operations: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, classify(rows.Err())
}
