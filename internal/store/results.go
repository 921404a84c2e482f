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

const resultColumns = `id, detection_execution_id, detected, raw_response, parsed_results,
	result_timestamp, result_source, metadata, created_at`

func scanResult(row interface{ Scan(...interface{}) error }) (*domain.DetectionResult, error) {
	var dr domain.DetectionResult
	var detected sql.NullBool
	var raw, parsed, meta []byte
	err := row.Scan(&dr.ID, &dr.DetectionExecutionID, &detected, &raw, &parsed,
		&dr.ResultTimestamp, &dr.ResultSource, &meta, &dr.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	if detected.Valid {
		v := detected.Bool
		dr.Detected = &v
	}
	dr.RawResponse = raw
	dr.ParsedResults = parsed
	dr.Metadata = meta
	return &dr, nil
}

// NewDetectionResult is the input for AppendDetectionResult. Detected nil
// means unknown and is stored as NULL.
type NewDetectionResult struct {
	DetectionExecutionID uuid.UUID
	Detected             *bool
	RawResponse          json.RawMessage
	ParsedResults        json.RawMessage
	ResultTimestamp      time.Time
	ResultSource         string
	Metadata             json.RawMessage
}

// AppendDetectionResult inserts one observation row. Insert-only: duplicate
// responses under redelivery produce duplicate rows, which keeps the audit
// trail honest.
func (t *Tx) AppendDetectionResult(ctx context.Context, in NewDetectionResult) (*domain.DetectionResult, error) {
	const q = `
		INSERT INTO detection_results (id, detection_execution_id, detected, raw_response,
			parsed_results, result_timestamp, result_source, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, '{}'::jsonb), now())
		RETURNING ` + resultColumns

	ts := in.ResultTimestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	row := t.tx.QueryRowContext(ctx, q, uuid.New(), in.DetectionExecutionID, in.Detected,
		nullJSON(in.RawResponse), nullJSON(in.ParsedResults), ts, in.ResultSource, nullJSON(in.Metadata))
	dr, err := scanResult(row)
	if err != nil {
		return nil, fmt.Errorf("append detection result for %s: %w", in.DetectionExecutionID, err)
	}
	return dr, nil
}

// ListDetectionResults returns the result rows for one detection execution,
// newest first (the first row is the final outcome).
func (g *Gateway) ListDetectionResults(ctx context.Context, detectionExecutionID uuid.UUID, limit int) ([]*domain.DetectionResult, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := g.db.QueryContext(ctx,
		"SELECT "+resultColumns+" FROM detection_results WHERE detection_execution_id = $1 ORDER BY result_timestamp DESC LIMIT $2",
		detectionExecutionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list detection results: %w", classify(err))
	}
	defer rows.Close()

	var out []*domain.DetectionResult
	for rows.Next() {
		dr, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("list detection results: %w", err)
		}
		out = append(out, dr)
	}
	return out, classify(rows.Err())
}
