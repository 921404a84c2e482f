package results

import (
	"context"
	"errors"
	"time"

	"github.com/purpleops/checking-engine/internal/codec"
	"github.com/purpleops/checking-engine/internal/domain"
	"github.com/purpleops/checking-engine/internal/store"
)

// Gateway adapts the store Gateway to the consumer's Store interface.
type Gateway struct {
	g *store.Gateway
}

// NewGateway wraps a store gateway for result recording.
func NewGateway(g *store.Gateway) *Gateway {
	return &Gateway{g: g}
}

// RecordResult appends the result row and finalizes the detection execution
// in one transaction. The append always happens; the CAS to the terminal
// state is skipped silently when the row is already terminal.
func (s *Gateway) RecordResult(ctx context.Context, resp *codec.DetectionResponse) (Outcome, error) {
	var out Outcome

	err := s.g.WithinTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		// Correlate first so an unknown id surfaces as ErrNotFound
		// instead of a foreign-key violation on the insert.
		if _, err := tx.GetDetectionExecution(ctx, resp.DetectionExecutionID); err != nil {
			return err
		}

		ts := resp.FinishedAt.Time
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		var detected *bool
		if v, ok := domain.Detected(resp.Detected).Bool(); ok {
			detected = &v
		}
		if _, err := tx.AppendDetectionResult(ctx, store.NewDetectionResult{
			DetectionExecutionID: resp.DetectionExecutionID,
			Detected:             detected,
			RawResponse:          resp.RawResponse,
			ParsedResults:        resp.ParsedResults,
			ResultTimestamp:      ts,
			ResultSource:         resp.Source,
			Metadata:             resp.Metadata,
		}); err != nil {
			return err
		}

		err := tx.TransitionDetectionExecution(ctx, resp.DetectionExecutionID,
			[]domain.DetectionStatus{domain.StatusPending, domain.StatusRunning},
			resp.Outcome.TerminalStatus(),
			terminalPatch(resp, ts))
		if errors.Is(err, store.ErrConflict) {
			// Already terminal: duplicate response, keep the row.
			return nil
		}
		if err != nil {
			return err
		}
		out.Transitioned = true
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// terminalPatch builds the column updates riding the terminal transition.
// Failed rows keep the worker's structured error details on the detection
// execution itself, not just in the result row.
func terminalPatch(resp *codec.DetectionResponse, completedAt time.Time) domain.StatusPatch {
	patch := domain.StatusPatch{CompletedAt: &completedAt}
	if resp.Outcome.TerminalStatus() == domain.StatusFailed && len(resp.Metadata) > 0 {
		patch.ExecutionMetadata = resp.Metadata
	}
	return patch
}
