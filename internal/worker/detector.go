// Package worker is the generic runtime for detection workers: it consumes
// task envelopes from a typed queue, applies jitter, drives a
// platform-specific Detector with an in-process retry loop, and publishes a
// standardized detection response. Workers never write detection_results;
// that is the result consumer's job.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/purpleops/checking-engine/internal/codec"
	"github.com/purpleops/checking-engine/internal/domain"
)

// Detection is a detector's observation for one task.
type Detection struct {
	Detected      domain.Detected
	RawResponse   json.RawMessage
	ParsedResults json.RawMessage
	Source        string
}

// Detector performs one platform-specific detection attempt. Implementations
// classify their failures: return Transient(err) for failures worth
// retrying (timeouts, 5xx, connectivity) and Permanent(err) for failures
// that will not improve (4xx, bad config).
type Detector interface {
	// Supports reports whether this detector handles the given detection
	// type and platform tag.
	Supports(detectionType domain.DetectionType, platform string) bool
	// Detect runs one attempt. The context carries the per-call timeout.
	Detect(ctx context.Context, task *codec.TaskEnvelope) (*Detection, error)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient wraps a retriable detector failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Permanent wraps a non-retriable detector failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Transientf builds a transient failure from a format string.
func Transientf(format string, args ...interface{}) error {
	return Transient(fmt.Errorf(format, args...))
}

// IsTransient reports whether a detector error should be retried. A context
// deadline (detector timeout) counts as transient.
func IsTransient(err error) bool {
	var t *transientError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Registry routes tasks to the detector that supports them.
type Registry struct {
	detectors []Detector
}

// NewRegistry builds a registry from the given detectors.
func NewRegistry(detectors ...Detector) *Registry {
	return &Registry{detectors: detectors}
}

// Register adds a detector.
func (r *Registry) Register(d Detector) {
	r.detectors = append(r.detectors, d)
}

// For returns the first detector supporting (type, platform), or nil.
func (r *Registry) For(detectionType domain.DetectionType, platform string) Detector {
	for _, d := range r.detectors {
		if d.Supports(detectionType, platform) {
			return d
		}
	}
	return nil
}
