// Package planner derives detection tasks from an execution record. Pure
// computation: no I/O, no clock, no randomness, so replays of the same
// record always produce the same plan.
package planner

import (
	"encoding/json"
	"sort"

	"github.com/purpleops/checking-engine/internal/codec"
	"github.com/purpleops/checking-engine/internal/domain"
)

// PlannedDetection is one {type, platform, config} task to run for an
// execution.
type PlannedDetection struct {
	DetectionType     domain.DetectionType
	DetectionPlatform string
	DetectionConfig   json.RawMessage
	MaxRetries        int
}

// retryOverride lets a detection config carry its own retry budget.
type retryOverride struct {
	MaxRetries *int `json:"max_retries"`
}

// Plan expands the record's detections map into a deterministic task list,
// sorted by (detection_type, detection_platform). An empty or missing
// detections map yields an empty plan; the execution is still valid, there
// is simply nothing to check.
func Plan(detections codec.DetectionMap, defaultMaxRetries int) []PlannedDetection {
	var plan []PlannedDetection
	for top, platforms := range detections {
		dt := domain.DetectionType(top)
		if !dt.Valid() {
			// The codec rejects unknown types on decode; guard anyway so a
			// hand-built map cannot smuggle one through.
			continue
		}
		for platform, cfg := range platforms {
			maxRetries := defaultMaxRetries
			var override retryOverride
			if err := json.Unmarshal(cfg, &override); err == nil && override.MaxRetries != nil && *override.MaxRetries >= 0 {
				maxRetries = *override.MaxRetries
			}
			plan = append(plan, PlannedDetection{
				DetectionType:     dt,
				DetectionPlatform: platform,
				DetectionConfig:   cfg,
				MaxRetries:        maxRetries,
			})
		}
	}

	sort.Slice(plan, func(i, j int) bool {
		if plan[i].DetectionType != plan[j].DetectionType {
			return plan[i].DetectionType < plan[j].DetectionType
		}
		return plan[i].DetectionPlatform < plan[j].DetectionPlatform
	})
	return plan
}
