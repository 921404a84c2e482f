package planner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purpleops/checking-engine/internal/codec"
	"github.com/purpleops/checking-engine/internal/domain"
)

func TestPlanEmptyDetections(t *testing.T) {
	assert.Empty(t, Plan(nil, 3))
	assert.Empty(t, Plan(codec.DetectionMap{}, 3))
}

func TestPlanSortedByTypeThenPlatform(t *testing.T) {
	detections := codec.DetectionMap{
		"windows": {
			"psh": json.RawMessage(`{"query":"a"}`),
			"cmd": json.RawMessage(`{"query":"b"}`),
		},
		"api": {
			"cym": json.RawMessage(`{"query":"c"}`),
		},
		"linux": {
			"sh": json.RawMessage(`{"query":"d"}`),
		},
	}

	plan := Plan(detections, 3)
	require.Len(t, plan, 4)

	assert.Equal(t, domain.DetectionTypeAPI, plan[0].DetectionType)
	assert.Equal(t, "cym", plan[0].DetectionPlatform)
	assert.Equal(t, domain.DetectionTypeLinux, plan[1].DetectionType)
	assert.Equal(t, domain.DetectionTypeWindows, plan[2].DetectionType)
	assert.Equal(t, "cmd", plan[2].DetectionPlatform)
	assert.Equal(t, "psh", plan[3].DetectionPlatform)
}

func TestPlanDeterministic(t *testing.T) {
	detections := codec.DetectionMap{
		"api":     {"cym": json.RawMessage(`{}`), "splunk": json.RawMessage(`{}`)},
		"windows": {"psh": json.RawMessage(`{}`)},
	}

	first := Plan(detections, 3)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Plan(detections, 3))
	}
}

func TestPlanDefaultMaxRetries(t *testing.T) {
	plan := Plan(codec.DetectionMap{"api": {"cym": json.RawMessage(`{"query":"x"}`)}}, 5)
	require.Len(t, plan, 1)
	assert.Equal(t, 5, plan[0].MaxRetries)
}

func TestPlanMaxRetriesOverride(t *testing.T) {
	detections := codec.DetectionMap{
		"api": {
			"cym":    json.RawMessage(`{"max_retries":1}`),
			"splunk": json.RawMessage(`{"max_retries":-2}`),
		},
	}

	plan := Plan(detections, 3)
	require.Len(t, plan, 2)
	assert.Equal(t, 1, plan[0].MaxRetries)
	// Negative override is ignored; the default applies.
	assert.Equal(t, 3, plan[1].MaxRetries)
}

func TestPlanSkipsUnknownType(t *testing.T) {
	detections := codec.DetectionMap{
		"api":     {"cym": json.RawMessage(`{}`)},
		"freebsd": {"sh": json.RawMessage(`{}`)},
	}

	plan := Plan(detections, 3)
	require.Len(t, plan, 1)
	assert.Equal(t, domain.DetectionTypeAPI, plan[0].DetectionType)
}

func TestPlanCarriesConfigVerbatim(t *testing.T) {
	cfg := json.RawMessage(`{"query":"process where name='evil.exe'","window":120}`)
	plan := Plan(codec.DetectionMap{"windows": {"psh": cfg}}, 3)
	require.Len(t, plan, 1)
	assert.JSONEq(t, string(cfg), string(plan[0].DetectionConfig))
}
