package worker

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"time"

	"github.com/purpleops/checking-engine/internal/codec"
	"github.com/purpleops/checking-engine/internal/domain"
)

// MockDetector simulates a SIEM API lookup for end-to-end runs without a
// vendor backend. It fails transiently at a configurable rate to exercise
// the retry path, and otherwise reports a random number of matched events.
type MockDetector struct {
	FailureRate float64
	logger      *log.Logger
}

// NewMockDetector builds the mock with the given simulated failure rate.
func NewMockDetector(failureRate float64) *MockDetector {
	return &MockDetector{
		FailureRate: failureRate,
		logger:      log.New(log.Writer(), "[MockDetector] ", log.LstdFlags),
	}
}

// Supports claims the apitest platform on the api queue.
func (m *MockDetector) Supports(detectionType domain.DetectionType, platform string) bool {
	return detectionType == domain.DetectionTypeAPI && platform == "apitest"
}

type mockConfig struct {
	Query              string `json:"query"`
	Command            string `json:"command"`
	BeforeReportedTime int    `json:"before_reported_time"`
	AfterReportedTime  int    `json:"after_reported_time"`
}

// Detect pretends to query a SIEM for events matching the task's command
// inside the configured time window.
func (m *MockDetector) Detect(ctx context.Context, task *codec.TaskEnvelope) (*Detection, error) {
	var cfg mockConfig
	if len(task.Config) > 0 {
		if err := json.Unmarshal(task.Config, &cfg); err != nil {
			return nil, Permanent(err)
		}
	}

	if rand.Float64() < m.FailureRate {
		m.logger.Printf("⚠️  Simulating API failure for task %s", task.TaskID)
		return nil, Transientf("simulated SIEM failure for task %s", task.TaskID)
	}

	// Simulated query latency.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Second):
	}

	eventsFound := rand.Intn(6)
	raw, _ := json.Marshal(map[string]interface{}{
		"events_found": eventsFound,
		"search_id":    task.TaskID.String(),
		"query":        cfg.Query,
	})
	parsed, _ := json.Marshal(map[string]int{"events_found": eventsFound})

	detected := domain.DetectedFalse
	if eventsFound > 0 {
		detected = domain.DetectedTrue
	}

	m.logger.Printf("✅ Task %s: %d events (detected=%s)", task.TaskID, eventsFound, detected)
	return &Detection{
		Detected:      detected,
		RawResponse:   raw,
		ParsedResults: parsed,
		Source:        "mock_api",
	}, nil
}
