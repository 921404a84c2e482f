// Package domain holds the row structs and enums shared by the Checking
// Engine's components. Rows are plain data; all behavior lives in the
// services that receive them (see internal/store, internal/ingest, ...).
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DetectionType classifies where a detection task runs.
type DetectionType string

const (
	DetectionTypeAPI     DetectionType = "api"
	DetectionTypeWindows DetectionType = "windows"
	DetectionTypeLinux   DetectionType = "linux"
	DetectionTypeDarwin  DetectionType = "darwin"
)

// Valid reports whether t is one of the four supported detection types.
func (t DetectionType) Valid() bool {
	switch t {
	case DetectionTypeAPI, DetectionTypeWindows, DetectionTypeLinux, DetectionTypeDarwin:
		return true
	}
	return false
}

// WorkerClass maps a detection type to the queue family that serves it:
// "api" for SIEM/EDR API lookups, "agent" for host-side checks.
func (t DetectionType) WorkerClass() string {
	if t == DetectionTypeAPI {
		return "api"
	}
	return "agent"
}

// DetectionStatus is the lifecycle state of one detection execution.
type DetectionStatus string

const (
	StatusPending   DetectionStatus = "pending"
	StatusRunning   DetectionStatus = "running"
	StatusCompleted DetectionStatus = "completed"
	StatusFailed    DetectionStatus = "failed"
	StatusCancelled DetectionStatus = "cancelled"
)

// IsTerminal returns true once the status can no longer change.
func (s DetectionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s DetectionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Outcome is a worker's verdict on how its detection attempt ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Valid reports whether o is a known outcome value.
func (o Outcome) Valid() bool {
	return o == OutcomeOK || o == OutcomeError || o == OutcomeTimeout
}

// TerminalStatus maps a response outcome onto the detection execution's
// terminal state: ok → completed, error/timeout → failed.
func (o Outcome) TerminalStatus() DetectionStatus {
	if o == OutcomeOK {
		return StatusCompleted
	}
	return StatusFailed
}

// Detected is the tri-state observation a worker reports. A detection can
// legitimately come back "unknown" (e.g. the SIEM query ran but the rule set
// cannot decide); unknown never implies failure.
type Detected string

const (
	DetectedTrue    Detected = "true"
	DetectedFalse   Detected = "false"
	DetectedUnknown Detected = "unknown"
)

// Valid reports whether d is one of the three tri-state values.
func (d Detected) Valid() bool {
	return d == DetectedTrue || d == DetectedFalse || d == DetectedUnknown
}

// Bool returns the boolean value and ok=false when unknown. The store keeps
// unknown as SQL NULL.
func (d Detected) Bool() (value, ok bool) {
	switch d {
	case DetectedTrue:
		return true, true
	case DetectedFalse:
		return false, true
	}
	return false, false
}

// Operation is one upstream emulation campaign, keyed by the externally
// supplied UUID. Created on first sighting of any execution that references
// it; never deleted by the engine.
type Operation struct {
	ID         uuid.UUID       `json:"id"`
	ExternalID uuid.UUID       `json:"external_id"`
	Name       string          `json:"name"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Execution is one command result reported by one agent, unique per
// (operation external id, link id). Immutable after creation.
type Execution struct {
	ID                  uuid.UUID       `json:"id"`
	OperationExternalID uuid.UUID       `json:"operation_external_id"`
	AgentHost           string          `json:"agent_host"`
	AgentPaw            string          `json:"agent_paw"`
	LinkID              uuid.UUID       `json:"link_id"`
	Command             string          `json:"command"`
	PID                 int             `json:"pid"`
	Status              int             `json:"status"`
	ResultData          json.RawMessage `json:"result_data,omitempty"`
	AgentReportedAt     *time.Time      `json:"agent_reported_at,omitempty"`
	LinkState           string          `json:"link_state"`
	RawMessage          json.RawMessage `json:"raw_message,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// DetectionExecution is one planned attempt to detect an execution on one
// platform. Owns the retry counter and the status state machine.
type DetectionExecution struct {
	ID                  uuid.UUID       `json:"id"`
	ExecutionID         uuid.UUID       `json:"execution_id"`
	OperationExternalID uuid.UUID       `json:"operation_external_id"`
	DetectionType       DetectionType   `json:"detection_type"`
	DetectionPlatform   string          `json:"detection_platform"`
	DetectionConfig     json.RawMessage `json:"detection_config"`
	Status              DetectionStatus `json:"status"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	RetryCount          int             `json:"retry_count"`
	MaxRetries          int             `json:"max_retries"`
	ExecutionMetadata   json.RawMessage `json:"execution_metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// DetectionResult is one observation reported by a worker. Append-only; a
// detection execution may accumulate several rows across retries and
// duplicate deliveries, and the most recent row is the final outcome.
type DetectionResult struct {
	ID                   uuid.UUID       `json:"id"`
	DetectionExecutionID uuid.UUID       `json:"detection_execution_id"`
	Detected             *bool           `json:"detected"` // nil == unknown
	RawResponse          json.RawMessage `json:"raw_response,omitempty"`
	ParsedResults        json.RawMessage `json:"parsed_results,omitempty"`
	ResultTimestamp      time.Time       `json:"result_timestamp"`
	ResultSource         string          `json:"result_source"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// StatusPatch carries the optional column updates that ride along with a
// compare-and-set status transition.
type StatusPatch struct {
	StartedAt         *time.Time
	CompletedAt       *time.Time
	RetryCount        *int
	ExecutionMetadata json.RawMessage
}
