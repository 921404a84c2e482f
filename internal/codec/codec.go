// Package codec owns the four on-wire message shapes exchanged over the
// broker: execution records from the emulation tool, api/agent task
// envelopes, and detection responses. It is the only package that converts
// raw broker bytes to and from structs; everything downstream works with
// typed envelopes.
//
// Inbound parsing is forward-compatible: unknown fields are ignored. Outbound
// encoding is canonical: timestamps are RFC 3339 UTC at microsecond
// precision, and no unknown fields are ever emitted.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/purpleops/checking-engine/internal/domain"
)

// ErrMalformed marks payloads that fail structural validation. Consumers
// dead-letter these instead of retrying: a payload that does not parse today
// will not parse tomorrow.
var ErrMalformed = errors.New("malformed payload")

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Timestamp wraps time.Time with the canonical wire format. Inbound it
// accepts RFC 3339 with or without sub-second digits; outbound it always
// writes UTC at microsecond precision.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return malformed("timestamp is not a string")
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		if parsed, err = time.Parse(time.RFC3339, s); err != nil {
			return malformed("timestamp %q not RFC 3339", s)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// TriState is the wire form of domain.Detected. JSON true/false map to the
// booleans, JSON null and the string "unknown" map to unknown; any other
// value is malformed.
type TriState domain.Detected

func (d TriState) MarshalJSON() ([]byte, error) {
	switch domain.Detected(d) {
	case domain.DetectedTrue:
		return []byte("true"), nil
	case domain.DetectedFalse:
		return []byte("false"), nil
	case domain.DetectedUnknown, "":
		return []byte("null"), nil
	}
	return nil, fmt.Errorf("invalid tri-state %q", string(d))
}

func (d *TriState) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true":
		*d = TriState(domain.DetectedTrue)
	case "false":
		*d = TriState(domain.DetectedFalse)
	case "null", `"unknown"`:
		*d = TriState(domain.DetectedUnknown)
	default:
		return malformed("detected must be true, false or unknown, got %s", string(b))
	}
	return nil
}

// Now returns the current time as a canonical wire timestamp.
func Now() Timestamp {
	return Timestamp{time.Now().UTC().Truncate(time.Microsecond)}
}

// ResultData is the structured command output inside an execution record.
type ResultData struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// OperationInfo identifies the upstream campaign an execution belongs to.
type OperationInfo struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	StartedAt Timestamp `json:"started_at"`
}

// ExecutionInfo is one agent-reported command result.
type ExecutionInfo struct {
	LinkID          uuid.UUID  `json:"link_id"`
	AgentHost       string     `json:"agent_host"`
	AgentPaw        string     `json:"agent_paw"`
	Command         string     `json:"command"`
	PID             int        `json:"pid"`
	Status          int        `json:"status"`
	ResultData      ResultData `json:"result_data"`
	AgentReportedAt Timestamp  `json:"agent_reported_at"`
	LinkState       string     `json:"link_state"`
}

// DetectionMap is the two-level {type: {platform: config}} structure carried
// by execution records. The outer keys are detection types; inner keys are
// free-form platform tags (cym, ajant, psh, sh, ...).
type DetectionMap map[string]map[string]json.RawMessage

// ExecutionRecord is the inbound envelope on the instructions queue.
type ExecutionRecord struct {
	Operation  OperationInfo   `json:"operation"`
	Execution  ExecutionInfo   `json:"execution"`
	Detections DetectionMap    `json:"detections,omitempty"`
	RawMessage json.RawMessage `json:"raw_message,omitempty"`
}

// TaskEnvelope is published to the api.tasks / agent.tasks queues, one per
// planned detection execution. It carries only references into the store
// plus the platform config the worker needs.
type TaskEnvelope struct {
	TaskID               uuid.UUID            `json:"task_id"`
	DetectionExecutionID uuid.UUID            `json:"detection_execution_id"`
	ExecutionID          uuid.UUID            `json:"execution_id"`
	OperationID          uuid.UUID            `json:"operation_id"`
	DetectionType        domain.DetectionType `json:"detection_type"`
	Platform             string               `json:"platform"`
	Config               json.RawMessage      `json:"config"`
	MaxRetries           int                  `json:"max_retries"`
	EnqueuedAt           Timestamp            `json:"enqueued_at"`
}

// DetectionResponse is published by workers to the response queues.
type DetectionResponse struct {
	TaskID               uuid.UUID       `json:"task_id"`
	DetectionExecutionID uuid.UUID       `json:"detection_execution_id"`
	Outcome              domain.Outcome  `json:"outcome"`
	Detected             TriState        `json:"detected"`
	RawResponse          json.RawMessage `json:"raw_response,omitempty"`
	ParsedResults        json.RawMessage `json:"parsed_results,omitempty"`
	Source               string          `json:"source"`
	WorkerID             string          `json:"worker_id"`
	FinishedAt           Timestamp       `json:"finished_at"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
}

// DecodeExecutionRecord parses and validates an execution-record payload.
func DecodeExecutionRecord(body []byte) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, malformed("execution record: %v", err)
	}
	if rec.Operation.ID == uuid.Nil {
		return nil, malformed("execution record missing operation.id")
	}
	if rec.Operation.Name == "" {
		return nil, malformed("execution record missing operation.name")
	}
	if rec.Execution.LinkID == uuid.Nil {
		return nil, malformed("execution record missing execution.link_id")
	}
	// Unknown detection types are not fatal; the planner skips them so a
	// newer producer can ship types this build does not know yet.
	if len(rec.RawMessage) == 0 {
		// Retain the full envelope for audit when the producer did not
		// embed its own copy.
		rec.RawMessage = append(json.RawMessage(nil), body...)
	}
	return &rec, nil
}

// DecodeTask parses and validates an api/agent task payload.
func DecodeTask(body []byte) (*TaskEnvelope, error) {
	var task TaskEnvelope
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, malformed("task: %v", err)
	}
	if task.TaskID == uuid.Nil || task.DetectionExecutionID == uuid.Nil {
		return nil, malformed("task missing task_id or detection_execution_id")
	}
	if !task.DetectionType.Valid() {
		return nil, malformed("task has invalid detection_type %q", task.DetectionType)
	}
	if task.Platform == "" {
		return nil, malformed("task missing platform")
	}
	if task.MaxRetries < 0 {
		return nil, malformed("task max_retries negative")
	}
	return &task, nil
}

// DecodeResponse parses and validates a detection-response payload.
func DecodeResponse(body []byte) (*DetectionResponse, error) {
	var resp DetectionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed("response: %v", err)
	}
	if resp.DetectionExecutionID == uuid.Nil {
		return nil, malformed("response missing detection_execution_id")
	}
	if !resp.Outcome.Valid() {
		return nil, malformed("response has invalid outcome %q", resp.Outcome)
	}
	if resp.Detected == "" {
		resp.Detected = TriState(domain.DetectedUnknown)
	}
	return &resp, nil
}

// Encode serializes any outbound envelope in canonical form.
func Encode(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return body, nil
}
