package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectionTypeWorkerClass(t *testing.T) {
	assert.Equal(t, "api", DetectionTypeAPI.WorkerClass())
	assert.Equal(t, "agent", DetectionTypeWindows.WorkerClass())
	assert.Equal(t, "agent", DetectionTypeLinux.WorkerClass())
	assert.Equal(t, "agent", DetectionTypeDarwin.WorkerClass())
}

func TestDetectionStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestOutcomeTerminalStatus(t *testing.T) {
	assert.Equal(t, StatusCompleted, OutcomeOK.TerminalStatus())
	assert.Equal(t, StatusFailed, OutcomeError.TerminalStatus())
	assert.Equal(t, StatusFailed, OutcomeTimeout.TerminalStatus())
}

func TestDetectedBool(t *testing.T) {
	v, ok := DetectedTrue.Bool()
	assert.True(t, v)
	assert.True(t, ok)

	v, ok = DetectedFalse.Bool()
	assert.False(t, v)
	assert.True(t, ok)

	_, ok = DetectedUnknown.Bool()
	assert.False(t, ok)
}
