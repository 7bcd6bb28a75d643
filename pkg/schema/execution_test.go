package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionStatusTerminal(t *testing.T) {
	assert.False(t, ExecutionStatusRunning.Terminal())
	assert.False(t, ExecutionStatusPaused.Terminal())
	assert.True(t, ExecutionStatusCompleted.Terminal())
	assert.True(t, ExecutionStatusFailed.Terminal())
}

func TestResultStatusTerminal(t *testing.T) {
	assert.False(t, ResultStatusPending.Terminal())
	assert.False(t, ResultStatusInProgress.Terminal())
	assert.True(t, ResultStatusCompleted.Terminal())
	assert.True(t, ResultStatusSkipped.Terminal())
	assert.True(t, ResultStatusFailed.Terminal())
}
