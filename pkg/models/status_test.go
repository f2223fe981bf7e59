package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageStatus_String(t *testing.T) {
	tests := []struct {
		status PageStatus
		want   string
	}{
		{PageStatusUnset, "unset"},
		{PageStatusPending, "pending"},
		{PageStatusSuccess, "success"},
		{PageStatusFailure, "failure"},
		{PageStatusNotFound, "not_found"},
		{PageStatusDBError, "db_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestPageStatus_IsValid(t *testing.T) {
	assert.True(t, PageStatusPending.IsValid())
	assert.True(t, PageStatusSuccess.IsValid())
	assert.True(t, PageStatusFailure.IsValid())
	assert.False(t, PageStatusUnset.IsValid())
	assert.False(t, PageStatus("arbitrary").IsValid())
}

func TestTaskState(t *testing.T) {
	tests := []struct {
		state     TaskState
		name      string
		cancelled bool
	}{
		{StateRunning, "running", false},
		{StatePaused, "paused", false},
		{StateSoftCancel, "soft_cancel", true},
		{StateHardCancel, "hard_cancel", true},
		{TaskState(42), "unknown", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.state.String())
			assert.Equal(t, tt.cancelled, tt.state.Cancelled())
		})
	}

	var zero TaskState
	assert.Equal(t, StateRunning, zero, "zero value must be running")
}
