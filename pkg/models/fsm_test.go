package models

import (
	"testing"
)

func TestValidateTaskTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		wantErr bool
	}{
		// Valid transitions
		{"Pending to Running", TaskStatusPending, TaskStatusRunning, false},
		{"Pending to Cancelled", TaskStatusPending, TaskStatusCancelled, false},
		{"Running to Completed", TaskStatusRunning, TaskStatusCompleted, false},
		{"Running to Failed", TaskStatusRunning, TaskStatusFailed, false},
		{"Running to Pending", TaskStatusRunning, TaskStatusPending, false},
		{"Running to Cancelled", TaskStatusRunning, TaskStatusCancelled, false},

		// Invalid transitions
		{"Pending to Completed", TaskStatusPending, TaskStatusCompleted, true},
		{"Pending to Failed", TaskStatusPending, TaskStatusFailed, true},
		{"Completed to Running", TaskStatusCompleted, TaskStatusRunning, true},
		{"Completed to Pending", TaskStatusCompleted, TaskStatusPending, true},
		{"Failed to Pending", TaskStatusFailed, TaskStatusPending, true},
		{"Cancelled to Running", TaskStatusCancelled, TaskStatusRunning, true},
		{"Unknown source", TaskStatus("bogus"), TaskStatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTaskTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTaskTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestValidateBatchTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    BatchStatus
		to      BatchStatus
		wantErr bool
	}{
		{"Initializing to Running", BatchInitializing, BatchRunning, false},
		{"Running to Paused", BatchRunning, BatchPaused, false},
		{"Paused to Running", BatchPaused, BatchRunning, false},
		{"Paused to Cancelled", BatchPaused, BatchCancelled, false},
		{"Running to Completed", BatchRunning, BatchCompleted, false},
		{"Running to Failed", BatchRunning, BatchFailed, false},

		{"Paused to Completed", BatchPaused, BatchCompleted, true},
		{"Completed to Running", BatchCompleted, BatchRunning, true},
		{"Cancelled to Paused", BatchCancelled, BatchPaused, true},
		{"Initializing to Paused", BatchInitializing, BatchPaused, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatchTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBatchTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalTask(t *testing.T) {
	tests := []struct {
		state    TaskStatus
		expected bool
	}{
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
		{TaskStatusCancelled, true},
		{TaskStatusPending, false},
		{TaskStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminalTask(tt.state); got != tt.expected {
				t.Errorf("IsTerminalTask(%v) = %v, want %v", tt.state, got, tt.expected)
			}
		})
	}
}
