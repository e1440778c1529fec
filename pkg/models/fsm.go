package models

import (
	"fmt"
)

// validTaskTransitions maps from-state to allowed to-states
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending: {
		TaskStatusRunning:   true, // Pending → Running (worker dequeues)
		TaskStatusCancelled: true, // Pending → Cancelled (batch cancelled)
	},
	TaskStatusRunning: {
		TaskStatusCompleted: true, // Running → Completed (result persisted)
		TaskStatusFailed:    true, // Running → Failed (permanent failure)
		TaskStatusCancelled: true, // Running → Cancelled (batch cancelled mid-attempt)
		TaskStatusPending:   true, // Running → Pending (retry or credential switch)
	},
	// Terminal states (no transitions allowed)
	TaskStatusCompleted: {},
	TaskStatusFailed:    {},
	TaskStatusCancelled: {},
}

// ValidateTaskTransition checks if a task state transition is valid
func ValidateTaskTransition(from, to TaskStatus) error {
	allowed, exists := validTaskTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalTask returns true if the task can no longer change
func IsTerminalTask(status TaskStatus) bool {
	return status == TaskStatusCompleted || status == TaskStatusFailed || status == TaskStatusCancelled
}

var validBatchTransitions = map[BatchStatus]map[BatchStatus]bool{
	BatchInitializing: {
		BatchRunning:   true,
		BatchCompleted: true, // every task already done on resume
		BatchFailed:    true,
		BatchCancelled: true,
	},
	BatchRunning: {
		BatchPaused:    true,
		BatchCompleted: true,
		BatchFailed:    true,
		BatchCancelled: true,
	},
	BatchPaused: {
		BatchRunning:   true,
		BatchFailed:    true,
		BatchCancelled: true,
	},
	BatchCompleted: {},
	BatchFailed:    {},
	BatchCancelled: {},
}

// ValidateBatchTransition checks if a batch state transition is valid
func ValidateBatchTransition(from, to BatchStatus) error {
	allowed, exists := validBatchTransitions[from]
	if !exists {
		return fmt.Errorf("unknown batch state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid batch transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalBatch returns true if the batch has finished
func IsTerminalBatch(status BatchStatus) bool {
	return status == BatchCompleted || status == BatchFailed || status == BatchCancelled
}
