package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BatchStatus represents the orchestrator state of a batch
type BatchStatus string

const (
	BatchInitializing BatchStatus = "initializing"
	BatchRunning      BatchStatus = "running"
	BatchPaused       BatchStatus = "paused"
	BatchCompleted    BatchStatus = "completed"
	BatchFailed       BatchStatus = "failed"
	BatchCancelled    BatchStatus = "cancelled"
)

// TaskCounts is a per-status breakdown of the task store
type TaskCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Total returns the number of tasks counted
func (c TaskCounts) Total() int {
	return c.Pending + c.Running + c.Completed + c.Failed + c.Cancelled
}

// Remaining returns the number of tasks not yet in a terminal state
func (c TaskCounts) Remaining() int {
	return c.Pending + c.Running
}

// Add counts one task in status s
func (c *TaskCounts) Add(s TaskStatus) {
	switch s {
	case TaskStatusPending:
		c.Pending++
	case TaskStatusRunning:
		c.Running++
	case TaskStatusCompleted:
		c.Completed++
	case TaskStatusFailed:
		c.Failed++
	case TaskStatusCancelled:
		c.Cancelled++
	}
}

// BatchState is the orchestrator's view of a batch
type BatchState struct {
	BatchID     string      `json:"batch_id"`
	Status      BatchStatus `json:"status"`
	TotalTasks  int         `json:"total_tasks"`
	WorkerCount int         `json:"worker_count"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Stalled     bool        `json:"stalled"`
	StallReason string      `json:"stall_reason,omitempty"`
	FatalError  string      `json:"fatal_error,omitempty"`

	TaskCounts
}

// NewBatchID returns an id of the form batch_YYYYMMDD_HHMMSS_xxxxxxxx
func NewBatchID(now time.Time) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("batch_%s_%s", now.Format("20060102_150405"), short)
}
