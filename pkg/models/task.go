package models

import (
	"time"
)

// TaskStatus represents the lifecycle state of a video task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// VideoTask is one unit of analysis work inside a batch
type VideoTask struct {
	TaskID             string     `json:"task_id"`
	BatchID            string     `json:"batch_id"`
	SourcePath         string     `json:"source_path"`
	OutputTarget       string     `json:"output_target"`
	Priority           int        `json:"priority"` // lower runs sooner
	Sequence           int64      `json:"sequence"` // FIFO tie-break within a priority
	Status             TaskStatus `json:"status"`
	RetryCount         int        `json:"retry_count"`
	WriteFailures      int        `json:"write_failures,omitempty"`
	AssignedCredential string     `json:"assigned_credential,omitempty"`
	SourceHash         string     `json:"source_hash,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	NotBefore          *time.Time `json:"not_before,omitempty"`
	LastError          *TaskError `json:"last_error,omitempty"`
	Result             *Result    `json:"result,omitempty"`
	Version            int64      `json:"version"`

	Transitions []StateTransition `json:"transitions,omitempty"`
}

// StateTransition records a task state change
type StateTransition struct {
	From      TaskStatus `json:"from"`
	To        TaskStatus `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
	Reason    string     `json:"reason,omitempty"`
}

// Result is what the job executor hands back on success
type Result struct {
	OutputPath     string        `json:"output_path,omitempty"`
	Bytes          int64         `json:"bytes"`
	ProcessingTime time.Duration `json:"processing_time"`
	Skipped        bool          `json:"skipped,omitempty"`

	// Content is handed to the result sink and never checkpointed.
	Content []byte `json:"-"`
}

// TaskSpec describes a task before it is seeded into the store
type TaskSpec struct {
	TaskID       string `json:"id,omitempty" yaml:"id,omitempty"`
	SourcePath   string `json:"source" yaml:"source"`
	OutputTarget string `json:"output" yaml:"output"`
	Priority     int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Clone returns a deep copy safe to hand outside the store lock
func (t *VideoTask) Clone() VideoTask {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.NotBefore != nil {
		v := *t.NotBefore
		c.NotBefore = &v
	}
	if t.LastError != nil {
		v := *t.LastError
		c.LastError = &v
	}
	if t.Result != nil {
		v := *t.Result
		v.Content = nil
		c.Result = &v
	}
	if t.Transitions != nil {
		c.Transitions = append([]StateTransition(nil), t.Transitions...)
	}
	return c
}

// Ready reports whether a pending task may be dequeued at now
func (t *VideoTask) Ready(now time.Time) bool {
	return t.Status == TaskStatusPending && (t.NotBefore == nil || !now.Before(*t.NotBefore))
}

// ProcessingTime returns how long the last attempt took, or zero
func (t *VideoTask) ProcessingTime() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}
