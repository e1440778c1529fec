package models

import (
	"time"
)

// CheckpointReason records what triggered a checkpoint
type CheckpointReason string

const (
	CheckpointInterval    CheckpointReason = "interval"
	CheckpointCompletions CheckpointReason = "completions"
	CheckpointPause       CheckpointReason = "pause"
	CheckpointCancel      CheckpointReason = "cancel"
	CheckpointFinal       CheckpointReason = "final"
	CheckpointManual      CheckpointReason = "manual"
)

// CheckpointVersion is bumped whenever the record layout changes
const CheckpointVersion = 1

// CheckpointRecord is an immutable, self-consistent snapshot of a batch
type CheckpointRecord struct {
	Version      int              `json:"version"`
	CheckpointID string           `json:"checkpoint_id"`
	BatchID      string           `json:"batch_id"`
	Timestamp    time.Time        `json:"timestamp"`
	Reason       CheckpointReason `json:"reason"`
	BatchState   BatchState       `json:"batch_state"`
	Tasks        []VideoTask      `json:"tasks"`
	Credentials  []Credential     `json:"credentials"`
	Checksum     string           `json:"checksum"`
}

// CheckpointInfo is the listing view of a checkpoint file
type CheckpointInfo struct {
	CheckpointID string           `json:"checkpoint_id"`
	BatchID      string           `json:"batch_id"`
	Timestamp    time.Time        `json:"timestamp"`
	Reason       CheckpointReason `json:"reason"`
	Status       BatchStatus      `json:"status"`
	Completed    int              `json:"completed"`
	TotalTasks   int              `json:"total_tasks"`
	Path         string           `json:"path"`
	SizeBytes    int64            `json:"size_bytes"`
}

// Info summarises the record for listings
func (r *CheckpointRecord) Info(path string) CheckpointInfo {
	return CheckpointInfo{
		CheckpointID: r.CheckpointID,
		BatchID:      r.BatchID,
		Timestamp:    r.Timestamp,
		Reason:       r.Reason,
		Status:       r.BatchState.Status,
		Completed:    r.BatchState.Completed,
		TotalTasks:   r.BatchState.TotalTasks,
		Path:         path,
	}
}
