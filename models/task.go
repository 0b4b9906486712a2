package models

import (
	"time"
)

// TaskStatus represents the status of a detection task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether the status is final
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// DetectionTask represents a detection task entity.
// Progress is a percentage in [0,100]; Stage is the last reported
// pipeline stage label, kept for diagnostics after a failure.
type DetectionTask struct {
	TaskID         string     `json:"task_id"`
	SubmissionTime time.Time  `json:"submission_time"`
	Status         TaskStatus `json:"status"`
	Progress       int        `json:"progress"`
	Stage          *string    `json:"stage,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	ReportID       *string    `json:"report_id,omitempty"`
}
