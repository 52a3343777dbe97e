package model

import "time"

// TaskState is the lifecycle state of an ingest task.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskUploading  TaskState = "uploading"
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskError      TaskState = "error"
)

// Terminal reports whether the task has finished.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskError
}

// TaskStatus is the pollable progress record for a task id.
type TaskStatus struct {
	TaskID    string    `json:"task_id"`
	Status    TaskState `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
