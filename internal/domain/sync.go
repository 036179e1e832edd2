package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskResult is how a tick left a task.
type TaskResult string

const (
	ResultCompleted   TaskResult = "completed"
	ResultRescheduled TaskResult = "rescheduled"
	ResultError       TaskResult = "error"
	ResultSkipped     TaskResult = "skipped"
	ResultReleased    TaskResult = "released"
)

// TaskOutcome summarizes one task's execution within a tick.
type TaskOutcome struct {
	TaskID     uuid.UUID  `json:"task_id"`
	ExternalID string     `json:"external_id"`
	Type       TaskType   `json:"type"`
	Result     TaskResult `json:"result"`
	Title      string     `json:"title,omitempty"`
	Chapters   int        `json:"chapters,omitempty"`
	NextOffset *int       `json:"next_offset,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// TickResult holds statistics about one worker tick.
type TickResult struct {
	Seeded     int           `json:"seeded"`
	Retried    int           `json:"retried,omitempty"`
	QueueEmpty bool          `json:"queue_empty"`
	Processed  []TaskOutcome `json:"processed"`
	Duration   time.Duration `json:"duration"`
}

type SyncEventKind string

const (
	EventSeriesSynced     SyncEventKind = "series.synced"
	EventChaptersIngested SyncEventKind = "chapters.ingested"
)

// SyncEvent announces a catalog change to downstream consumers.
type SyncEvent struct {
	Kind       SyncEventKind `json:"kind"`
	SeriesID   int64         `json:"series_id"`
	ExternalID string        `json:"external_id"`
	Title      string        `json:"title,omitempty"`
	Chapters   int           `json:"chapters,omitempty"`
}
