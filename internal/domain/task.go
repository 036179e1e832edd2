package domain

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypeSeries   TaskType = "series"
	TaskTypeChapters TaskType = "chapters"
)

func (t TaskType) Valid() bool {
	return t == TaskTypeSeries || t == TaskTypeChapters
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusError      TaskStatus = "error"
)

// Task is one unit of ingestion work in the sync queue.
// (ExternalID, Type) is unique.
type Task struct {
	ID         uuid.UUID  `json:"id"`
	ExternalID string     `json:"external_id"`
	Type       TaskType   `json:"type"`
	Priority   int        `json:"priority"`
	Status     TaskStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  *string    `json:"last_error,omitempty"`
	Meta       TaskMeta   `json:"metadata"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TaskMeta is the per-type payload of a task. The concrete type always
// matches the task's Type: SeriesMeta for series, ChaptersMeta for chapters.
type TaskMeta interface {
	TaskType() TaskType
}

// SeriesMeta carries discovery context; Title is for operators only.
type SeriesMeta struct {
	Title string `json:"title,omitempty"`
}

func (SeriesMeta) TaskType() TaskType { return TaskTypeSeries }

// ChaptersMeta is the pagination cursor of a chapter feed sync.
type ChaptersMeta struct {
	Offset     int   `json:"offset"`
	InternalID int64 `json:"internal_id"`
}

func (ChaptersMeta) TaskType() TaskType { return TaskTypeChapters }

// EncodeMeta serializes meta for storage. A nil meta encodes as an empty object.
func EncodeMeta(meta TaskMeta) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}

// DecodeMeta parses a stored payload into the variant selected by taskType.
// Missing fields take their zero value, so a chapters payload without an
// offset starts at 0.
func DecodeMeta(taskType TaskType, raw []byte) (TaskMeta, error) {
	if !taskType.Valid() {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}

	if taskType == TaskTypeSeries {
		var m SeriesMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode series metadata: %w", err)
		}
		return m, nil
	}

	var m ChaptersMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode chapters metadata: %w", err)
	}
	return m, nil
}

// Candidate is a series surfaced by the source's discovery listing.
type Candidate struct {
	ExternalID string
	Title      string
}

// QueueStats holds per-status task counts.
type QueueStats map[TaskStatus]int

// QueueOverview is the operator view of the queue.
type QueueOverview struct {
	Tasks  []Task     `json:"tasks"`
	Counts QueueStats `json:"counts"`
}
