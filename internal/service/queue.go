package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"neosync/internal/config"
	"neosync/internal/domain"
)

// SyncQueue is the durable work list shared by the worker and the admin
// endpoints.
type SyncQueue struct {
	tasks  TaskStore
	window int
	logger *slog.Logger
}

func NewSyncQueue(tasks TaskStore, cfg config.QueueConfig, logger *slog.Logger) *SyncQueue {
	return &SyncQueue{
		tasks:  tasks,
		window: cfg.SelectWindow,
		logger: logger.With("component", "queue"),
	}
}

// SelectBatch returns up to n pending tasks, highest priority first and
// oldest first within a priority.
//
// The queue is read in ordered windows and filtered for pending here rather
// than in SQL, so every window is a prefix of the service order. Windows are
// read until n tasks are found or the table is exhausted.
func (q *SyncQueue) SelectBatch(ctx context.Context, n int) ([]domain.Task, error) {
	if n <= 0 {
		return nil, nil
	}

	window := max(q.window, n)
	batch := make([]domain.Task, 0, n)

	for offset := 0; ; offset += window {
		rows, err := q.tasks.ListOrdered(ctx, window, offset)
		if err != nil {
			return nil, fmt.Errorf("list tasks at offset %d: %w", offset, err)
		}

		for _, t := range rows {
			if t.Status != domain.TaskStatusPending {
				continue
			}
			batch = append(batch, t)
			if len(batch) == n {
				return batch, nil
			}
		}

		if len(rows) < window {
			return batch, nil
		}
	}
}

// MarkProcessing claims a pending task. It reports false when another
// worker got there first.
func (q *SyncQueue) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	return q.tasks.MarkProcessing(ctx, id)
}

func (q *SyncQueue) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return q.tasks.MarkCompleted(ctx, id)
}

func (q *SyncQueue) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	return q.tasks.MarkError(ctx, id, message)
}

// Reschedule puts a task back to pending with an updated cursor.
func (q *SyncQueue) Reschedule(ctx context.Context, id uuid.UUID, meta domain.TaskMeta) error {
	return q.tasks.Reschedule(ctx, id, meta)
}

func (q *SyncQueue) PendingCount(ctx context.Context) (int, error) {
	return q.tasks.CountByStatus(ctx, domain.TaskStatusPending)
}

// EnqueueDiscovered adds a series task for every candidate not already
// queued. Existing tasks keep their status, priority and metadata.
func (q *SyncQueue) EnqueueDiscovered(ctx context.Context, candidates []domain.Candidate, priority int) (int, error) {
	seen := make(map[string]struct{}, len(candidates))
	tasks := make([]domain.Task, 0, len(candidates))

	for _, c := range candidates {
		if c.ExternalID == "" {
			continue
		}
		if _, ok := seen[c.ExternalID]; ok {
			continue
		}
		seen[c.ExternalID] = struct{}{}

		tasks = append(tasks, domain.Task{
			ExternalID: c.ExternalID,
			Type:       domain.TaskTypeSeries,
			Priority:   priority,
			Status:     domain.TaskStatusPending,
			Meta:       domain.SeriesMeta{Title: c.Title},
		})
	}

	if len(tasks) == 0 {
		return 0, nil
	}

	n, err := q.tasks.InsertIgnore(ctx, tasks)
	if err != nil {
		return 0, fmt.Errorf("insert discovered tasks: %w", err)
	}

	q.logger.Debug("enqueued discovered series", "candidates", len(tasks), "inserted", n)
	return n, nil
}

// EnqueueChapters queues a chapter sync for a stored series, restarting any
// existing chapters task from meta's offset.
func (q *SyncQueue) EnqueueChapters(ctx context.Context, externalID string, priority int, meta domain.ChaptersMeta) (*domain.Task, error) {
	task, err := q.tasks.Upsert(ctx, &domain.Task{
		ExternalID: externalID,
		Type:       domain.TaskTypeChapters,
		Priority:   priority,
		Status:     domain.TaskStatusPending,
		Meta:       meta,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert chapters task: %w", err)
	}
	return task, nil
}

// ForceEnqueue queues a series sync at priority, resetting an existing task
// whatever its current status. An existing task keeps its discovery title.
func (q *SyncQueue) ForceEnqueue(ctx context.Context, externalID string, priority int) (*domain.Task, error) {
	task, err := q.tasks.Upsert(ctx, &domain.Task{
		ExternalID: externalID,
		Type:       domain.TaskTypeSeries,
		Priority:   priority,
		Status:     domain.TaskStatusPending,
		Meta:       domain.SeriesMeta{},
	})
	if err != nil {
		return nil, fmt.Errorf("upsert series task: %w", err)
	}
	return task, nil
}

func (q *SyncQueue) Stats(ctx context.Context) (domain.QueueStats, error) {
	return q.tasks.CountsByStatus(ctx)
}

// Recent returns the most recently updated tasks.
func (q *SyncQueue) Recent(ctx context.Context, limit int) ([]domain.Task, error) {
	return q.tasks.ListRecent(ctx, limit)
}

func (q *SyncQueue) ClearCompleted(ctx context.Context) (int64, error) {
	return q.tasks.DeleteByStatus(ctx, domain.TaskStatusCompleted)
}

// RetryFailed returns errored tasks to pending once their backoff has
// elapsed. It is a no-op unless policy.MaxAttempts is positive.
func (q *SyncQueue) RetryFailed(ctx context.Context, policy config.RetryConfig) (int, error) {
	if policy.MaxAttempts <= 0 {
		return 0, nil
	}

	n, err := q.tasks.ResetErrored(ctx, policy.MaxAttempts, policy.InitialBackoff, policy.MaxBackoff)
	if err != nil {
		return 0, fmt.Errorf("reset errored tasks: %w", err)
	}
	if n > 0 {
		q.logger.Info("errored tasks returned to queue", "count", n)
	}
	return int(n), nil
}
