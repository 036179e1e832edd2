package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"neosync/internal/config"
	"neosync/internal/domain"
)

// AdminService backs the operator endpoints.
type AdminService struct {
	queue  *SyncQueue
	logger *slog.Logger
	config config.AdminConfig
}

func NewAdminService(queue *SyncQueue, logger *slog.Logger, cfg config.AdminConfig) *AdminService {
	return &AdminService{
		queue:  queue,
		logger: logger.With("component", "admin"),
		config: cfg,
	}
}

// ForceSync queues a series sync for externalID, overriding whatever state
// an existing task is in. A nil priority uses the configured default.
func (a *AdminService) ForceSync(ctx context.Context, externalID string, priority *int) (*domain.Task, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, fmt.Errorf("manga id is required: %w", domain.ErrInvalidInput)
	}

	p := a.config.ForcePriority
	if priority != nil {
		p = *priority
	}

	task, err := a.queue.ForceEnqueue(ctx, externalID, p)
	if err != nil {
		return nil, err
	}

	a.logger.Info("sync forced", "external_id", externalID, "priority", p, "task_id", task.ID)
	return task, nil
}

// QueueOverview returns the most recently touched tasks and per-status
// counts. A non-positive limit uses the configured default.
func (a *AdminService) QueueOverview(ctx context.Context, limit int) (*domain.QueueOverview, error) {
	if limit <= 0 {
		limit = a.config.RecentLimit
	}

	tasks, err := a.queue.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}

	counts, err := a.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	if tasks == nil {
		tasks = []domain.Task{}
	}
	return &domain.QueueOverview{Tasks: tasks, Counts: counts}, nil
}

func (a *AdminService) ClearCompleted(ctx context.Context) (int64, error) {
	n, err := a.queue.ClearCompleted(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete completed tasks: %w", err)
	}

	a.logger.Info("completed tasks cleared", "deleted", n)
	return n, nil
}
