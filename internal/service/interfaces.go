package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"github.com/google/uuid"

	"neosync/internal/domain"
)

type TaskStore interface {
	CountByStatus(ctx context.Context, status domain.TaskStatus) (int, error)
	CountsByStatus(ctx context.Context) (domain.QueueStats, error)
	ListOrdered(ctx context.Context, limit, offset int) ([]domain.Task, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Task, error)
	InsertIgnore(ctx context.Context, tasks []domain.Task) (int, error)
	Upsert(ctx context.Context, task *domain.Task) (*domain.Task, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkError(ctx context.Context, id uuid.UUID, message string) error
	Reschedule(ctx context.Context, id uuid.UUID, meta domain.TaskMeta) error
	DeleteByStatus(ctx context.Context, status domain.TaskStatus) (int64, error)
	ResetErrored(ctx context.Context, maxAttempts int, initial, maxBackoff time.Duration) (int64, error)
}

type SeriesStore interface {
	Upsert(ctx context.Context, meta *domain.SeriesMetadata) (int64, error)
}

type ChapterStore interface {
	InsertBatch(ctx context.Context, seriesID int64, chapters []domain.Chapter) (int, error)
}

type Source interface {
	ID() string
	Name() string
	FetchSeriesMetadata(ctx context.Context, externalID string) (*domain.SeriesMetadata, error)
	FetchFeedPage(ctx context.Context, externalID string, offset, limit int) (*domain.FeedPage, error)
	FetchDiscoveryPage(ctx context.Context, offset, limit int) ([]domain.Candidate, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	Publish(ctx context.Context, event *domain.SyncEvent) error
	Close() error
}
