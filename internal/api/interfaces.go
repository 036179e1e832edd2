package api

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"neosync/internal/domain"
)

type Ticker interface {
	Tick(ctx context.Context) (*domain.TickResult, error)
}

type Admin interface {
	ForceSync(ctx context.Context, externalID string, priority *int) (*domain.Task, error)
	QueueOverview(ctx context.Context, limit int) (*domain.QueueOverview, error)
	ClearCompleted(ctx context.Context) (int64, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}
