package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"neosync/internal/config"
	"neosync/internal/domain"
	"neosync/internal/metrics"
)

// WorkerSettings bundles the configuration sections a Worker reads.
type WorkerSettings struct {
	Worker    config.WorkerConfig
	Discovery config.DiscoveryConfig
	FeedLimit int
}

// Worker drains the sync queue one bounded batch per tick.
type Worker struct {
	source    Source
	queue     *SyncQueue
	series    SeriesStore
	chapters  ChapterStore
	txManager TransactionManager
	publisher Publisher
	logger    *slog.Logger
	config    WorkerSettings

	randIntN func(n int) int
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewWorker(
	source Source,
	queue *SyncQueue,
	series SeriesStore,
	chapters ChapterStore,
	txManager TransactionManager,
	publisher Publisher,
	logger *slog.Logger,
	cfg WorkerSettings,
) *Worker {
	return &Worker{
		source:    source,
		queue:     queue,
		series:    series,
		chapters:  chapters,
		txManager: txManager,
		publisher: publisher,
		logger:    logger.With("source", source.ID()),
		config:    cfg,
		randIntN:  rand.Intn,
		sleep:     sleepContext,
	}
}

// Tick seeds the queue when it runs low, then executes one batch of pending
// tasks sequentially. Per-task failures are recorded on the task and never
// fail the tick.
//
// The politeness delay runs between tasks, so the last task of a batch
// returns without waiting. Spacing across ticks is kept by the source's own
// rate limiter, which delays the next tick's first call instead.
func (w *Worker) Tick(ctx context.Context) (*domain.TickResult, error) {
	startTime := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(startTime).Seconds())
	}()

	result := &domain.TickResult{Processed: []domain.TaskOutcome{}}

	retried, err := w.queue.RetryFailed(ctx, w.config.Worker.Retry)
	if err != nil {
		w.logger.Warn("retry of errored tasks failed", "error", err)
	}
	result.Retried = retried

	seeded, err := w.SeedIfLow(ctx, w.config.Worker.LowWaterMark)
	if err != nil {
		return nil, fmt.Errorf("seed queue: %w", err)
	}
	result.Seeded = seeded

	batch, err := w.queue.SelectBatch(ctx, w.config.Worker.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select batch: %w", err)
	}

	if len(batch) == 0 {
		result.QueueEmpty = true
		result.Duration = time.Since(startTime)
		w.logger.Info("queue empty", "seeded", seeded)
		return result, nil
	}

	w.logger.Info("processing batch", "tasks", len(batch), "seeded", seeded)

	for i := range batch {
		task := &batch[i]
		outcome := w.process(ctx, task)
		result.Processed = append(result.Processed, outcome)
		metrics.TasksProcessed.WithLabelValues(string(task.Type), string(outcome.Result)).Inc()

		if outcome.Result == domain.ResultReleased {
			w.logger.Warn("source unavailable, ending batch early", "remaining", len(batch)-i-1)
			break
		}
		if outcome.Result == domain.ResultSkipped || i == len(batch)-1 {
			continue
		}

		if err := w.sleep(ctx, w.config.Worker.PolitenessDelay); err != nil {
			w.logger.Warn("tick interrupted", "error", err)
			break
		}
	}

	result.Duration = time.Since(startTime)

	w.logger.Info("tick completed",
		"processed", len(result.Processed),
		"seeded", result.Seeded,
		"retried", result.Retried,
		"duration", result.Duration,
	)

	return result, nil
}

// SeedIfLow tops up the queue from one discovery page at a random offset
// when fewer than threshold tasks are pending. Discovery failures are
// logged and reported as zero seeded.
func (w *Worker) SeedIfLow(ctx context.Context, threshold int) (int, error) {
	pending, err := w.queue.PendingCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	if pending >= threshold {
		return 0, nil
	}

	offset := 0
	if maxOffset := w.config.Discovery.MaxOffset; maxOffset > 0 {
		offset = w.randIntN(maxOffset + 1)
	}

	candidates, err := w.source.FetchDiscoveryPage(ctx, offset, w.config.Discovery.Limit)
	if err != nil {
		w.logger.Warn("discovery failed, skipping seed", "offset", offset, "error", err)
		return 0, nil
	}

	inserted, err := w.queue.EnqueueDiscovered(ctx, candidates, w.config.Worker.SeedPriority)
	if err != nil {
		w.logger.Warn("seeding failed", "offset", offset, "error", err)
		return 0, nil
	}

	metrics.TasksSeeded.Add(float64(inserted))
	w.logger.Info("queue seeded",
		"pending", pending,
		"offset", offset,
		"candidates", len(candidates),
		"inserted", inserted,
	)

	return inserted, nil
}

func (w *Worker) process(ctx context.Context, task *domain.Task) domain.TaskOutcome {
	outcome := domain.TaskOutcome{
		TaskID:     task.ID,
		ExternalID: task.ExternalID,
		Type:       task.Type,
	}
	logger := w.logger.With("task_id", task.ID, "external_id", task.ExternalID, "type", task.Type)

	claimed, err := w.queue.MarkProcessing(ctx, task.ID)
	if err != nil {
		logger.Error("failed to claim task", "error", err)
		outcome.Result = domain.ResultError
		outcome.Error = err.Error()
		return outcome
	}
	if !claimed {
		logger.Debug("task claimed elsewhere, skipping")
		outcome.Result = domain.ResultSkipped
		return outcome
	}

	switch meta := task.Meta.(type) {
	case domain.SeriesMeta:
		err = w.syncSeries(ctx, task, &outcome)
	case domain.ChaptersMeta:
		err = w.syncChapters(ctx, task, meta, &outcome)
	default:
		err = fmt.Errorf("unsupported task metadata %T for type %q", task.Meta, task.Type)
	}

	if err == nil {
		return outcome
	}

	if errors.Is(err, domain.ErrSourceUnavailable) {
		if rerr := w.queue.Reschedule(ctx, task.ID, task.Meta); rerr != nil {
			logger.Error("failed to release task", "error", rerr)
		}
		outcome.Result = domain.ResultReleased
		outcome.Error = err.Error()
		return outcome
	}

	logger.Error("task failed", "error", err)
	if merr := w.queue.MarkError(ctx, task.ID, err.Error()); merr != nil {
		logger.Error("failed to record task error", "error", merr)
	}
	outcome.Result = domain.ResultError
	outcome.Error = err.Error()
	return outcome
}

func (w *Worker) syncSeries(ctx context.Context, task *domain.Task, outcome *domain.TaskOutcome) error {
	meta, err := w.source.FetchSeriesMetadata(ctx, task.ExternalID)
	if err != nil {
		return fmt.Errorf("fetch series metadata: %w", err)
	}

	var seriesID int64
	err = w.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		id, err := w.series.Upsert(txCtx, meta)
		if err != nil {
			return fmt.Errorf("upsert series: %w", err)
		}
		seriesID = id

		next := domain.ChaptersMeta{Offset: 0, InternalID: id}
		if _, err := w.queue.EnqueueChapters(txCtx, task.ExternalID, w.config.Worker.ChaptersPriority, next); err != nil {
			return fmt.Errorf("enqueue chapters: %w", err)
		}

		if err := w.queue.MarkCompleted(txCtx, task.ID); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	outcome.Result = domain.ResultCompleted
	outcome.Title = meta.Title

	w.logger.Info("series synced", "external_id", task.ExternalID, "series_id", seriesID, "title", meta.Title)
	w.publish(ctx, &domain.SyncEvent{
		Kind:       domain.EventSeriesSynced,
		SeriesID:   seriesID,
		ExternalID: task.ExternalID,
		Title:      meta.Title,
	})

	return nil
}

func (w *Worker) syncChapters(ctx context.Context, task *domain.Task, meta domain.ChaptersMeta, outcome *domain.TaskOutcome) error {
	if meta.InternalID <= 0 {
		return errors.New("chapters task has no series id")
	}

	limit := w.config.FeedLimit
	page, err := w.source.FetchFeedPage(ctx, task.ExternalID, meta.Offset, limit)
	if err != nil {
		return fmt.Errorf("fetch feed page at offset %d: %w", meta.Offset, err)
	}

	if len(page.Chapters) == 0 {
		if err := w.queue.MarkCompleted(ctx, task.ID); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		outcome.Result = domain.ResultCompleted
		return nil
	}

	inserted, err := w.chapters.InsertBatch(ctx, meta.InternalID, page.Chapters)
	if err != nil {
		w.logger.Error("chapter batch insert failed, page will be retried",
			"external_id", task.ExternalID,
			"offset", meta.Offset,
			"error", err,
		)
		if rerr := w.queue.Reschedule(ctx, task.ID, meta); rerr != nil {
			return fmt.Errorf("reschedule after insert failure: %w", rerr)
		}
		outcome.Result = domain.ResultRescheduled
		outcome.NextOffset = &meta.Offset
		outcome.Error = err.Error()
		return nil
	}

	outcome.Chapters = inserted
	metrics.ChaptersIngested.Add(float64(inserted))
	if inserted > 0 {
		w.publish(ctx, &domain.SyncEvent{
			Kind:       domain.EventChaptersIngested,
			SeriesID:   meta.InternalID,
			ExternalID: task.ExternalID,
			Chapters:   inserted,
		})
	}

	if len(page.Chapters) >= limit {
		next := domain.ChaptersMeta{Offset: meta.Offset + limit, InternalID: meta.InternalID}
		if err := w.queue.Reschedule(ctx, task.ID, next); err != nil {
			return fmt.Errorf("reschedule next page: %w", err)
		}
		outcome.Result = domain.ResultRescheduled
		outcome.NextOffset = &next.Offset

		w.logger.Debug("chapter page stored, more pending",
			"external_id", task.ExternalID,
			"inserted", inserted,
			"next_offset", next.Offset,
		)
		return nil
	}

	if err := w.queue.MarkCompleted(ctx, task.ID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	outcome.Result = domain.ResultCompleted

	w.logger.Info("chapters synced",
		"external_id", task.ExternalID,
		"inserted", inserted,
		"last_page", page.IsLastPage,
	)
	return nil
}

func (w *Worker) publish(ctx context.Context, event *domain.SyncEvent) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.Publish(ctx, event); err != nil {
		w.logger.Warn("failed to publish event", "kind", event.Kind, "external_id", event.ExternalID, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
