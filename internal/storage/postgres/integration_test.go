//go:build integration

package postgres

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"neosync/internal/domain"
	"neosync/testdata/utils"
)

type PostgresIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	db        *sqlx.DB
}

func (s *PostgresIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	migrationsPath, err := filepath.Abs("../../../migrations")
	s.Require().NoError(err)

	container, err := postgres.Run(s.ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.WithInitScripts(
			filepath.Join(migrationsPath, "001_create_sync_queue.up.sql"),
			filepath.Join(migrationsPath, "002_create_catalog.up.sql"),
		),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := sqlx.Connect("postgres", connStr)
	s.Require().NoError(err)
	s.db = db
}

func (s *PostgresIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *PostgresIntegrationSuite) SetupTest() {
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM chapters")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM series")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM sync_queue")
}

func TestPostgresIntegrationSuite(t *testing.T) {
	suite.Run(t, new(PostgresIntegrationSuite))
}

func (s *PostgresIntegrationSuite) seriesTask(externalID string, priority int) domain.Task {
	return domain.Task{
		ExternalID: externalID,
		Type:       domain.TaskTypeSeries,
		Priority:   priority,
		Meta:       domain.SeriesMeta{Title: "Title " + externalID},
	}
}

func (s *PostgresIntegrationSuite) statusOf(externalID string, taskType domain.TaskType) string {
	var status string
	err := s.db.GetContext(s.ctx, &status,
		"SELECT status FROM sync_queue WHERE external_id = $1 AND type = $2", externalID, string(taskType))
	s.Require().NoError(err)
	return status
}

func (s *PostgresIntegrationSuite) TestTaskStore_InsertIgnore() {
	store := NewTaskStore(s.db)

	n, err := store.InsertIgnore(s.ctx, []domain.Task{
		s.seriesTask("a", 5),
		s.seriesTask("b", 5),
	})
	s.NoError(err)
	s.Equal(2, n)

	n, err = store.InsertIgnore(s.ctx, []domain.Task{
		s.seriesTask("b", 5),
		s.seriesTask("c", 5),
	})
	s.NoError(err)
	s.Equal(1, n)

	var count int
	err = s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM sync_queue")
	s.NoError(err)
	s.Equal(3, count)
}

func (s *PostgresIntegrationSuite) TestTaskStore_InsertIgnore_LeavesProcessingTaskAlone() {
	store := NewTaskStore(s.db)

	_, err := store.InsertIgnore(s.ctx, []domain.Task{s.seriesTask("a", 5)})
	s.Require().NoError(err)

	tasks, err := store.ListOrdered(s.ctx, 10, 0)
	s.Require().NoError(err)
	s.Require().Len(tasks, 1)

	ok, err := store.MarkProcessing(s.ctx, tasks[0].ID)
	s.Require().NoError(err)
	s.True(ok)

	n, err := store.InsertIgnore(s.ctx, []domain.Task{s.seriesTask("a", 50)})
	s.NoError(err)
	s.Equal(0, n)

	got, err := store.Get(s.ctx, tasks[0].ID)
	s.NoError(err)
	s.Equal(domain.TaskStatusProcessing, got.Status)
	s.Equal(5, got.Priority)
	s.Equal(1, got.Attempts)
}

func (s *PostgresIntegrationSuite) TestTaskStore_Upsert_ResetsToPending() {
	store := NewTaskStore(s.db)

	created, err := store.Upsert(s.ctx, &domain.Task{
		ExternalID: "m1",
		Type:       domain.TaskTypeChapters,
		Priority:   10,
		Meta:       domain.ChaptersMeta{Offset: 300, InternalID: 7},
	})
	s.Require().NoError(err)
	s.Equal(domain.TaskStatusPending, created.Status)

	err = store.MarkError(s.ctx, created.ID, "boom")
	s.Require().NoError(err)

	updated, err := store.Upsert(s.ctx, &domain.Task{
		ExternalID: "m1",
		Type:       domain.TaskTypeChapters,
		Priority:   10,
		Meta:       domain.ChaptersMeta{Offset: 0, InternalID: 7},
	})
	s.NoError(err)
	s.Equal(created.ID, updated.ID)
	s.Equal(domain.TaskStatusPending, updated.Status)
	s.Equal(domain.ChaptersMeta{Offset: 0, InternalID: 7}, updated.Meta)
	s.Require().NotNil(updated.LastError)
	s.Equal("boom", *updated.LastError)
}

func (s *PostgresIntegrationSuite) TestTaskStore_Upsert_KeepsSeriesTitle() {
	store := NewTaskStore(s.db)

	_, err := store.InsertIgnore(s.ctx, []domain.Task{s.seriesTask("m1", 5)})
	s.Require().NoError(err)
	tasks, err := store.ListOrdered(s.ctx, 10, 0)
	s.Require().NoError(err)
	s.Require().Len(tasks, 1)
	s.Require().NoError(store.MarkError(s.ctx, tasks[0].ID, "boom"))

	forced, err := store.Upsert(s.ctx, &domain.Task{ExternalID: "m1", Type: domain.TaskTypeSeries, Priority: 100, Meta: domain.SeriesMeta{}})
	s.NoError(err)
	s.Equal(tasks[0].ID, forced.ID)
	s.Equal(domain.TaskStatusPending, forced.Status)
	s.Equal(100, forced.Priority)
	s.Equal(domain.SeriesMeta{Title: "Title m1"}, forced.Meta)

	renamed, err := store.Upsert(s.ctx, &domain.Task{ExternalID: "m1", Type: domain.TaskTypeSeries, Priority: 100, Meta: domain.SeriesMeta{Title: "New"}})
	s.NoError(err)
	s.Equal(domain.SeriesMeta{Title: "New"}, renamed.Meta)
}

func (s *PostgresIntegrationSuite) TestTaskStore_Upsert_SeriesAndChaptersCoexist() {
	store := NewTaskStore(s.db)

	_, err := store.Upsert(s.ctx, &domain.Task{ExternalID: "m1", Type: domain.TaskTypeSeries, Priority: 100, Meta: domain.SeriesMeta{}})
	s.NoError(err)
	_, err = store.Upsert(s.ctx, &domain.Task{ExternalID: "m1", Type: domain.TaskTypeChapters, Priority: 10, Meta: domain.ChaptersMeta{InternalID: 1}})
	s.NoError(err)

	var count int
	err = s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM sync_queue WHERE external_id = $1", "m1")
	s.NoError(err)
	s.Equal(2, count)
}

func (s *PostgresIntegrationSuite) TestTaskStore_ListOrdered_PriorityThenAge() {
	store := NewTaskStore(s.db)

	for _, t := range []domain.Task{s.seriesTask("old-low", 5), s.seriesTask("high", 100), s.seriesTask("new-low", 5)} {
		_, err := store.InsertIgnore(s.ctx, []domain.Task{t})
		s.Require().NoError(err)
	}
	_, err := s.db.ExecContext(s.ctx, "UPDATE sync_queue SET created_at = NOW() - INTERVAL '1 hour' WHERE external_id = 'old-low'")
	s.Require().NoError(err)

	tasks, err := store.ListOrdered(s.ctx, 10, 0)
	s.NoError(err)
	s.Require().Len(tasks, 3)
	s.Equal("high", tasks[0].ExternalID)
	s.Equal("old-low", tasks[1].ExternalID)
	s.Equal("new-low", tasks[2].ExternalID)

	page, err := store.ListOrdered(s.ctx, 2, 2)
	s.NoError(err)
	s.Require().Len(page, 1)
	s.Equal("new-low", page[0].ExternalID)
}

func (s *PostgresIntegrationSuite) TestTaskStore_MarkProcessing_OnlyOnce() {
	store := NewTaskStore(s.db)

	task, err := store.Upsert(s.ctx, &domain.Task{ExternalID: "m1", Type: domain.TaskTypeSeries, Priority: 5, Meta: domain.SeriesMeta{}})
	s.Require().NoError(err)

	ok, err := store.MarkProcessing(s.ctx, task.ID)
	s.NoError(err)
	s.True(ok)

	ok, err = store.MarkProcessing(s.ctx, task.ID)
	s.NoError(err)
	s.False(ok)

	got, err := store.Get(s.ctx, task.ID)
	s.NoError(err)
	s.Equal(1, got.Attempts)
}

func (s *PostgresIntegrationSuite) TestTaskStore_RescheduleAndComplete() {
	store := NewTaskStore(s.db)

	task, err := store.Upsert(s.ctx, &domain.Task{
		ExternalID: "m1",
		Type:       domain.TaskTypeChapters,
		Priority:   10,
		Meta:       domain.ChaptersMeta{InternalID: 3},
	})
	s.Require().NoError(err)

	_, err = store.MarkProcessing(s.ctx, task.ID)
	s.Require().NoError(err)

	err = store.Reschedule(s.ctx, task.ID, domain.ChaptersMeta{Offset: 100, InternalID: 3})
	s.NoError(err)

	got, err := store.Get(s.ctx, task.ID)
	s.NoError(err)
	s.Equal(domain.TaskStatusPending, got.Status)
	s.Equal(domain.ChaptersMeta{Offset: 100, InternalID: 3}, got.Meta)

	err = store.MarkError(s.ctx, task.ID, "upstream 500")
	s.NoError(err)
	err = store.MarkCompleted(s.ctx, task.ID)
	s.NoError(err)

	got, err = store.Get(s.ctx, task.ID)
	s.NoError(err)
	s.Equal(domain.TaskStatusCompleted, got.Status)
	s.Nil(got.LastError)
}

func (s *PostgresIntegrationSuite) TestTaskStore_MarkCompleted_UnknownTask() {
	store := NewTaskStore(s.db)

	err := store.MarkCompleted(s.ctx, uuid.New())
	s.True(errors.Is(err, domain.ErrNotFound))
}

func (s *PostgresIntegrationSuite) TestTaskStore_CountsAndDelete() {
	store := NewTaskStore(s.db)

	_, err := store.InsertIgnore(s.ctx, []domain.Task{s.seriesTask("a", 5), s.seriesTask("b", 5), s.seriesTask("c", 5)})
	s.Require().NoError(err)
	_, err = s.db.ExecContext(s.ctx, "UPDATE sync_queue SET status = 'completed' WHERE external_id IN ('a', 'b')")
	s.Require().NoError(err)

	pending, err := store.CountByStatus(s.ctx, domain.TaskStatusPending)
	s.NoError(err)
	s.Equal(1, pending)

	stats, err := store.CountsByStatus(s.ctx)
	s.NoError(err)
	s.Equal(domain.QueueStats{
		domain.TaskStatusPending:    1,
		domain.TaskStatusProcessing: 0,
		domain.TaskStatusCompleted:  2,
		domain.TaskStatusError:      0,
	}, stats)

	deleted, err := store.DeleteByStatus(s.ctx, domain.TaskStatusCompleted)
	s.NoError(err)
	s.Equal(int64(2), deleted)
	s.Equal("pending", s.statusOf("c", domain.TaskTypeSeries))
}

func (s *PostgresIntegrationSuite) TestTaskStore_ResetErrored() {
	store := NewTaskStore(s.db)

	_, err := store.InsertIgnore(s.ctx, []domain.Task{s.seriesTask("due", 5), s.seriesTask("fresh", 5), s.seriesTask("exhausted", 5)})
	s.Require().NoError(err)
	_, err = s.db.ExecContext(s.ctx, `
		UPDATE sync_queue SET status = 'error', attempts = 1, updated_at = NOW() - INTERVAL '10 minutes'
		WHERE external_id = 'due'`)
	s.Require().NoError(err)
	_, err = s.db.ExecContext(s.ctx, `
		UPDATE sync_queue SET status = 'error', attempts = 1
		WHERE external_id = 'fresh'`)
	s.Require().NoError(err)
	_, err = s.db.ExecContext(s.ctx, `
		UPDATE sync_queue SET status = 'error', attempts = 3, updated_at = NOW() - INTERVAL '1 day'
		WHERE external_id = 'exhausted'`)
	s.Require().NoError(err)

	n, err := store.ResetErrored(s.ctx, 3, 5*time.Minute, time.Hour)
	s.NoError(err)
	s.Equal(int64(1), n)

	s.Equal("pending", s.statusOf("due", domain.TaskTypeSeries))
	s.Equal("error", s.statusOf("fresh", domain.TaskTypeSeries))
	s.Equal("error", s.statusOf("exhausted", domain.TaskTypeSeries))
}

func (s *PostgresIntegrationSuite) TestSeriesStore_Upsert_Idempotent() {
	store := NewSeriesStore(s.db)

	meta := &domain.SeriesMetadata{
		ExternalID:  "m1",
		Title:       "Original",
		Description: "desc",
		Status:      "ongoing",
		CoverURL:    "https://uploads.mangadex.org/covers/m1/a.jpg",
	}
	id1, err := store.Upsert(s.ctx, meta)
	s.NoError(err)
	s.Greater(id1, int64(0))

	meta.Title = "Renamed"
	meta.CoverURL = "https://uploads.mangadex.org/covers/m1/b.jpg"
	id2, err := store.Upsert(s.ctx, meta)
	s.NoError(err)
	s.Equal(id1, id2)

	series, err := store.GetByExternalID(s.ctx, "m1")
	s.NoError(err)
	s.Equal("Renamed", series.Title)
	s.Equal("mangadex-m1", series.Slug)
	s.Equal(utils.Ptr("https://uploads.mangadex.org/covers/m1/b.jpg"), series.CoverURL)

	meta.CoverURL = ""
	_, err = store.Upsert(s.ctx, meta)
	s.NoError(err)

	series, err = store.GetByExternalID(s.ctx, "m1")
	s.NoError(err)
	s.Nil(series.CoverURL)

	var count int
	err = s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM series")
	s.NoError(err)
	s.Equal(1, count)
}

func (s *PostgresIntegrationSuite) TestSeriesStore_GetByExternalID_NotFound() {
	store := NewSeriesStore(s.db)

	_, err := store.GetByExternalID(s.ctx, "missing")
	s.True(errors.Is(err, domain.ErrNotFound))
}

func (s *PostgresIntegrationSuite) TestChapterStore_InsertBatch_SkipsDuplicates() {
	seriesStore := NewSeriesStore(s.db)
	chapterStore := NewChapterStore(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	seriesID, err := seriesStore.Upsert(s.ctx, &domain.SeriesMetadata{ExternalID: "m1", Title: "T"})
	s.Require().NoError(err)

	page := []domain.Chapter{
		{ExternalID: "c1", Number: 2, Title: utils.Ptr("Two"), Language: "en", PublishedAt: now},
		{ExternalID: "c2", Number: 1.5, Volume: utils.Ptr("1"), Language: "en", PublishedAt: now},
	}
	n, err := chapterStore.InsertBatch(s.ctx, seriesID, page)
	s.NoError(err)
	s.Equal(2, n)

	page = append(page, domain.Chapter{ExternalID: "c3", Number: 0, Language: "en", PublishedAt: now})
	n, err = chapterStore.InsertBatch(s.ctx, seriesID, page)
	s.NoError(err)
	s.Equal(1, n)

	chapters, err := chapterStore.ListBySeries(s.ctx, seriesID)
	s.NoError(err)
	s.Require().Len(chapters, 3)
	s.Equal("c1", chapters[0].ExternalID)
	s.Equal(1.5, chapters[1].Number)
	s.Nil(chapters[2].Title)
	s.WithinDuration(now, chapters[0].PublishedAt, time.Second)
}

func (s *PostgresIntegrationSuite) TestChapterStore_InsertBatch_Empty() {
	store := NewChapterStore(s.db)

	n, err := store.InsertBatch(s.ctx, 1, nil)
	s.NoError(err)
	s.Equal(0, n)
}

func (s *PostgresIntegrationSuite) TestTransaction_Commit() {
	tm := NewTransactionManager(s.db)
	seriesStore := NewSeriesStore(s.db)
	taskStore := NewTaskStore(s.db)

	err := tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		id, err := seriesStore.Upsert(ctx, &domain.SeriesMetadata{ExternalID: "tx", Title: "Tx"})
		if err != nil {
			return err
		}
		_, err = taskStore.Upsert(ctx, &domain.Task{
			ExternalID: "tx",
			Type:       domain.TaskTypeChapters,
			Priority:   10,
			Meta:       domain.ChaptersMeta{InternalID: id},
		})
		return err
	})
	s.NoError(err)

	var count int
	err = s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM series WHERE external_id = $1", "tx")
	s.NoError(err)
	s.Equal(1, count)
	s.Equal("pending", s.statusOf("tx", domain.TaskTypeChapters))
}

func (s *PostgresIntegrationSuite) TestTransaction_Rollback() {
	tm := NewTransactionManager(s.db)
	seriesStore := NewSeriesStore(s.db)

	_, err := seriesStore.Upsert(s.ctx, &domain.SeriesMetadata{ExternalID: "pre", Title: "Pre-existing"})
	s.NoError(err)

	err = tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		s.NotNil(GetTxFromContext(ctx))

		if _, err := seriesStore.Upsert(ctx, &domain.SeriesMetadata{ExternalID: "rollback", Title: "Should Rollback"}); err != nil {
			return err
		}
		return context.Canceled
	})
	s.ErrorIs(err, context.Canceled)

	var count int
	err = s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM series WHERE external_id = $1", "rollback")
	s.NoError(err)
	s.Equal(0, count)

	err = s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM series WHERE external_id = $1", "pre")
	s.NoError(err)
	s.Equal(1, count)
}
