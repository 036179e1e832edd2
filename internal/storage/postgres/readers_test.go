//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"neosync/internal/domain"
)

// Row readers used by the integration suite to inspect what the stores wrote.

func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	var row taskRow
	err := sqlx.GetContext(ctx, executor(ctx, s.db), &row,
		"SELECT "+taskColumns+" FROM sync_queue WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SeriesStore) GetByExternalID(ctx context.Context, externalID string) (*domain.Series, error) {
	var series domain.Series
	query := `
		SELECT id, slug, external_id, title, description, status, cover_url, created_at, updated_at
		FROM series
		WHERE external_id = $1`

	err := sqlx.GetContext(ctx, executor(ctx, s.db), &series, query, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &series, nil
}

func (s *ChapterStore) ListBySeries(ctx context.Context, seriesID int64) ([]domain.Chapter, error) {
	query := `
		SELECT id, series_id, external_id, chapter_number, title, volume, language, created_at
		FROM chapters
		WHERE series_id = $1
		ORDER BY chapter_number DESC, id ASC`

	var chapters []domain.Chapter
	err := sqlx.SelectContext(ctx, executor(ctx, s.db), &chapters, query, seriesID)
	return chapters, err
}
