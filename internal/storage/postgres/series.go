package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"neosync/internal/domain"
)

type SeriesStore struct {
	db *sqlx.DB
}

func NewSeriesStore(db *sqlx.DB) *SeriesStore {
	return &SeriesStore{db: db}
}

// Upsert writes series metadata keyed by external id and returns the row id.
// Every field, the cover included, is overwritten; a missing cover clears it.
func (s *SeriesStore) Upsert(ctx context.Context, meta *domain.SeriesMetadata) (int64, error) {
	query := `
		INSERT INTO series (slug, external_id, title, description, status, cover_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (external_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			cover_url = EXCLUDED.cover_url,
			updated_at = NOW()
		RETURNING id`

	var coverURL *string
	if meta.CoverURL != "" {
		coverURL = &meta.CoverURL
	}

	var id int64
	err := executor(ctx, s.db).QueryRowxContext(ctx, query,
		domain.SeriesSlug(meta.ExternalID),
		meta.ExternalID,
		meta.Title,
		meta.Description,
		meta.Status,
		coverURL,
	).Scan(&id)
	if err != nil {
		return 0, err
	}

	return id, nil
}
