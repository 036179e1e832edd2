package postgres

import (
	"context"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"neosync/internal/domain"
)

const chapterInsertColumns = 7

type ChapterStore struct {
	db *sqlx.DB
}

func NewChapterStore(db *sqlx.DB) *ChapterStore {
	return &ChapterStore{db: db}
}

// InsertBatch stores a feed page under seriesID. Chapters whose external id
// already exists are skipped; the number of new rows is returned.
func (s *ChapterStore) InsertBatch(ctx context.Context, seriesID int64, chapters []domain.Chapter) (int, error) {
	if len(chapters) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO chapters (series_id, external_id, chapter_number, title, volume, language, created_at) VALUES ")
	valueArgs := make([]interface{}, 0, len(chapters)*chapterInsertColumns)

	for i, ch := range chapters {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for col := 0; col < chapterInsertColumns; col++ {
			if col > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("$")
			sb.WriteString(strconv.Itoa(i*chapterInsertColumns + col + 1))
		}
		sb.WriteString(")")
		valueArgs = append(valueArgs,
			seriesID,
			ch.ExternalID,
			ch.Number,
			ch.Title,
			ch.Volume,
			ch.Language,
			ch.PublishedAt,
		)
	}
	sb.WriteString(" ON CONFLICT (external_id) DO NOTHING")

	res, err := executor(ctx, s.db).ExecContext(ctx, sb.String(), valueArgs...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
