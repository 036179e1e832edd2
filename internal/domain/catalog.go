package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrSourceUnavailable = errors.New("source unavailable")
)

// SeriesSlugPrefix namespaces slugs derived from MangaDex identifiers.
const SeriesSlugPrefix = "mangadex-"

func SeriesSlug(externalID string) string {
	return SeriesSlugPrefix + externalID
}

type Series struct {
	ID          int64     `db:"id" json:"id"`
	Slug        string    `db:"slug" json:"slug"`
	ExternalID  string    `db:"external_id" json:"external_id"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	Status      string    `db:"status" json:"status"`
	CoverURL    *string   `db:"cover_url" json:"cover_url,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// SeriesMetadata is the normalized result of a series metadata fetch.
type SeriesMetadata struct {
	ExternalID  string
	Title       string
	Description string
	Status      string
	CoverURL    string
}

type Chapter struct {
	ID          int64     `db:"id"`
	SeriesID    int64     `db:"series_id"`
	ExternalID  string    `db:"external_id"`
	Number      float64   `db:"chapter_number"`
	Title       *string   `db:"title"`
	Volume      *string   `db:"volume"`
	Language    string    `db:"language"`
	PublishedAt time.Time `db:"created_at"`
}

// FeedPage is one page of a series' chapter feed.
type FeedPage struct {
	Chapters   []Chapter
	IsLastPage bool
}
