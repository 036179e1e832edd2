package mangadex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"neosync/internal/domain"
	"neosync/internal/metrics"
)

const (
	SourceID   = "mangadex"
	SourceName = "MangaDex"
)

// ErrUnavailable is returned without contacting MangaDex while the
// circuit breaker is open.
var ErrUnavailable = fmt.Errorf("mangadex: %w", domain.ErrSourceUnavailable)

// StatusError reports a non-2xx response.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status: %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status: %d: %s", e.Endpoint, e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == domain.ErrNotFound && e.Code == http.StatusNotFound
}

// Config holds MangaDex client configuration.
type Config struct {
	BaseURL     string
	CoversURL   string
	Locale      string
	Languages   []string
	Timeout     time.Duration
	MinInterval time.Duration
	UserAgent   string
	Breaker     BreakerConfig
}

// Client talks to the MangaDex REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	coversURL  string
	locale     string
	languages  []string
	userAgent  string
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger
}

// New creates a new MangaDex client.
func New(cfg Config, logger *slog.Logger) *Client {
	logger = logger.With("source", SourceID)

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		coversURL: strings.TrimRight(cfg.CoversURL, "/"),
		locale:    cfg.Locale,
		languages: cfg.Languages,
		userAgent: cfg.UserAgent,
		limiter:   rate.NewLimiter(limit, 1),
		cb:        newBreaker("mangadex-api", cfg.Breaker, logger),
		logger:    logger,
	}
}

// ID returns the source identifier.
func (c *Client) ID() string {
	return SourceID
}

// Name returns human-readable name.
func (c *Client) Name() string {
	return SourceName
}

// FetchSeriesMetadata fetches a single manga with its cover relationship.
func (c *Client) FetchSeriesMetadata(ctx context.Context, externalID string) (*domain.SeriesMetadata, error) {
	q := url.Values{}
	q.Add("includes[]", "cover_art")

	body, err := c.get(ctx, "manga", "/manga/"+url.PathEscape(externalID), q)
	if err != nil {
		return nil, err
	}

	var resp mangaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode manga response: %w", err)
	}
	if resp.Data.ID == "" {
		return nil, fmt.Errorf("manga %s: %w", externalID, domain.ErrNotFound)
	}

	attrs := resp.Data.Attributes
	meta := &domain.SeriesMetadata{
		ExternalID:  resp.Data.ID,
		Title:       attrs.Title.pick(c.locale, attrs.OriginalLanguage),
		Description: attrs.Description.pick(c.locale, attrs.OriginalLanguage),
		Status:      normalizeStatus(attrs.Status),
		CoverURL:    c.coverURL(resp.Data),
	}

	if meta.Title == "" {
		for _, alt := range attrs.AltTitles {
			if t := alt.pick(c.locale, attrs.OriginalLanguage); t != "" {
				meta.Title = t
				break
			}
		}
	}

	return meta, nil
}

// FetchFeedPage fetches one page of a manga's chapter feed, newest first.
func (c *Client) FetchFeedPage(ctx context.Context, externalID string, offset, limit int) (*domain.FeedPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("order[chapter]", "desc")
	q.Set("includeEmptyPages", "0")
	for _, lang := range c.languages {
		q.Add("translatedLanguage[]", lang)
	}

	body, err := c.get(ctx, "feed", "/manga/"+url.PathEscape(externalID)+"/feed", q)
	if err != nil {
		return nil, err
	}

	var resp feedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode feed response: %w", err)
	}

	page := &domain.FeedPage{
		Chapters:   make([]domain.Chapter, 0, len(resp.Data)),
		IsLastPage: len(resp.Data) < limit,
	}
	for _, d := range resp.Data {
		page.Chapters = append(page.Chapters, c.transformChapter(d))
	}

	c.logger.Debug("fetched feed page",
		"external_id", externalID,
		"offset", offset,
		"chapters", len(page.Chapters),
		"total", resp.Total,
	)

	return page, nil
}

// FetchDiscoveryPage lists manga ordered by follower count.
func (c *Client) FetchDiscoveryPage(ctx context.Context, offset, limit int) ([]domain.Candidate, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("order[followedCount]", "desc")
	q.Set("hasAvailableChapters", "true")
	q.Add("contentRating[]", "safe")
	q.Add("contentRating[]", "suggestive")
	for _, lang := range c.languages {
		q.Add("availableTranslatedLanguage[]", lang)
	}

	body, err := c.get(ctx, "discovery", "/manga", q)
	if err != nil {
		return nil, err
	}

	var resp mangaListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode manga list response: %w", err)
	}

	candidates := make([]domain.Candidate, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.ID == "" {
			continue
		}
		candidates = append(candidates, domain.Candidate{
			ExternalID: d.ID,
			Title:      d.Attributes.Title.pick(c.locale, d.Attributes.OriginalLanguage),
		})
	}

	return candidates, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, q url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: wait for rate limiter: %w", endpoint, err)
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	start := time.Now()
	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.doRequest(ctx, endpoint, u)
	})
	metrics.UpstreamDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.UpstreamRequests.WithLabelValues(endpoint, "rejected").Inc()
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		metrics.UpstreamRequests.WithLabelValues(endpoint, "failure").Inc()
		return nil, err
	}

	metrics.UpstreamRequests.WithLabelValues(endpoint, "success").Inc()
	return body, nil
}

func (c *Client) doRequest(ctx context.Context, endpoint, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", endpoint, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: execute request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			Endpoint: endpoint,
			Code:     resp.StatusCode,
			Body:     strings.TrimSpace(string(snippet)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", endpoint, err)
	}

	return body, nil
}

func (c *Client) coverURL(d mangaData) string {
	for _, rel := range d.Relationships {
		if rel.Type == "cover_art" && rel.Attributes != nil && rel.Attributes.FileName != "" {
			return fmt.Sprintf("%s/%s/%s", c.coversURL, d.ID, rel.Attributes.FileName)
		}
	}
	return ""
}

func (c *Client) transformChapter(d chapterData) domain.Chapter {
	ch := domain.Chapter{
		ExternalID: d.ID,
		Number:     parseChapterNumber(d.Attributes.Chapter),
		Title:      nonEmpty(d.Attributes.Title),
		Volume:     nonEmpty(d.Attributes.Volume),
		Language:   d.Attributes.TranslatedLanguage,
	}

	publishedAt, err := time.Parse(time.RFC3339, d.Attributes.PublishAt)
	if err != nil {
		publishedAt, err = time.Parse(time.RFC3339, d.Attributes.CreatedAt)
	}
	if err != nil {
		c.logger.Warn("failed to parse chapter date",
			"external_id", d.ID,
			"publish_at", d.Attributes.PublishAt,
		)
		publishedAt = time.Now()
	}
	ch.PublishedAt = publishedAt.UTC()

	return ch
}

// parseChapterNumber never fails: missing or malformed numbers become 0.
func parseChapterNumber(s *string) float64 {
	if s == nil {
		return 0
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(*s), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0
	}
	return n
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ongoing":
		return "ongoing"
	case "completed":
		return "completed"
	case "hiatus":
		return "hiatus"
	case "cancelled", "canceled":
		return "cancelled"
	default:
		return strings.ToLower(strings.TrimSpace(s))
	}
}
