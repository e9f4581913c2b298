package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/robertmeta/feedd/model"
)

// durationPattern matches duration strings like "7d", "2w", "3m", "1y"
var durationPattern = regexp.MustCompile(`^(\d+)([hdwmy])$`)

// ParseDuration parses a duration string like "12h", "7d", "2w", "3m", "1y".
// Returns the duration or an error if the format is invalid.
//
// Supported units:
//   - h: hours
//   - d: days
//   - w: weeks (7 days)
//   - m: months (30 days, approximation)
//   - y: years (365 days, approximation)
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration string is empty")
	}

	matches := durationPattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid duration format: %s (expected format: <number><unit>, e.g., 12h, 7d, 2w, 3m, 1y)", s)
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid number in duration: %s", matches[1])
	}

	var unit time.Duration
	switch matches[2] {
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	case "m": // months (approximate as 30 days)
		unit = 30 * 24 * time.Hour
	case "y": // years (approximate as 365 days)
		unit = 365 * 24 * time.Hour
	}

	return time.Duration(num) * unit, nil
}

// ArticleQuery specifies how to query articles.
type ArticleQuery struct {
	FeedID     int64 // 0 for all feeds
	UnreadOnly bool
	FaveOnly   bool
	Since      *time.Time
	Limit      int
	Offset     int
}

// BuildArticleQuery constructs an ArticleQuery from CLI flags. since is a
// ParseDuration string counted back from now.
func BuildArticleQuery(feedID int64, limit, offset int, unread, fave bool, since string, now time.Time) (ArticleQuery, error) {
	q := ArticleQuery{
		FeedID:     feedID,
		UnreadOnly: unread,
		FaveOnly:   fave,
		Limit:      limit,
		Offset:     offset,
	}

	if since != "" {
		d, err := ParseDuration(since)
		if err != nil {
			return q, fmt.Errorf("failed to parse --since flag: %w", err)
		}
		t := now.Add(-d)
		q.Since = &t
	}

	return q, nil
}

const articleColumns = `id, feed_id, read, fave, author, url, guid, date, raw_title,
	raw_content, title, content, content_snippet, content_rev`

func scanArticle(row scanner) (*model.Article, error) {
	a := &model.Article{}
	var date int64
	err := row.Scan(
		&a.ID, &a.FeedID, &a.Read, &a.Fave, &a.Author, &a.URL, &a.GUID, &date, &a.RawTitle,
		&a.RawContent, &a.Title, &a.Content, &a.ContentSnippet, &a.ContentRev,
	)
	if err != nil {
		return nil, err
	}
	a.Date = time.Unix(date, 0)
	return a, nil
}

// Articles retrieves articles matching q, newest first.
func (s *Store) Articles(ctx context.Context, q ArticleQuery) ([]*model.Article, error) {
	query := "SELECT " + articleColumns + " FROM articles WHERE 1=1"
	args := []any{}

	if q.FeedID != 0 {
		query += " AND feed_id = ?"
		args = append(args, q.FeedID)
	}
	if q.UnreadOnly {
		query += " AND read = ?"
		args = append(args, false)
	}
	if q.FaveOnly {
		query += " AND fave = ?"
		args = append(args, true)
	}
	if q.Since != nil {
		query += " AND date >= ?"
		args = append(args, q.Since.Unix())
	}

	query += " ORDER BY date DESC, id DESC"

	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = math.MaxInt32
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, q.Offset)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query articles: %w", err)
	}
	defer rows.Close()

	var articles []*model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// GetArticle retrieves an article by ID.
func (s *Store) GetArticle(ctx context.Context, id int64) (*model.Article, error) {
	a, err := scanArticle(s.queryRow(ctx, "SELECT "+articleColumns+" FROM articles WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("article %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return a, nil
}

// SetArticleFlags sets an article's read and fave flags.
func (s *Store) SetArticleFlags(ctx context.Context, id int64, read, fave bool) error {
	res, err := s.exec(ctx, "UPDATE articles SET read = ?, fave = ? WHERE id = ?", read, fave, id)
	if err != nil {
		return fmt.Errorf("failed to update article: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("article %d: %w", id, ErrNotFound)
	}
	return nil
}
