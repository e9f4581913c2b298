package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robertmeta/feedd/model"
)

// Tx is an open transaction. The poller persists a whole batch of fetch
// outcomes through one Tx.
type Tx struct {
	conn
}

// Feed re-reads a feed inside the transaction. It returns an error wrapping
// ErrNotFound if the feed has been deleted.
func (tx *Tx) Feed(ctx context.Context, id int64) (*model.Feed, error) {
	return tx.getFeed(ctx, id)
}

// UpdateFeed writes only the named fields (model.Field* constants) of f.
func (tx *Tx) UpdateFeed(ctx context.Context, f *model.Feed, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for _, field := range fields {
		v, err := feedFieldValue(f, field)
		if err != nil {
			return err
		}
		sets = append(sets, field+" = ?")
		args = append(args, v)
	}
	args = append(args, f.ID)

	_, err := tx.exec(ctx, "UPDATE feeds SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update feed %d: %w", f.ID, err)
	}
	return nil
}

func feedFieldValue(f *model.Feed, field string) (any, error) {
	switch field {
	case model.FieldSiteURL:
		return f.SiteURL, nil
	case model.FieldFeedTitle:
		return f.FeedTitle, nil
	case model.FieldNextCheck:
		return timeToNull(f.NextCheck), nil
	case model.FieldLastChecked:
		return timeToNull(f.LastChecked), nil
	case model.FieldLastChanged:
		return timeToNull(f.LastChanged), nil
	case model.FieldError:
		return f.Error, nil
	case model.FieldETag:
		return f.ETag, nil
	case model.FieldLastModified:
		return f.LastModified, nil
	case model.FieldDigest:
		if f.Digest == nil {
			return nil, nil
		}
		return f.Digest, nil
	default:
		return nil, fmt.Errorf("feed field %q cannot be updated", field)
	}
}

// ArticleByGUID returns the first article of the feed with the given GUID,
// or nil if there is none.
func (tx *Tx) ArticleByGUID(ctx context.Context, feedID int64, guid string) (*model.Article, error) {
	return tx.firstArticle(ctx, "SELECT "+articleColumns+" FROM articles WHERE feed_id = ? AND guid = ? ORDER BY id LIMIT 1", feedID, guid)
}

// ArticleByURL returns the first article of the feed with the given URL, or
// nil if there is none.
func (tx *Tx) ArticleByURL(ctx context.Context, feedID int64, url string) (*model.Article, error) {
	return tx.firstArticle(ctx, "SELECT "+articleColumns+" FROM articles WHERE feed_id = ? AND url = ? ORDER BY id LIMIT 1", feedID, url)
}

func (tx *Tx) firstArticle(ctx context.Context, query string, args ...any) (*model.Article, error) {
	a, err := scanArticle(tx.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return a, nil
}

// InsertArticle inserts a new article and sets its ID.
func (tx *Tx) InsertArticle(ctx context.Context, a *model.Article) error {
	err := tx.queryRow(ctx,
		`INSERT INTO articles (feed_id, read, fave, author, url, guid, date, raw_title,
			raw_content, title, content, content_snippet, content_rev)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		a.FeedID, a.Read, a.Fave, a.Author, a.URL, a.GUID, a.Date.Unix(), a.RawTitle,
		a.RawContent, a.Title, a.Content, a.ContentSnippet, a.ContentRev,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to insert article: %w", err)
	}
	return nil
}

// UpdateArticle writes an article's content fields. The read and fave flags
// are left alone.
func (tx *Tx) UpdateArticle(ctx context.Context, a *model.Article) error {
	_, err := tx.exec(ctx,
		`UPDATE articles SET author = ?, url = ?, guid = ?, date = ?, raw_title = ?,
			raw_content = ?, title = ?, content = ?, content_snippet = ?, content_rev = ?
		WHERE id = ?`,
		a.Author, a.URL, a.GUID, a.Date.Unix(), a.RawTitle,
		a.RawContent, a.Title, a.Content, a.ContentSnippet, a.ContentRev, a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update article %d: %w", a.ID, err)
	}
	return nil
}

// RecentArticleDates returns the dates of up to limit articles of the feed
// dated at or after since, newest first.
func (tx *Tx) RecentArticleDates(ctx context.Context, feedID int64, since time.Time, limit int) ([]time.Time, error) {
	rows, err := tx.query(ctx,
		"SELECT date FROM articles WHERE feed_id = ? AND date >= ? ORDER BY date DESC LIMIT ?",
		feedID, since.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query article dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var unix int64
		if err := rows.Scan(&unix); err != nil {
			return nil, fmt.Errorf("failed to scan article date: %w", err)
		}
		dates = append(dates, time.Unix(unix, 0))
	}
	return dates, rows.Err()
}
