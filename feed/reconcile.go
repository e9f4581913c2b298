package feed

import (
	"context"
	"strings"
	"time"

	"github.com/robertmeta/feedd/model"
	"github.com/robertmeta/feedd/sanitize"
)

// ReconcileResult counts what a reconciliation wrote.
type ReconcileResult struct {
	Inserted int
	Updated  int
}

// Changed reports whether any article was inserted or updated.
func (r ReconcileResult) Changed() bool {
	return r.Inserted > 0 || r.Updated > 0
}

// Reconcile merges upserts into the feed's stored articles, in order. Matched
// articles are updated in place when their content differs; the rest are
// inserted. Read and fave flags are never touched.
func Reconcile(ctx context.Context, tx Tx, feedID int64, upserts []model.ArticleUpsert, now time.Time) (ReconcileResult, error) {
	var res ReconcileResult
	for _, u := range upserts {
		match, err := MatchArticle(ctx, tx, feedID, u)
		if err != nil {
			return res, err
		}

		if match == nil {
			a := &model.Article{FeedID: feedID, Date: now}
			applyUpsert(a, u)
			if err := tx.InsertArticle(ctx, a); err != nil {
				return res, err
			}
			res.Inserted++
			continue
		}

		if !needsUpdate(match, u) {
			continue
		}
		applyUpsert(match, u)
		if err := tx.UpdateArticle(ctx, match); err != nil {
			return res, err
		}
		res.Updated++
	}
	return res, nil
}

// MatchArticle finds the stored article an upsert refers to. It tries the
// GUID, then the URL, each also with an https scheme rewritten to http so
// feeds that moved to HTTPS keep their history. A URL match is accepted even
// when the stored article has a different GUID.
func MatchArticle(ctx context.Context, tx Tx, feedID int64, u model.ArticleUpsert) (*model.Article, error) {
	if u.GUID != "" {
		a, err := lookupWithHTTPFallback(ctx, feedID, u.GUID, tx.ArticleByGUID)
		if a != nil || err != nil {
			return a, err
		}
	}
	if u.URL != "" {
		return lookupWithHTTPFallback(ctx, feedID, u.URL, tx.ArticleByURL)
	}
	return nil, nil
}

type articleLookup func(ctx context.Context, feedID int64, key string) (*model.Article, error)

func lookupWithHTTPFallback(ctx context.Context, feedID int64, key string, lookup articleLookup) (*model.Article, error) {
	a, err := lookup(ctx, feedID, key)
	if a != nil || err != nil {
		return a, err
	}
	if rest, ok := strings.CutPrefix(key, "https://"); ok {
		return lookup(ctx, feedID, "http://"+rest)
	}
	return nil, nil
}

// needsUpdate reports whether u carries anything a differs in. An upsert
// without a date never moves the stored date.
func needsUpdate(a *model.Article, u model.ArticleUpsert) bool {
	if a.Author != u.Author || a.RawTitle != u.RawTitle || a.URL != u.URL ||
		a.GUID != u.GUID || a.RawContent != u.RawContent {
		return true
	}
	return u.Date != nil && u.Date.Unix() != a.Date.Unix()
}

func applyUpsert(a *model.Article, u model.ArticleUpsert) {
	a.Author = u.Author
	a.RawTitle = u.RawTitle
	a.URL = u.URL
	a.GUID = u.GUID
	a.RawContent = u.RawContent
	if u.Date != nil {
		a.Date = *u.Date
	}

	a.Title = sanitize.Text(u.RawTitle)
	a.Content = sanitize.HTML(u.RawContent)
	a.ContentSnippet = sanitize.Snippet(a.Title, a.Content)
	a.ContentRev = sanitize.Revision
}
