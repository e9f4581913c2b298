package feed

import (
	"context"
	"testing"
	"time"

	"github.com/robertmeta/feedd/model"
	"github.com/robertmeta/feedd/sanitize"
	"github.com/robertmeta/feedd/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newFeed(t *testing.T, s *store.Store, nextCheck *time.Time) *model.Feed {
	t.Helper()
	f := &model.Feed{URL: "https://example.com/rss", NextCheck: nextCheck}
	require.NoError(t, s.CreateFeed(context.Background(), f))
	return f
}

func reconcile(t *testing.T, s *store.Store, feedID int64, upserts []model.ArticleUpsert, now time.Time) ReconcileResult {
	t.Helper()
	var res ReconcileResult
	err := s.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		res, err = Reconcile(context.Background(), tx, feedID, upserts, now)
		return err
	})
	require.NoError(t, err)
	return res
}

func articles(t *testing.T, s *store.Store, feedID int64) []*model.Article {
	t.Helper()
	list, err := s.Articles(context.Background(), store.ArticleQuery{FeedID: feedID})
	require.NoError(t, err)
	return list
}

func ptime(unix int64) *time.Time {
	t := time.Unix(unix, 0)
	return &t
}

func TestReconcile_InsertsNewArticles(t *testing.T) {
	s := newStore(t)
	f := newFeed(t, s, nil)
	now := time.Unix(5000, 0)

	res := reconcile(t, s, f.ID, []model.ArticleUpsert{
		{GUID: "a", URL: "https://example.com/a", RawTitle: "Hello &amp; welcome", RawContent: "<p>Body<script>x()</script></p>", Date: ptime(1000)},
		{GUID: "b", RawTitle: "Undated"},
	}, now)
	assert.Equal(t, ReconcileResult{Inserted: 2}, res)
	assert.True(t, res.Changed())

	list := articles(t, s, f.ID)
	require.Len(t, list, 2)

	undated, dated := list[0], list[1]
	assert.Equal(t, "b", undated.GUID)
	assert.Equal(t, now.Unix(), undated.Date.Unix(), "missing date defaults to now")

	assert.Equal(t, int64(1000), dated.Date.Unix())
	assert.Equal(t, "Hello & welcome", dated.Title)
	assert.Equal(t, "<p>Body</p>", dated.Content)
	assert.Equal(t, "Body", dated.ContentSnippet)
	assert.Equal(t, sanitize.Revision, dated.ContentRev)
	assert.False(t, dated.Read)
	assert.False(t, dated.Fave)

	got, err := s.GetFeed(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AllCount)
	assert.Equal(t, int64(2), got.UnreadCount)
}

func TestReconcile_Idempotent(t *testing.T) {
	s := newStore(t)
	f := newFeed(t, s, nil)
	upserts := []model.ArticleUpsert{
		{GUID: "a", URL: "https://example.com/a", RawTitle: "A", Date: ptime(1000)},
		{URL: "https://example.com/b", RawTitle: "B"},
	}

	reconcile(t, s, f.ID, upserts, time.Unix(5000, 0))
	res := reconcile(t, s, f.ID, upserts, time.Unix(6000, 0))
	assert.Equal(t, ReconcileResult{}, res)
	assert.False(t, res.Changed())

	list := articles(t, s, f.ID)
	require.Len(t, list, 2)
	assert.Equal(t, int64(5000), list[0].Date.Unix(), "undated article keeps its first-seen date")
}

func TestReconcile_UpdatesPreserveFlags(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	f := newFeed(t, s, nil)

	reconcile(t, s, f.ID, []model.ArticleUpsert{{GUID: "a", RawTitle: "Old", Date: ptime(1000)}}, time.Unix(5000, 0))
	list := articles(t, s, f.ID)
	require.Len(t, list, 1)
	require.NoError(t, s.SetArticleFlags(ctx, list[0].ID, true, true))

	res := reconcile(t, s, f.ID, []model.ArticleUpsert{{GUID: "a", RawTitle: "New"}}, time.Unix(6000, 0))
	assert.Equal(t, ReconcileResult{Updated: 1}, res)

	got, err := s.GetArticle(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "New", got.Title)
	assert.Equal(t, int64(1000), got.Date.Unix(), "missing date does not regress the stored one")
	assert.True(t, got.Read)
	assert.True(t, got.Fave)
}

func TestReconcile_DateChangeUpdates(t *testing.T) {
	s := newStore(t)
	f := newFeed(t, s, nil)

	reconcile(t, s, f.ID, []model.ArticleUpsert{{GUID: "a", Date: ptime(1000)}}, time.Unix(5000, 0))
	res := reconcile(t, s, f.ID, []model.ArticleUpsert{{GUID: "a", Date: ptime(2000)}}, time.Unix(6000, 0))
	assert.Equal(t, 1, res.Updated)

	list := articles(t, s, f.ID)
	require.Len(t, list, 1)
	assert.Equal(t, int64(2000), list[0].Date.Unix())
}

func TestMatchArticle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	f := newFeed(t, s, nil)
	other := &model.Feed{URL: "https://other.example.com/rss"}
	require.NoError(t, s.CreateFeed(ctx, other))

	reconcile(t, s, f.ID, []model.ArticleUpsert{
		{GUID: "http://example.com/?p=1", URL: "http://example.com/one"},
		{GUID: "urn:two", URL: "http://example.com/two"},
		{GUID: "https://example.com/?p=9", URL: "https://example.com/nine"},
	}, time.Unix(5000, 0))

	tests := []struct {
		name   string
		feedID int64
		upsert model.ArticleUpsert
		want   string
	}{
		{"guid", f.ID, model.ArticleUpsert{GUID: "urn:two"}, "urn:two"},
		{"guid moved to https", f.ID, model.ArticleUpsert{GUID: "https://example.com/?p=1"}, "http://example.com/?p=1"},
		{"url with new guid", f.ID, model.ArticleUpsert{GUID: "urn:other", URL: "http://example.com/two"}, "urn:two"},
		{"url moved to https", f.ID, model.ArticleUpsert{URL: "https://example.com/one"}, "http://example.com/?p=1"},
		{"http guid does not match stored https", f.ID, model.ArticleUpsert{GUID: "http://example.com/?p=9"}, ""},
		{"http url does not match stored https", f.ID, model.ArticleUpsert{GUID: "urn:nine", URL: "http://example.com/nine"}, ""},
		{"https guid", f.ID, model.ArticleUpsert{GUID: "https://example.com/?p=9"}, "https://example.com/?p=9"},
		{"no match", f.ID, model.ArticleUpsert{GUID: "urn:three", URL: "https://example.com/three"}, ""},
		{"empty keys", f.ID, model.ArticleUpsert{}, ""},
		{"other feed", other.ID, model.ArticleUpsert{GUID: "urn:two"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.InTx(ctx, func(tx *store.Tx) error {
				a, err := MatchArticle(ctx, tx, tt.feedID, tt.upsert)
				if err != nil {
					return err
				}
				if tt.want == "" {
					assert.Nil(t, a)
				} else if assert.NotNil(t, a) {
					assert.Equal(t, tt.want, a.GUID)
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestReconcile_HTTPSRoundTrip(t *testing.T) {
	s := newStore(t)
	f := newFeed(t, s, nil)

	reconcile(t, s, f.ID, []model.ArticleUpsert{{GUID: "http://example.com/1", URL: "http://example.com/1"}}, time.Unix(5000, 0))
	res := reconcile(t, s, f.ID, []model.ArticleUpsert{{GUID: "https://example.com/1", URL: "https://example.com/1"}}, time.Unix(6000, 0))
	assert.Equal(t, ReconcileResult{Updated: 1}, res)

	res = reconcile(t, s, f.ID, []model.ArticleUpsert{{GUID: "https://example.com/1", URL: "https://example.com/1"}}, time.Unix(7000, 0))
	assert.False(t, res.Changed())

	list := articles(t, s, f.ID)
	require.Len(t, list, 1)
	assert.Equal(t, "https://example.com/1", list[0].GUID)
}
