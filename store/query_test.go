package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/robertmeta/feedd/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{
			name:     "12 hours",
			input:    "12h",
			expected: 12 * time.Hour,
		},
		{
			name:     "7 days",
			input:    "7d",
			expected: 7 * 24 * time.Hour,
		},
		{
			name:     "2 weeks",
			input:    "2w",
			expected: 14 * 24 * time.Hour,
		},
		{
			name:     "3 months (approximated as 90 days)",
			input:    "3m",
			expected: 90 * 24 * time.Hour,
		},
		{
			name:     "1 year (approximated as 365 days)",
			input:    "1y",
			expected: 365 * 24 * time.Hour,
		},
		{
			name:    "invalid format - no number",
			input:   "d",
			wantErr: true,
		},
		{
			name:    "invalid format - no unit",
			input:   "7",
			wantErr: true,
		},
		{
			name:    "invalid unit",
			input:   "7x",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "negative number",
			input:   "-7d",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}

func TestBuildArticleQuery(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name        string
		feedID      int64
		limit       int
		offset      int
		unread      bool
		fave        bool
		since       string
		expectError bool
		check       func(t *testing.T, q ArticleQuery)
	}{
		{
			name:   "basic pagination",
			limit:  20,
			offset: 40,
			check: func(t *testing.T, q ArticleQuery) {
				assert.Equal(t, 20, q.Limit)
				assert.Equal(t, 40, q.Offset)
				assert.False(t, q.UnreadOnly)
				assert.Nil(t, q.Since)
			},
		},
		{
			name:   "feed and flag filters",
			feedID: 3,
			unread: true,
			fave:   true,
			check: func(t *testing.T, q ArticleQuery) {
				assert.Equal(t, int64(3), q.FeedID)
				assert.True(t, q.UnreadOnly)
				assert.True(t, q.FaveOnly)
			},
		},
		{
			name:  "since filter",
			since: "7d",
			check: func(t *testing.T, q ArticleQuery) {
				require.NotNil(t, q.Since)
				assert.Equal(t, now.Add(-7*24*time.Hour), *q.Since)
			},
		},
		{
			name:        "invalid since format",
			since:       "invalid",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := BuildArticleQuery(tt.feedID, tt.limit, tt.offset, tt.unread, tt.fave, tt.since, now)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				tt.check(t, q)
			}
		})
	}
}

func TestStore_Articles_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	feed := createFeed(t, s, "https://example.com/rss", nil)
	base := time.Unix(1700000000, 0)
	for i := 0; i < 50; i++ {
		insertArticle(t, s, &model.Article{
			FeedID: feed.ID,
			GUID:   fmt.Sprintf("entry-%d", i),
			Date:   base.Add(-time.Duration(i) * time.Hour),
		})
	}

	page1, err := s.Articles(ctx, ArticleQuery{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page1, 10, "Should get 10 articles")
	assert.Equal(t, "entry-0", page1[0].GUID, "Newest first")

	page2, err := s.Articles(ctx, ArticleQuery{Limit: 10, Offset: 10})
	require.NoError(t, err)
	assert.Len(t, page2, 10)
	assert.NotEqual(t, page1[0].ID, page2[0].ID, "Offset should return different articles")

	last, err := s.Articles(ctx, ArticleQuery{Limit: 10, Offset: 45})
	require.NoError(t, err)
	assert.Len(t, last, 5, "Should get remaining 5 articles")

	rest, err := s.Articles(ctx, ArticleQuery{Offset: 40})
	require.NoError(t, err)
	assert.Len(t, rest, 10, "Offset without limit returns the remainder")
}

func TestStore_Articles_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	feed := createFeed(t, s, "https://example.com/rss", nil)
	base := time.Unix(1700000000, 0)
	for i := 0; i < 10; i++ {
		insertArticle(t, s, &model.Article{
			FeedID: feed.ID,
			GUID:   fmt.Sprintf("entry-%d", i),
			Date:   base.Add(-time.Duration(i) * 24 * time.Hour),
			Read:   i%2 == 0,
			Fave:   i == 3,
		})
	}

	unread, err := s.Articles(ctx, ArticleQuery{UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, unread, 5, "Should get 5 unread articles")
	for _, a := range unread {
		assert.True(t, a.IsUnread())
	}

	faves, err := s.Articles(ctx, ArticleQuery{FaveOnly: true})
	require.NoError(t, err)
	require.Len(t, faves, 1)
	assert.Equal(t, "entry-3", faves[0].GUID)

	since := base.Add(-2 * 24 * time.Hour)
	recent, err := s.Articles(ctx, ArticleQuery{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestStore_SetArticleFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	feed := createFeed(t, s, "https://example.com/rss", nil)
	a := &model.Article{FeedID: feed.ID, GUID: "test-guid", Date: time.Now()}
	insertArticle(t, s, a)

	require.NoError(t, s.SetArticleFlags(ctx, a.ID, true, false))
	got, err := s.GetArticle(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.False(t, got.Fave)

	require.NoError(t, s.SetArticleFlags(ctx, a.ID, false, true))
	got, err = s.GetArticle(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Read)
	assert.True(t, got.Fave)

	assert.ErrorIs(t, s.SetArticleFlags(ctx, 999, true, true), ErrNotFound)
	_, err = s.GetArticle(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}
