package poll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robertmeta/feedd/clock"
	"github.com/robertmeta/feedd/feed"
	"github.com/robertmeta/feedd/model"
	"github.com/robertmeta/feedd/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1_700_000_000, 0)

type fakeFetcher struct {
	mu      sync.Mutex
	fetched []int64
	fetch   func(f *model.Feed) feed.Outcome
}

func (ff *fakeFetcher) Fetch(ctx context.Context, f *model.Feed) feed.Outcome {
	ff.mu.Lock()
	ff.fetched = append(ff.fetched, f.ID)
	ff.mu.Unlock()
	if ff.fetch != nil {
		return ff.fetch(f)
	}
	return feed.Unchanged{Reason: "etag"}
}

// busyStore fails the first failures transactions with store.ErrBusy.
type busyStore struct {
	*store.Store
	failures int
	attempts int
}

func (s *busyStore) InTx(ctx context.Context, fn func(*store.Tx) error) error {
	s.attempts++
	if s.attempts <= s.failures {
		return fmt.Errorf("failed to begin transaction: %w", store.ErrBusy)
	}
	return s.Store.InTx(ctx, fn)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPoller(s Store, f Fetcher) (*Poller, *clock.Fake, *bytes.Buffer) {
	var logs bytes.Buffer
	p := NewPoller(s, f)
	c := clock.NewFake(epoch)
	p.Clock = c
	p.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return p, c, &logs
}

func addFeed(t *testing.T, s *store.Store, url string, nextCheck *time.Time) *model.Feed {
	t.Helper()
	f := &model.Feed{URL: url, NextCheck: nextCheck}
	require.NoError(t, s.CreateFeed(context.Background(), f))
	return f
}

func ago(d time.Duration) *time.Time {
	t := epoch.Add(-d)
	return &t
}

func TestPoll_GoneDisablesFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	s := newTestStore(t)
	f := addFeed(t, s, srv.URL, ago(time.Minute))
	p, _, _ := newTestPoller(s, feed.NewClient())

	delay, err := p.Poll(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, IdleDelay, delay, "nothing left scheduled")

	got, err := s.GetFeed(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextCheck)
	assert.Contains(t, got.Error, "no longer available")
	assert.Equal(t, int64(0), got.AllCount)
}

func TestPoll_BatchLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var feeds []*model.Feed
	for i := 0; i < 7; i++ {
		feeds = append(feeds, addFeed(t, s, fmt.Sprintf("https://example.com/%d", i), ago(time.Duration(7-i)*time.Minute)))
	}
	later := addFeed(t, s, "https://example.com/later", func() *time.Time { t := epoch.Add(time.Hour); return &t }())

	fetcher := &fakeFetcher{}
	p, _, logs := newTestPoller(s, fetcher)

	delay, err := p.Poll(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), delay, "two feeds are still due")

	var want []int64
	for _, f := range feeds[:5] {
		want = append(want, f.ID)
	}
	assert.ElementsMatch(t, want, fetcher.fetched)

	for _, f := range feeds[:5] {
		got, err := s.GetFeed(ctx, f.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastChecked)
		assert.Equal(t, epoch.Add(24*time.Hour).Unix(), got.NextCheck.Unix())
	}
	for _, f := range feeds[5:] {
		got, err := s.GetFeed(ctx, f.ID)
		require.NoError(t, err)
		assert.Nil(t, got.LastChecked)
		assert.Equal(t, f.NextCheck.Unix(), got.NextCheck.Unix())
	}
	assert.Contains(t, logs.String(), "checked=5")

	// The next cycle takes the remaining two; the delay then follows the
	// soonest future feed.
	fetcher.fetched = nil
	delay, err = p.Poll(ctx, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{feeds[5].ID, feeds[6].ID}, fetcher.fetched)
	assert.Equal(t, later.NextCheck.Sub(epoch), delay)
}

func TestPoll_NothingDue(t *testing.T) {
	s := newTestStore(t)
	addFeed(t, s, "https://example.com/rss", func() *time.Time { t := epoch.Add(10 * time.Minute); return &t }())
	addFeed(t, s, "https://example.com/disabled", nil)

	fetcher := &fakeFetcher{}
	p, _, _ := newTestPoller(s, fetcher)

	delay, err := p.Poll(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, fetcher.fetched)
	assert.Equal(t, 10*time.Minute, delay)
}

func TestPoll_InvalidBatchSize(t *testing.T) {
	p, _, _ := newTestPoller(newTestStore(t), &fakeFetcher{})
	_, err := p.Poll(context.Background(), 0)
	assert.Error(t, err)
}

func TestPoll_PanicBecomesPollError(t *testing.T) {
	s := newTestStore(t)
	bad := addFeed(t, s, "https://example.com/bad", ago(time.Minute))
	good := addFeed(t, s, "https://example.com/good", ago(time.Minute))

	fetcher := &fakeFetcher{fetch: func(f *model.Feed) feed.Outcome {
		if f.ID == bad.ID {
			panic("boom")
		}
		return feed.BadStatus{Code: 500}
	}}
	p, _, _ := newTestPoller(s, fetcher)

	_, err := p.Poll(context.Background(), 5)
	require.NoError(t, err)

	got, err := s.GetFeed(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got.Error, "Internal error: boom"), got.Error)
	assert.Contains(t, got.Error, "goroutine", "the stack is recorded")

	got, err = s.GetFeed(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, "HTTP 500", got.Error)
}

func TestPoll_SkipsFeedDeletedDuringFetch(t *testing.T) {
	s := newTestStore(t)
	gone := addFeed(t, s, "https://example.com/gone", ago(time.Minute))
	kept := addFeed(t, s, "https://example.com/kept", ago(time.Minute))

	fetcher := &fakeFetcher{fetch: func(f *model.Feed) feed.Outcome {
		if f.ID == gone.ID {
			assert.NoError(t, s.DeleteFeed(context.Background(), f.ID))
		}
		return feed.Unchanged{Reason: "digest"}
	}}
	p, _, _ := newTestPoller(s, fetcher)

	_, err := p.Poll(context.Background(), 5)
	require.NoError(t, err)

	_, err = s.GetFeed(context.Background(), gone.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	got, err := s.GetFeed(context.Background(), kept.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastChecked)
}

func TestPoll_RetriesBusyDatabase(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		wantErr  bool
	}{
		{"succeeds on first attempt", 0, false},
		{"succeeds on tenth attempt", 9, false},
		{"fails after ten attempts", 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			f := addFeed(t, s, "https://example.com/rss", ago(time.Minute))
			busy := &busyStore{Store: s, failures: tt.failures}
			p, _, _ := newTestPoller(busy, &fakeFetcher{})

			_, err := p.Poll(context.Background(), 5)
			got, getErr := s.GetFeed(context.Background(), f.ID)
			require.NoError(t, getErr)

			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, store.IsBusy(err))
				assert.Equal(t, maxPersistAttempts, busy.attempts)
				assert.Nil(t, got.LastChecked, "feed stays due")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.failures+1, busy.attempts)
			assert.NotNil(t, got.LastChecked)
		})
	}
}

type failingStore struct {
	*store.Store
	attempts int
}

func (s *failingStore) InTx(ctx context.Context, fn func(*store.Tx) error) error {
	s.attempts++
	return errors.New("disk I/O error")
}

func TestPoll_OtherErrorsNotRetried(t *testing.T) {
	s := newTestStore(t)
	addFeed(t, s, "https://example.com/rss", ago(time.Minute))
	failing := &failingStore{Store: s}
	p, _, _ := newTestPoller(failing, &fakeFetcher{})

	_, err := p.Poll(context.Background(), 5)
	assert.EqualError(t, err, "disk I/O error")
	assert.Equal(t, 1, failing.attempts)
}

func TestCycle_FailureBecomesRetryDelay(t *testing.T) {
	s := newTestStore(t)
	addFeed(t, s, "https://example.com/rss", ago(time.Minute))
	busy := &busyStore{Store: s, failures: 100}
	p, _, logs := newTestPoller(busy, &fakeFetcher{})

	delay, err := p.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetryDelay, delay)
	assert.Contains(t, logs.String(), "poll cycle failed")
}

type panickingStore struct {
	*store.Store
}

func (panickingStore) DueFeeds(ctx context.Context, now time.Time, limit int) ([]*model.Feed, error) {
	panic("unexpected")
}

func TestCycle_PanicBecomesRetryDelay(t *testing.T) {
	p, _, logs := newTestPoller(panickingStore{newTestStore(t)}, &fakeFetcher{})

	delay, err := p.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetryDelay, delay)
	assert.Contains(t, logs.String(), "poll cycle panicked")
}

func TestCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := addFeed(t, s, "https://example.com/rss", func() *time.Time { t := epoch.Add(time.Hour); return &t }())

	fetcher := &fakeFetcher{fetch: func(*model.Feed) feed.Outcome { return feed.NetworkError{Message: "Connection refused: nope"} }}
	p, _, _ := newTestPoller(s, fetcher)

	out, err := p.Check(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, feed.NetworkError{Message: "Connection refused: nope"}, out)

	got, err := s.GetFeed(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "Connection refused: nope", got.Error)
	assert.Equal(t, epoch.Unix(), got.LastChecked.Unix())

	_, err = p.Check(ctx, f.ID+100)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
