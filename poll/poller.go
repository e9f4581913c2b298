// Package poll runs polling cycles over due feeds and the adaptive loop that
// schedules them.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/robertmeta/feedd/clock"
	"github.com/robertmeta/feedd/feed"
	"github.com/robertmeta/feedd/model"
	"github.com/robertmeta/feedd/store"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxFetch is the number of feeds fetched per cycle.
	DefaultMaxFetch = 10

	// IdleDelay is the delay before the next cycle when no feed is scheduled.
	IdleDelay = 15 * time.Minute

	// RetryDelay is the delay after a failed cycle.
	RetryDelay = time.Second

	// Attempts to persist a batch while the database reports contention.
	maxPersistAttempts = 10
)

// Store is the storage a Poller works against. *store.Store implements it.
type Store interface {
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	DueFeeds(ctx context.Context, now time.Time, limit int) ([]*model.Feed, error)
	EarliestNextCheck(ctx context.Context) (*time.Time, error)
	InTx(ctx context.Context, fn func(*store.Tx) error) error
}

// Fetcher performs a single fetch attempt. *feed.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, f *model.Feed) feed.Outcome
}

// Poller checks due feeds and persists the outcomes.
type Poller struct {
	Store    Store
	Fetcher  Fetcher
	Clock    clock.Clock
	Logger   *slog.Logger
	MaxFetch int
}

// NewPoller creates a Poller using the wall clock and the default logger.
func NewPoller(s Store, f Fetcher) *Poller {
	return &Poller{
		Store:    s,
		Fetcher:  f,
		Clock:    clock.Real{},
		Logger:   slog.Default(),
		MaxFetch: DefaultMaxFetch,
	}
}

type result struct {
	feed    *model.Feed
	outcome feed.Outcome
}

// Poll checks up to maxFetch due feeds concurrently, persists every outcome
// in one transaction and returns the delay until the next feed is due.
func (p *Poller) Poll(ctx context.Context, maxFetch int) (time.Duration, error) {
	if maxFetch < 1 {
		return 0, fmt.Errorf("invalid batch size %d", maxFetch)
	}
	start := p.Clock.Now()

	feeds, err := p.Store.DueFeeds(ctx, start, maxFetch)
	if err != nil {
		return 0, err
	}

	results := make([]result, len(feeds))
	var g errgroup.Group
	g.SetLimit(maxFetch)
	for i, f := range feeds {
		g.Go(func() error {
			results[i] = result{feed: f, outcome: p.fetch(ctx, f)}
			return nil
		})
	}
	g.Wait()

	if err := p.persist(ctx, results); err != nil {
		return 0, err
	}

	delay, err := p.nextDelay(ctx)
	if err != nil {
		return 0, err
	}

	p.Logger.Info("poll cycle complete",
		"checked", len(feeds),
		"duration", p.Clock.Now().Sub(start),
		"next", delay)
	return delay, nil
}

// Cycle runs Poll with the configured batch size. Failures, including
// panics, are logged and turned into RetryDelay so the loop keeps running.
func (p *Poller) Cycle(ctx context.Context) (delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.Logger.Error("poll cycle panicked", "panic", r, "stack", string(debug.Stack()))
			delay, err = RetryDelay, nil
		}
	}()

	delay, err = p.Poll(ctx, p.MaxFetch)
	if err != nil {
		p.Logger.Error("poll cycle failed", "err", err, "retry", RetryDelay)
		return RetryDelay, nil
	}
	return delay, nil
}

// Check fetches one feed immediately, regardless of its schedule, and
// persists the outcome.
func (p *Poller) Check(ctx context.Context, feedID int64) (feed.Outcome, error) {
	f, err := p.Store.GetFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}
	out := p.fetch(ctx, f)
	if err := p.persist(ctx, []result{{feed: f, outcome: out}}); err != nil {
		return out, err
	}
	p.Logger.Info("feed checked", "feed", feedID, "outcome", out.String())
	return out, nil
}

// fetch never panics; a panic becomes a PollError carrying the stack.
func (p *Poller) fetch(ctx context.Context, f *model.Feed) (out feed.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = feed.PollError{Err: fmt.Sprintf("%v\n%s", r, debug.Stack())}
		}
	}()
	out = p.Fetcher.Fetch(ctx, f)
	if out == nil {
		out = feed.PollError{Err: "fetch returned no outcome"}
	}
	p.Logger.Debug("feed fetched", "feed", f.ID, "url", f.URL, "outcome", out.String())
	return out
}

func (p *Poller) persist(ctx context.Context, results []result) error {
	if len(results) == 0 {
		return nil
	}
	var err error
	for attempt := 1; attempt <= maxPersistAttempts; attempt++ {
		err = p.Store.InTx(ctx, func(tx *store.Tx) error {
			now := p.Clock.Now()
			for _, r := range results {
				f, err := tx.Feed(ctx, r.feed.ID)
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if err := r.outcome.Persist(ctx, tx, f, now); err != nil {
					return fmt.Errorf("failed to persist outcome for feed %d: %w", f.ID, err)
				}
			}
			return nil
		})
		if err == nil || !store.IsBusy(err) {
			return err
		}
		p.Logger.Warn("database busy while persisting poll results", "attempt", attempt, "err", err)
	}
	return fmt.Errorf("failed to persist poll results after %d attempts: %w", maxPersistAttempts, err)
}

func (p *Poller) nextDelay(ctx context.Context) (time.Duration, error) {
	next, err := p.Store.EarliestNextCheck(ctx)
	if err != nil {
		return 0, err
	}
	if next == nil {
		return IdleDelay, nil
	}
	return max(next.Sub(p.Clock.Now()), 0), nil
}
