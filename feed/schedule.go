package feed

import (
	"context"
	"time"

	"github.com/robertmeta/feedd/model"
)

// Bounds of the adaptive check interval.
const (
	MinCheckInterval     = 15 * time.Minute
	MaxCheckInterval     = 24 * time.Hour
	DefaultCheckInterval = 48 * time.Hour

	// Only articles this recent inform the schedule, so a feed that goes
	// quiet decays to the maximum interval.
	scheduleWindow = 14 * 24 * time.Hour
	scheduleSample = 100
)

// CheckInterval derives a poll interval from article dates sorted newest
// first: the smallest gap between consecutive dates, clamped to
// [MinCheckInterval, MaxCheckInterval].
func CheckInterval(dates []time.Time) time.Duration {
	gap := DefaultCheckInterval
	if len(dates) >= 2 {
		gap = -1
		for i := 0; i+1 < len(dates); i++ {
			d := dates[i].Sub(dates[i+1])
			if d < 0 {
				d = -d
			}
			if gap < 0 || d < gap {
				gap = d
			}
		}
	}

	switch {
	case gap < MinCheckInterval:
		return MinCheckInterval
	case gap > MaxCheckInterval:
		return MaxCheckInterval
	}
	return gap
}

// Schedule sets the feed's next check from its recent article cadence. A
// disabled feed stays disabled.
func Schedule(ctx context.Context, tx Tx, f *model.Feed, now time.Time) error {
	if f.NextCheck == nil {
		return nil
	}
	dates, err := tx.RecentArticleDates(ctx, f.ID, now.Add(-scheduleWindow), scheduleSample)
	if err != nil {
		return err
	}
	next := now.Add(CheckInterval(dates))
	f.NextCheck = &next
	return nil
}
