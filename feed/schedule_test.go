package feed

import (
	"context"
	"testing"
	"time"

	"github.com/robertmeta/feedd/model"
	"github.com/robertmeta/feedd/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckInterval(t *testing.T) {
	base := time.Unix(1_000_000, 0)
	ago := func(d ...time.Duration) []time.Time {
		dates := make([]time.Time, len(d))
		for i, x := range d {
			dates[i] = base.Add(-x)
		}
		return dates
	}

	tests := []struct {
		name  string
		dates []time.Time
		want  time.Duration
	}{
		{"no articles", nil, MaxCheckInterval},
		{"single article", ago(0), MaxCheckInterval},
		{"smallest gap wins", ago(0, 30*time.Minute, 90*time.Minute), 30 * time.Minute},
		{"clamped to minimum", ago(0, time.Second, 2*time.Second), MinCheckInterval},
		{"identical dates", ago(time.Hour, time.Hour), MinCheckInterval},
		{"clamped to maximum", ago(0, 72*time.Hour, 144*time.Hour), MaxCheckInterval},
		{"within bounds", ago(0, 6*time.Hour), 6 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckInterval(tt.dates))
		})
	}
}

func TestSchedule(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Unix(10_000_000, 0)
	f := newFeed(t, s, ptime(0))

	// The old article falls outside the window and is ignored.
	reconcile(t, s, f.ID, []model.ArticleUpsert{
		{GUID: "a", Date: ptime(now.Unix())},
		{GUID: "b", Date: ptime(now.Unix() - 90*60)},
		{GUID: "c", Date: ptime(now.Unix() - 30*24*3600)},
	}, now)

	err := s.InTx(ctx, func(tx *store.Tx) error {
		got, err := tx.Feed(ctx, f.ID)
		require.NoError(t, err)
		require.NoError(t, Schedule(ctx, tx, got, now))
		require.NotNil(t, got.NextCheck)
		assert.Equal(t, now.Add(90*time.Minute), *got.NextCheck)

		got.NextCheck = nil
		require.NoError(t, Schedule(ctx, tx, got, now))
		assert.Nil(t, got.NextCheck)
		return nil
	})
	require.NoError(t, err)
}
