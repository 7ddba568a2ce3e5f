package journal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trailstop/internal/core"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) (*SQLiteJournal, string) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := NewSQLiteJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func TestSQLiteJournal_RecordAndRead(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC)

	events := []*core.StopEvent{
		{Time: base, PositionID: "P1", Symbol: "BTCUSDT", Side: core.Long, Kind: core.EventWatchStarted},
		{Time: base.Add(time.Second), PositionID: "P1", Symbol: "BTCUSDT", Side: core.Long, Kind: core.EventStopPlaced, Price: decimal.RequireFromString("100.5"), OrderID: "1001"},
		{Time: base.Add(2 * time.Second), PositionID: "P2", Symbol: "BTCUSDT", Side: core.Short, Kind: core.EventForcedClose, Price: decimal.NewFromInt(99), Reason: "retraced"},
	}
	for _, ev := range events {
		require.NoError(t, j.Record(ctx, ev))
	}

	p1, err := j.ForPosition(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, p1, 2)
	assert.Equal(t, core.EventWatchStarted, p1[0].Kind)
	assert.True(t, p1[0].Price.IsZero())
	assert.Equal(t, core.EventStopPlaced, p1[1].Kind)
	assert.Equal(t, "1001", p1[1].OrderID)
	assert.True(t, p1[1].Price.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, p1[1].Time.Equal(base.Add(time.Second)))

	recent, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "P2", recent[0].PositionID)
	assert.Equal(t, core.Short, recent[0].Side)
	assert.Equal(t, "retraced", recent[0].Reason)

	assert.NoError(t, j.HealthCheck())
}

func TestSQLiteJournal_SurvivesReopen(t *testing.T) {
	j, path := newTestJournal(t)
	require.NoError(t, j.Record(context.Background(), &core.StopEvent{PositionID: "P1", Symbol: "BTCUSDT", Side: core.Long, Kind: core.EventWatchEnded}))
	require.NoError(t, j.Close())

	reopened, err := NewSQLiteJournal(path)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Time.IsZero(), "zero time defaults to now")
}

func TestSQLiteJournal_ConcurrentWrites(t *testing.T) {
	j, _ := newTestJournal(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, j.Record(context.Background(), &core.StopEvent{PositionID: "P", Symbol: "BTCUSDT", Side: core.Long, Kind: core.EventStopPlaced}))
		}()
	}
	wg.Wait()

	events, err := j.ForPosition(context.Background(), "P")
	require.NoError(t, err)
	assert.Len(t, events, 20)
}

func TestIsBusy(t *testing.T) {
	assert.True(t, isBusy(fmt.Errorf("exec: %w", sqlite3.Error{Code: sqlite3.ErrBusy})))
	assert.True(t, isBusy(sqlite3.Error{Code: sqlite3.ErrLocked}))
	assert.False(t, isBusy(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, isBusy(errors.New("disk full")))
}
