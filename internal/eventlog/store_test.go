package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := Open(db)
	require.NoError(t, err)
	return store
}

func TestAppendAssignsContiguousSequenceIDs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		event, err := store.Append(ctx, SessionLocked{Reason: "daily_loss_exceeded"})
		require.NoError(t, err)
		assert.Equal(t, int64(i), event.Seq)
	}
	assert.Equal(t, int64(5), store.Tail())
}

func TestReplayReturnsEventsInOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, OrderPlaced{
		OrderID: "o-1",
		Symbol:  "AAPL",
		Side:    SideBuy,
		Qty:     decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	_, err = store.Append(ctx, ExecutionReceived{
		ExecID:  "e-1",
		OrderID: "o-1",
		Symbol:  "AAPL",
		Side:    SideBuy,
		Shares:  decimal.NewFromInt(100),
		Price:   decimal.NewFromFloat(150.0),
		At:      time.Now().UTC(),
	})
	require.NoError(t, err)

	it, err := store.Replay(ctx, 1)
	require.NoError(t, err)
	defer it.Close()

	var seqs []int64
	var types []Type
	for it.Next() {
		seqs = append(seqs, it.Event().Seq)
		types = append(types, it.Event().Type)
	}
	require.NoError(t, it.Err())

	assert.Equal(t, []int64{1, 2}, seqs)
	assert.Equal(t, []Type{TypeOrderPlaced, TypeExecutionReceived}, types)
}

func TestReplayTerminatesAtCaptureTimeTail(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, RegimeShifted{From: "normal", To: "volatile"})
	require.NoError(t, err)

	it, err := store.Replay(ctx, 1)
	require.NoError(t, err)
	defer it.Close()

	// Appended after the replay window was captured; must not be visible.
	_, err = store.Append(ctx, RegimeShifted{From: "volatile", To: "normal"})
	require.NoError(t, err)

	var count int
	for it.Next() {
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 1, count)
}

func TestSubscribeDeliversLiveEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ch, cancel := store.Subscribe()
	defer cancel()

	_, err := store.Append(ctx, SignalReceived{SignalID: "s-1", Source: "scanner", Symbol: "TSLA", Direction: "long"})
	require.NoError(t, err)

	select {
	case event := <-ch:
		assert.Equal(t, TypeSignalReceived, event.Type)
		assert.Equal(t, int64(1), event.Seq)
	case <-time.After(time.Second):
		t.Fatal("expected live event delivery")
	}
}

func TestTailRecoveredAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	require.NoError(t, err)

	store, err := Open(db)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Append(ctx, SessionFlattened{Positions: 2, Orders: 3})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	defer db2.Close()

	reopened, err := Open(db2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reopened.Tail())

	event, err := reopened.Append(ctx, SessionLocked{Reason: "consecutive_losses"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), event.Seq)
}

func TestDecodeRoundTripsPayload(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	placed := OrderPlaced{
		OrderID:  "o-9",
		Symbol:   "NVDA",
		Side:     SideSell,
		Qty:      decimal.NewFromInt(50),
		OCAGroup: "oca-1",
	}
	event, err := store.Append(ctx, placed)
	require.NoError(t, err)

	var decoded OrderPlaced
	require.NoError(t, event.Decode(&decoded))
	assert.Equal(t, placed.OrderID, decoded.OrderID)
	assert.Equal(t, placed.OCAGroup, decoded.OCAGroup)
	assert.True(t, placed.Qty.Equal(decoded.Qty))
}
