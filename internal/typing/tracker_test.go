package typing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStop(t *testing.T) {
	tr := NewTracker(5 * time.Minute)

	assert.True(t, tr.Start(1, 10))
	assert.False(t, tr.Start(1, 10))
	assert.Equal(t, []int64{10}, tr.Typing(1))

	assert.True(t, tr.Stop(1, 10))
	assert.False(t, tr.Stop(1, 10))
	assert.Empty(t, tr.Typing(1))
}

func TestSweepEvictsAfterTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(5 * time.Minute).WithClock(func() time.Time { return now })
	tr.Start(1, 10)
	tr.Start(2, 20)

	assert.Empty(t, tr.Sweep(now.Add(4*time.Minute)))

	now = now.Add(2 * time.Minute)
	tr.Start(2, 20) // refresh

	evicted := tr.Sweep(now.Add(3 * time.Minute))
	require.Len(t, evicted, 1)
	assert.Equal(t, int64(1), evicted[0].ConversationID)
	assert.Equal(t, int64(10), evicted[0].UserID)
	assert.Equal(t, []int64{20}, tr.Typing(2))
}

func TestStopAll(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.Start(3, 1)
	tr.Start(1, 1)
	tr.Start(1, 2)

	assert.Equal(t, []int64{1, 3}, tr.StopAll(1))
	assert.Equal(t, []int64{2}, tr.Typing(1))
}

func TestRunBroadcastsEvictions(t *testing.T) {
	start := time.Now()
	tr := NewTracker(time.Millisecond)
	tr.Start(1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan []Entry, 1)
	go tr.Run(ctx, 5*time.Millisecond, func(e []Entry) { got <- e })

	select {
	case evicted := <-got:
		require.Len(t, evicted, 1)
		assert.False(t, evicted[0].Since.Before(start))
	case <-time.After(2 * time.Second):
		t.Fatal("expected an eviction")
	}
}
