package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLastConnectionOut(t *testing.T) {
	r := NewRegistry()

	first, _ := r.Register(1, "a")
	assert.True(t, first)
	first, snap := r.Register(1, "b")
	assert.False(t, first)
	assert.Equal(t, 2, snap.Connections)

	last, snap := r.Unregister(1, "a")
	assert.False(t, last)
	assert.Equal(t, StatusOnline, snap.Status)
	assert.True(t, r.IsOnline(1))

	last, snap = r.Unregister(1, "b")
	assert.True(t, last)
	assert.Equal(t, StatusOffline, snap.Status)
	assert.False(t, r.IsOnline(1))
}

func TestUnregisterUnknownConnection(t *testing.T) {
	r := NewRegistry()
	r.Register(1, "a")

	last, _ := r.Unregister(1, "zzz")
	assert.False(t, last)
	last, _ = r.Unregister(2, "a")
	assert.False(t, last)
	assert.Equal(t, 1, r.OnlineCount())
}

func TestSetStatus(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry().WithClock(func() time.Time { return now })

	changed, _ := r.SetStatus(1, StatusBusy)
	assert.False(t, changed, "offline users cannot change status")

	r.Register(1, "a")
	changed, entry := r.SetStatus(1, StatusBusy)
	assert.True(t, changed)
	assert.Equal(t, StatusBusy, entry.Status)

	changed, _ = r.SetStatus(1, StatusBusy)
	assert.False(t, changed)

	r.Unregister(1, "a")
	assert.Equal(t, now, r.Get(1).LastSeen)
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	var firsts, lasts int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26)) + string(rune('A'+i/26))
			first, _ := r.Register(7, id)
			last, _ := r.Unregister(7, id)
			mu.Lock()
			if first {
				firsts++
			}
			if last {
				lasts++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, firsts, lasts)
	assert.False(t, r.IsOnline(7))
}
