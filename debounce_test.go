package pmcp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type emitRecorder struct {
	mu     sync.Mutex
	events []struct {
		method string
		params any
	}
}

func (r *emitRecorder) emit(method string, params any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, struct {
		method string
		params any
	}{method, params})
}

func (r *emitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *emitRecorder) last() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1].params
}

func TestDebouncerCoalescesBurst(t *testing.T) {
	rec := &emitRecorder{}
	d := newDebouncer(rec.emit, map[string]DebounceConfig{
		"m": {Interval: 30 * time.Millisecond, MaxWait: 200 * time.Millisecond, Merge: true},
	})
	defer d.close()

	for i := 0; i < 50; i++ {
		d.event("m", "k", i)
	}

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 5*time.Millisecond)
	// Merge keeps the newest payload.
	require.Equal(t, 49, rec.last())

	// Quiet period over; a new event arms a fresh window.
	d.event("m", "k", 100)
	require.Eventually(t, func() bool { return rec.count() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestDebouncerMaxWaitBoundsDeferral(t *testing.T) {
	rec := &emitRecorder{}
	d := newDebouncer(rec.emit, map[string]DebounceConfig{
		"m": {Interval: 40 * time.Millisecond, MaxWait: 120 * time.Millisecond, Merge: true},
	})
	defer d.close()

	// Keep resetting the quiet window; MaxWait must still flush.
	stop := time.After(400 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			d.event("m", "k", nil)
		}
	}

	// 400ms of sustained churn with MaxWait=120ms: at least two flushes,
	// and bounded well below one per event.
	count := rec.count()
	require.GreaterOrEqual(t, count, 2)
	require.LessOrEqual(t, count, 6)
}

func TestDebouncerSeparateKeys(t *testing.T) {
	rec := &emitRecorder{}
	d := newDebouncer(rec.emit, map[string]DebounceConfig{
		"m": {Interval: 20 * time.Millisecond, MaxWait: 100 * time.Millisecond, Merge: true},
	})
	defer d.close()

	d.event("m", "a", "pa")
	d.event("m", "b", "pb")

	require.Eventually(t, func() bool { return rec.count() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestDebouncerCloseDropsPending(t *testing.T) {
	rec := &emitRecorder{}
	d := newDebouncer(rec.emit, map[string]DebounceConfig{
		"m": {Interval: 50 * time.Millisecond, MaxWait: 500 * time.Millisecond, Merge: true},
	})

	d.event("m", "k", nil)
	d.close()

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, rec.count())

	// Events after close are ignored.
	d.event("m", "k", nil)
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, rec.count())
}

func TestDebouncerZeroIntervalEmitsDirectly(t *testing.T) {
	rec := &emitRecorder{}
	d := newDebouncer(rec.emit, map[string]DebounceConfig{
		"m": {Interval: 0},
	})
	defer d.close()

	d.event("m", "k", 1)
	d.event("m", "k", 2)
	require.Equal(t, 2, rec.count())
}
