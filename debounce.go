package pmcp

import (
	"sync"
	"time"
)

// DebounceConfig tunes coalescing for one notification method.
type DebounceConfig struct {
	// Interval is the quiet window armed on the first event; further events
	// inside it reset the timer.
	Interval time.Duration
	// MaxWait bounds total deferral: the notification fires no later than
	// MaxWait after the first coalesced event, however busy the stream is.
	MaxWait time.Duration
	// Merge controls payload coalescing: true replaces the pending payload
	// with the newest one, false keeps the first.
	Merge bool
}

// DefaultDebounceConfig is applied to list-changed and resource-updated
// notifications unless overridden.
var DefaultDebounceConfig = DebounceConfig{
	Interval: 100 * time.Millisecond,
	MaxWait:  time.Second,
	Merge:    true,
}

type debounceKey struct {
	method string
	key    string
}

type debounceEntry struct {
	timer   *time.Timer
	firstAt time.Time
	payload any
}

// debouncer coalesces high-churn notifications per (method, key) tuple,
// where key is the resource URI for resources/updated and empty for the
// list-changed family. At most ceil(W/Interval)+1 notifications are emitted
// in any window of length W.
type debouncer struct {
	emit    func(method string, params any)
	configs map[string]DebounceConfig

	mu      sync.Mutex
	entries map[debounceKey]*debounceEntry
	closed  bool
}

func newDebouncer(emit func(method string, params any), configs map[string]DebounceConfig) *debouncer {
	return &debouncer{
		emit:    emit,
		configs: configs,
		entries: make(map[debounceKey]*debounceEntry),
	}
}

func (d *debouncer) config(method string) DebounceConfig {
	if cfg, ok := d.configs[method]; ok {
		return cfg
	}
	return DefaultDebounceConfig
}

// event records one occurrence. The first event for a (method, key) arms a
// timer; later events within the window update the pending payload and push
// the timer out, bounded by MaxWait from the first event.
func (d *debouncer) event(method, key string, params any) {
	cfg := d.config(method)
	if cfg.Interval <= 0 {
		d.emit(method, params)
		return
	}

	k := debounceKey{method: method, key: key}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if entry, ok := d.entries[k]; ok {
		if cfg.Merge {
			entry.payload = params
		}
		remaining := cfg.Interval
		if cfg.MaxWait > 0 {
			untilMax := cfg.MaxWait - time.Since(entry.firstAt)
			if untilMax < remaining {
				remaining = untilMax
			}
		}
		if remaining > 0 {
			entry.timer.Reset(remaining)
		}
		return
	}

	entry := &debounceEntry{
		firstAt: time.Now(),
		payload: params,
	}
	entry.timer = time.AfterFunc(cfg.Interval, func() {
		d.fire(k)
	})
	d.entries[k] = entry
}

func (d *debouncer) fire(k debounceKey) {
	d.mu.Lock()
	entry, ok := d.entries[k]
	if ok {
		delete(d.entries, k)
	}
	closed := d.closed
	d.mu.Unlock()

	if !ok || closed {
		return
	}
	d.emit(k.method, entry.payload)
}

// close drops all pending notifications. Used when the connection tears
// down; coalesced events are never flushed to a dead peer.
func (d *debouncer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for k, entry := range d.entries {
		entry.timer.Stop()
		delete(d.entries, k)
	}
}
