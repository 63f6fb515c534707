package router

import (
	"sync"
	"time"
)

// debounceConfig controls navigation coalescing.
type debounceConfig struct {
	// Window is the quiet time before a navigation fires. Default: 250ms.
	Window time.Duration
}

func (dc *debounceConfig) defaults() {
	if dc.Window <= 0 {
		dc.Window = 250 * time.Millisecond
	}
}

// debouncer coalesces values per key: each add restarts the key's window
// and only the last value is emitted when the window expires.
type debouncer struct {
	cfg     debounceConfig
	flushFn func(key, value string)

	mu      sync.Mutex
	windows map[string]*window
	seq     uint64
	closed  bool
	wg      sync.WaitGroup
}

// window is one armed timer for a key. seq tells a timer that already
// fired apart from the one that replaced it.
type window struct {
	timer *time.Timer
	seq   uint64
	value string
}

func newDebouncer(cfg debounceConfig, flushFn func(key, value string)) *debouncer {
	cfg.defaults()
	return &debouncer{
		cfg:     cfg,
		flushFn: flushFn,
		windows: make(map[string]*window),
	}
}

// add records value for key and (re)starts the key's window.
func (d *debouncer) add(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if w, ok := d.windows[key]; ok && w.timer.Stop() {
		// The stopped timer will never run; release its slot.
		d.wg.Done()
	}
	d.seq++
	seq := d.seq
	d.wg.Add(1)
	d.windows[key] = &window{
		timer: time.AfterFunc(d.cfg.Window, func() { d.fire(key, seq) }),
		seq:   seq,
		value: value,
	}
}

func (d *debouncer) fire(key string, seq uint64) {
	defer d.wg.Done()
	d.mu.Lock()
	w, ok := d.windows[key]
	if !ok || w.seq != seq {
		// Re-armed after this timer fired; the newer window owns the key.
		d.mu.Unlock()
		return
	}
	delete(d.windows, key)
	closed := d.closed
	d.mu.Unlock()
	if !closed {
		d.flushFn(key, w.value)
	}
}

// cancel drops any pending value for key.
func (d *debouncer) cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.windows[key]; ok {
		if w.timer.Stop() {
			d.wg.Done()
		}
		delete(d.windows, key)
	}
}

// pending reports how many keys have an armed window.
func (d *debouncer) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows)
}

// close stops all pending windows and waits for running flushes.
func (d *debouncer) close() {
	d.mu.Lock()
	d.closed = true
	for key, w := range d.windows {
		if w.timer.Stop() {
			d.wg.Done()
		}
		delete(d.windows, key)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
