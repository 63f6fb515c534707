// CLAUDE:SUMMARY Per-tab cache-aside store: authoritative in-memory map with a best-effort asynchronous SQLite tier that survives restarts.
// Package tabcache caches per-tab state (plans, summaries, errors) keyed by
// namespace and tab id.
//
// The in-memory map is authoritative for the lifetime of the process. Every
// Set and Clear is also queued to a background writer that persists it to
// SQLite. The queue is bounded: when it is full the write is dropped and
// counted, never blocking the caller. Reads that miss the map fall back to
// SQLite and warm the map. The durable tier may lag the map at any time.
package tabcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/pdpatch/dbopen"
	"github.com/hazyhaar/pdpatch/observability"
)

// Namespaces used by the service.
const (
	NSPlan    = "plan"
	NSSummary = "summary"
	NSError   = "error"
)

// Schema creates the durable tier.
const Schema = `
CREATE TABLE IF NOT EXISTS tab_cache (
    namespace  TEXT NOT NULL,
    tab_id     TEXT NOT NULL,
    value      BLOB NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (namespace, tab_id)
);
`

// DefaultWriteBuffer is the capacity of the write queue.
const DefaultWriteBuffer = 256

// Options configures a Cache.
type Options struct {
	WriteBuffer int
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

type key struct{ ns, tab string }

// entry is a fast-map slot. A cleared key keeps a tombstone until the
// writer has deleted it durably, so that reads do not resurrect it from a
// lagging durable tier.
type entry struct {
	val  []byte
	gone bool
	seq  uint64
}

type write struct {
	key
	val  []byte
	gone bool
	seq  uint64
}

// Cache is a two-tier per-tab cache.
type Cache struct {
	db      *sql.DB
	log     *slog.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	fast   map[key]entry
	seq    uint64
	closed bool

	writes chan write
	done   chan struct{}
}

// New creates the table if needed and starts the background writer.
// db may be nil, in which case the cache is memory only.
func New(db *sql.DB, opts Options) (*Cache, error) {
	if opts.WriteBuffer <= 0 {
		opts.WriteBuffer = DefaultWriteBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if db != nil {
		if _, err := db.Exec(Schema); err != nil {
			return nil, fmt.Errorf("tabcache: init schema: %w", err)
		}
	}
	c := &Cache{
		db:      db,
		log:     opts.Logger,
		metrics: opts.Metrics,
		fast:    make(map[key]entry),
		writes:  make(chan write, opts.WriteBuffer),
		done:    make(chan struct{}),
	}
	go c.writer()
	return c, nil
}

// Get returns the value stored under (ns, tabID).
func (c *Cache) Get(ctx context.Context, ns, tabID string) ([]byte, bool, error) {
	k := key{ns, tabID}
	c.mu.RLock()
	e, ok := c.fast[k]
	seq := c.seq
	c.mu.RUnlock()
	if ok {
		if e.gone {
			return nil, false, nil
		}
		return e.val, true, nil
	}
	if c.db == nil {
		return nil, false, nil
	}

	var val []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM tab_cache WHERE namespace = ? AND tab_id = ?`, ns, tabID,
	).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("tabcache: get %s/%s: %w", ns, tabID, err)
	}

	c.mu.Lock()
	if cur, ok := c.fast[k]; ok {
		// A write raced the durable read and wins.
		c.mu.Unlock()
		if cur.gone {
			return nil, false, nil
		}
		return cur.val, true, nil
	}
	if c.seq == seq {
		// Only warm from a read no write overlapped: a settled tombstone
		// leaves no trace to compare against.
		c.fast[k] = entry{val: val}
	}
	c.mu.Unlock()
	return val, true, nil
}

// Set stores v under (ns, tabID).
func (c *Cache) Set(ns, tabID string, v []byte) {
	c.put(write{key: key{ns, tabID}, val: v})
}

// Clear removes (ns, tabID).
func (c *Cache) Clear(ns, tabID string) {
	c.put(write{key: key{ns, tabID}, gone: true})
}

// ClearTab removes every namespace of tabID.
func (c *Cache) ClearTab(tabID string) {
	for _, ns := range []string{NSPlan, NSSummary, NSError} {
		c.Clear(ns, tabID)
	}
}

func (c *Cache) put(w write) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.gone && c.db == nil {
		delete(c.fast, w.key)
		return
	}
	c.seq++
	w.seq = c.seq
	c.fast[w.key] = entry{val: w.val, gone: w.gone, seq: w.seq}
	if c.closed || c.db == nil {
		return
	}
	select {
	case c.writes <- w:
	default:
		// A dropped delete keeps its tombstone: the durable row is still there.
		c.metrics.CacheWrite("dropped")
		c.log.Warn("tabcache: write queue full, dropping", "namespace", w.ns, "tab", w.tab)
	}
}

// settle drops the tombstone left by w once its delete is durable, unless
// the key was written again since.
func (c *Cache) settle(w write) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.fast[w.key]; ok && e.gone && e.seq == w.seq {
		delete(c.fast, w.key)
	}
}

// Len returns the number of keys held in memory, tombstones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.fast)
}

// Close flushes queued writes and stops the writer.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.writes)
	c.mu.Unlock()
	<-c.done
	return nil
}

func (c *Cache) writer() {
	defer close(c.done)
	for w := range c.writes {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		if w.gone {
			_, err = dbopen.Exec(ctx, c.db,
				`DELETE FROM tab_cache WHERE namespace = ? AND tab_id = ?`, w.ns, w.tab)
		} else {
			_, err = dbopen.Exec(ctx, c.db,
				`INSERT INTO tab_cache (namespace, tab_id, value, updated_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT(namespace, tab_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				w.ns, w.tab, w.val, time.Now().UnixMilli())
		}
		cancel()
		if err != nil {
			c.metrics.CacheWrite("error")
			c.log.Warn("tabcache: durable write failed", "namespace", w.ns, "tab", w.tab, "error", err)
			continue
		}
		c.metrics.CacheWrite("ok")
		if w.gone {
			c.settle(w)
		}
	}
}

// GetJSON decodes the value under (ns, tabID) into a T.
func GetJSON[T any](ctx context.Context, c *Cache, ns, tabID string) (T, bool, error) {
	var v T
	raw, ok, err := c.Get(ctx, ns, tabID)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("tabcache: decode %s/%s: %w", ns, tabID, err)
	}
	return v, true, nil
}

// SetJSON encodes v and stores it under (ns, tabID).
func SetJSON(c *Cache, ns, tabID string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("tabcache: encode %s/%s: %w", ns, tabID, err)
	}
	c.Set(ns, tabID, raw)
	return nil
}
