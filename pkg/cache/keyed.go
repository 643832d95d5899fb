// Package cache provides the per-key-space verdict cache that sits between
// the lookup client and the remote authority.
//
// A Cache wraps a lookup.Fetcher. Concurrent lookups of the same missing key
// share a single fetch and all receive its outcome; successful verdicts are
// kept for the TTL, failures are never kept. Once an entry is older than the
// TTL it is still served while one background refresh replaces it, so
// readers only ever wait on keys that have no servable entry at all.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-flagcheck/pkg/lookup"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrFetcherPanic is wrapped by the TransportError returned when a fetcher
// panics.
var ErrFetcherPanic = errors.New("fetcher panicked")

// entry is an immutable cached verdict. Refreshes replace the pointer.
type entry struct {
	flagged  bool
	storedAt time.Time
}

// Cache is a generic, thread-safe verdict cache for one key space.
type Cache[K comparable] struct {
	space    lookup.KeySpace[K]
	fetcher  lookup.Fetcher[K]
	ttl      time.Duration
	maxStale time.Duration
	now      func() time.Time
	refresh  RefreshFunc
	logger   zerolog.Logger
	metrics  keyspaceMetrics

	// load is loadCached or loadDirect, chosen once in New.
	load func(ctx context.Context, key K) (bool, error)

	entries    sync.Map // K -> *entry
	refreshing sync.Map // K -> struct{}
	flights    singleflight.Group

	// storeMu is held for reading around check-and-store and for writing by
	// invalidation, so a result fetched before an invalidation is never
	// stored after it.
	storeMu sync.RWMutex
	gen     atomic.Uint64
	closed  atomic.Bool

	closeOnce sync.Once
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a cache for space in front of fetcher.
func New[K comparable](space lookup.KeySpace[K], fetcher lookup.Fetcher[K], options ...Option) (*Cache[K], error) {
	if space == nil || fetcher == nil {
		return nil, errors.New("key space and fetcher cannot be nil")
	}
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if opts.metrics == nil {
		// Unregistered collectors keep the hot path free of nil checks.
		opts.metrics, _ = NewMetrics(nil)
	}

	c := &Cache[K]{
		space:    space,
		fetcher:  fetcher,
		ttl:      opts.ttl,
		maxStale: opts.maxStale,
		now:      opts.now,
		refresh:  opts.refresh,
		metrics:  opts.metrics.forKeyspace(space.Name()),
		logger: opts.logger.With().
			Str("component", "KeyedCache").
			Str("keyspace", space.Name()).
			Logger(),
	}

	if c.ttl == 0 {
		c.load = c.loadDirect
		c.logger.Debug().Msg("Caching disabled, every lookup goes to the authority.")
		return c, nil
	}

	c.load = c.loadCached
	if opts.sweep {
		c.stopSweep = make(chan struct{})
		c.sweepDone = make(chan struct{})
		go c.sweeper(c.ttl)
	}
	c.logger.Debug().Dur("ttl", c.ttl).Dur("max_stale", c.maxStale).Msg("Cache initialized.")
	return c, nil
}

// Enabled reports whether verdicts are kept between lookups.
func (c *Cache[K]) Enabled() bool {
	return c.ttl > 0
}

// Get returns the verdict for key, fetching it when there is no servable
// entry. Errors are the fetcher's classified failures, a TransportError when
// ctx ends first, or lookup.ErrClientClosed after Close.
func (c *Cache[K]) Get(ctx context.Context, key K) (bool, error) {
	if c.closed.Load() {
		return false, lookup.ErrClientClosed
	}
	return c.load(ctx, key)
}

// Peek returns a servable cached verdict without ever fetching.
func (c *Cache[K]) Peek(key K) (bool, bool) {
	if c.ttl == 0 || c.closed.Load() {
		return false, false
	}
	ent, ok := c.lookupEntry(key)
	if !ok || c.now().Sub(ent.storedAt) >= c.ttl+c.maxStale {
		return false, false
	}
	return ent.flagged, true
}

// Len returns the number of stored entries, including stale ones.
func (c *Cache[K]) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// InvalidateAll drops every entry. Fetches already in flight complete, but
// their results are discarded.
func (c *Cache[K]) InvalidateAll() {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	c.invalidateLocked()
}

func (c *Cache[K]) invalidateLocked() {
	c.gen.Add(1)
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
}

// Sweep evicts every entry older than TTL plus max stale and returns how
// many were removed.
func (c *Cache[K]) Sweep() int {
	now := c.now()
	n := 0
	c.entries.Range(func(k, v any) bool {
		if now.Sub(v.(*entry).storedAt) >= c.ttl+c.maxStale && c.entries.CompareAndDelete(k, v) {
			c.metrics.evictions.Inc()
			n++
		}
		return true
	})
	return n
}

// Close invalidates the cache and stops the sweeper. Every later Get fails
// with lookup.ErrClientClosed.
func (c *Cache[K]) Close() error {
	c.closeOnce.Do(func() {
		c.storeMu.Lock()
		c.closed.Store(true)
		c.invalidateLocked()
		c.storeMu.Unlock()

		if c.stopSweep != nil {
			close(c.stopSweep)
			<-c.sweepDone
		}
		c.logger.Debug().Msg("Cache closed.")
	})
	return nil
}

func (c *Cache[K]) loadDirect(ctx context.Context, key K) (bool, error) {
	return c.fetch(ctx, key)
}

// fetch calls the fetcher, turning a panic into a TransportError so it never
// escapes the cache.
func (c *Cache[K]) fetch(ctx context.Context, key K) (flagged bool, err error) {
	c.metrics.fetches.Inc()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("key", c.space.Encode(key)).Msg("Fetcher panicked.")
			flagged, err = false, &lookup.TransportError{
				Op:  "lookup " + c.space.Name(),
				Err: fmt.Errorf("%w: %v", ErrFetcherPanic, r),
			}
		}
		if err != nil {
			c.metrics.fetchErrors.Inc()
		}
	}()
	return c.fetcher.Fetch(ctx, key)
}

func (c *Cache[K]) loadCached(ctx context.Context, key K) (bool, error) {
	if ent, ok := c.lookupEntry(key); ok {
		age := c.now().Sub(ent.storedAt)
		switch {
		case age < c.ttl:
			c.metrics.hits.Inc()
			return ent.flagged, nil
		case age < c.ttl+c.maxStale:
			c.metrics.staleHits.Inc()
			c.scheduleRefresh(key)
			return ent.flagged, nil
		}
		if c.entries.CompareAndDelete(key, ent) {
			c.metrics.evictions.Inc()
		}
	}
	c.metrics.misses.Inc()
	return c.fetchShared(ctx, key)
}

// fetchShared joins or starts the single in-flight fetch for key.
func (c *Cache[K]) fetchShared(ctx context.Context, key K) (bool, error) {
	gen := c.gen.Load()
	// The shared fetch must not fail every waiter because the caller that
	// happened to start it went away.
	fetchCtx := context.WithoutCancel(ctx)
	// A caller arriving after an invalidation joins a fetch started before
	// it; the result is returned to every waiter but not stored.
	ch := c.flights.DoChan(c.flightKey(key), func() (any, error) {
		return c.fetchAndStore(fetchCtx, gen, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, &lookup.TransportError{Op: "await " + c.space.Name() + " lookup", Err: ctx.Err()}
	}
}

func (c *Cache[K]) fetchAndStore(ctx context.Context, gen uint64, key K) (bool, error) {
	if c.closed.Load() {
		return false, lookup.ErrClientClosed
	}
	// Double-check: a flight that finished after this caller missed may have
	// stored a fresh entry already.
	if ent, ok := c.lookupEntry(key); ok && c.now().Sub(ent.storedAt) < c.ttl {
		return ent.flagged, nil
	}

	flagged, err := c.fetch(ctx, key)
	if err != nil {
		c.logger.Debug().Err(err).Str("key", c.space.Encode(key)).Msg("Fetch failed, nothing cached.")
		return false, err
	}
	c.store(gen, key, flagged)
	return flagged, nil
}

func (c *Cache[K]) store(gen uint64, key K, flagged bool) {
	c.storeMu.RLock()
	defer c.storeMu.RUnlock()
	if c.closed.Load() || c.gen.Load() != gen {
		c.metrics.discarded.Inc()
		c.logger.Debug().Str("key", c.space.Encode(key)).Msg("Cache invalidated during fetch, result discarded.")
		return
	}
	c.entries.Store(key, &entry{flagged: flagged, storedAt: c.now()})
}

// scheduleRefresh starts at most one background refresh per key.
func (c *Cache[K]) scheduleRefresh(key K) {
	if _, running := c.refreshing.LoadOrStore(key, struct{}{}); running {
		return
	}
	gen := c.gen.Load()
	err := c.refresh(func() {
		defer c.refreshing.Delete(key)
		_, err, _ := c.flights.Do(c.flightKey(key), func() (any, error) {
			return c.fetchAndStore(context.Background(), gen, key)
		})
		if err != nil && !errors.Is(err, lookup.ErrClientClosed) {
			c.logger.Warn().Err(err).Str("key", c.space.Encode(key)).Msg("Refresh failed, keeping stale entry.")
		}
	})
	if err != nil {
		c.refreshing.Delete(key)
		c.logger.Debug().Err(err).Str("key", c.space.Encode(key)).Msg("Refresh not scheduled, serving stale entry.")
	}
}

func (c *Cache[K]) lookupEntry(key K) (*entry, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (c *Cache[K]) flightKey(key K) string {
	return c.space.Encode(key)
}

func (c *Cache[K]) sweeper(interval time.Duration) {
	defer close(c.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug().Int("evicted", n).Msg("Swept expired entries.")
			}
		}
	}
}
