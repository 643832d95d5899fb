// Package flagcheck is the public lookup client. It answers whether an
// account, by name or by identifier, is flagged by the remote authority.
//
// Each key space has its own cache in front of an HTTP fetcher. Blocking
// checks run on the caller's goroutine; asynchronous checks run on a fixed
// pool of workers and report through callbacks. A Client must be shut down
// to release its workers.
package flagcheck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/illmade-knight/go-flagcheck/pkg/cache"
	"github.com/illmade-knight/go-flagcheck/pkg/dispatch"
	"github.com/illmade-knight/go-flagcheck/pkg/lookup"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Client. It only moves forward.
type State int32

// Client states.
const (
	StateRunning State = iota
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting down"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Client checks names and identifiers against the authority.
// It is safe for concurrent use.
type Client struct {
	cfg    Config
	names  *cache.Cache[string]
	ids    *cache.Cache[uuid.UUID]
	pool   *dispatch.Pool
	logger zerolog.Logger

	// stateMu is held for reading while a check registers itself in inflight
	// or pending, and for writing when Shutdown leaves StateRunning.
	stateMu  sync.RWMutex
	state    atomic.Int32
	inflight sync.WaitGroup // blocking checks
	pending  sync.WaitGroup // accepted asynchronous checks until their callback starts

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a client from DefaultConfig and opts.
func New(opts ...Option) (*Client, error) {
	return NewFromConfig(DefaultConfig(), opts...)
}

// NewFromConfig creates a client from cfg, with opts applied on top.
func NewFromConfig(cfg Config, opts ...Option) (*Client, error) {
	o, err := getOpts(cfg, opts)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With().Str("component", "FlagCheckClient").Logger()

	nameFetcher := o.nameFetcher
	if nameFetcher == nil {
		nameFetcher, err = lookup.NewNameFetcher(o.fetcherOptions()...)
		if err != nil {
			return nil, fmt.Errorf("failed to create name fetcher: %w", err)
		}
	}
	idFetcher := o.idFetcher
	if idFetcher == nil {
		idFetcher, err = lookup.NewIdentifierFetcher(o.fetcherOptions()...)
		if err != nil {
			return nil, fmt.Errorf("failed to create identifier fetcher: %w", err)
		}
	}

	pool, err := dispatch.NewPool(o.cfg.ThreadCount, o.logger, dispatch.WithRegisterer(o.registerer))
	if err != nil {
		return nil, err
	}
	metrics, err := cache.NewMetrics(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register cache metrics: %w", err)
	}

	ttl := o.cfg.CacheTTL
	if !o.cfg.cacheEnabled() {
		ttl = 0
	}
	cacheOpts := []cache.Option{
		cache.WithTTL(ttl),
		cache.WithMetrics(metrics),
		cache.WithLogger(o.logger),
		cache.WithRefreshFunc(func(task func()) error { return pool.Submit(task) }),
	}
	names, err := cache.New[string](lookup.Names, nameFetcher, cacheOpts...)
	if err != nil {
		return nil, err
	}
	ids, err := cache.New[uuid.UUID](lookup.Identifiers, idFetcher, cacheOpts...)
	if err != nil {
		_ = names.Close()
		return nil, err
	}

	if err := pool.Start(context.Background()); err != nil {
		_ = names.Close()
		_ = ids.Close()
		return nil, err
	}

	logger.Info().
		Int("thread_count", o.cfg.ThreadCount).
		Bool("cache_enabled", o.cfg.cacheEnabled()).
		Dur("cache_ttl", ttl).
		Msg("Flag check client started.")

	return &Client{
		cfg:    o.cfg,
		names:  names,
		ids:    ids,
		pool:   pool,
		logger: logger,
	}, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() Config {
	return c.cfg
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// CheckName looks name up on the calling goroutine.
func (c *Client) CheckName(ctx context.Context, name string) Result {
	return checkSync(ctx, c, c.names, name)
}

// CheckID looks id up on the calling goroutine.
func (c *Client) CheckID(ctx context.Context, id uuid.UUID) Result {
	return checkSync(ctx, c, c.ids, id)
}

// CheckNameAsync looks name up on a worker goroutine, then calls exactly one
// of onResult or onError there. Either callback may be nil. It returns
// lookup.ErrClientClosed, and calls neither, when the lookup was not accepted.
func (c *Client) CheckNameAsync(name string, onResult func(bool), onError func(error)) error {
	return checkAsync(c, c.names, name, onResult, onError)
}

// CheckIDAsync is CheckNameAsync for identifiers.
func (c *Client) CheckIDAsync(id uuid.UUID, onResult func(bool), onError func(error)) error {
	return checkAsync(c, c.ids, id, onResult, onError)
}

// PeekName returns the cached verdict for name without fetching. ok is false
// when there is none or caching is disabled.
func (c *Client) PeekName(name string) (flagged, ok bool) {
	return c.names.Peek(name)
}

// PeekID returns the cached verdict for id without fetching.
func (c *Client) PeekID(id uuid.UUID) (flagged, ok bool) {
	return c.ids.Peek(id)
}

// Shutdown stops accepting checks, waits until ctx ends for every accepted
// check to finish its lookup, then releases both caches. Lookups still
// running after a timeout complete but their results are not cached.
//
// Shutdown does not wait for callbacks to return, so a callback may call it.
// Every accepted asynchronous check has started its callback by the time
// Shutdown returns nil. Shutdown is idempotent; later calls return the first
// call's result.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.logger.Info().Msg("Shutting down flag check client...")

		c.stateMu.Lock()
		c.state.Store(int32(StateShuttingDown))
		c.stateMu.Unlock()

		// Workers exit on their own once the queue drains; waiting for them
		// would deadlock a Shutdown called from a callback.
		c.pool.Close()

		var result *multierror.Error
		if err := wait(ctx, &c.pending); err != nil {
			result = multierror.Append(result, fmt.Errorf("asynchronous checks: %w", err))
		}
		if err := wait(ctx, &c.inflight); err != nil {
			result = multierror.Append(result, fmt.Errorf("blocking checks: %w", err))
		}
		if err := c.names.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := c.ids.Close(); err != nil {
			result = multierror.Append(result, err)
		}

		c.state.Store(int32(StateStopped))
		c.shutdownErr = result.ErrorOrNil()
		if c.shutdownErr != nil {
			c.logger.Warn().Err(c.shutdownErr).Msg("Flag check client stopped with errors.")
			return
		}
		c.logger.Info().Msg("Flag check client stopped.")
	})
	return c.shutdownErr
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enter registers a check in wg. It fails once the client has left
// StateRunning.
func (c *Client) enter(wg *sync.WaitGroup) bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if State(c.state.Load()) != StateRunning {
		return false
	}
	wg.Add(1)
	return true
}

func checkSync[K comparable](ctx context.Context, c *Client, kc *cache.Cache[K], key K) Result {
	if !c.enter(&c.inflight) {
		return Result{Err: lookup.ErrClientClosed}
	}
	defer c.inflight.Done()
	return resultOf(kc.Get(ctx, key))
}

func checkAsync[K comparable](c *Client, kc *cache.Cache[K], key K, onResult func(bool), onError func(error)) error {
	if !c.enter(&c.pending) {
		return lookup.ErrClientClosed
	}
	err := c.pool.Submit(func() {
		flagged, err := kc.Get(context.Background(), key)
		c.pending.Done()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onResult != nil {
			onResult(flagged)
		}
	})
	if err != nil {
		c.pending.Done()
		if errors.Is(err, dispatch.ErrPoolStopped) {
			return lookup.ErrClientClosed
		}
		return fmt.Errorf("%w: %v", lookup.ErrClientClosed, err)
	}
	return nil
}
