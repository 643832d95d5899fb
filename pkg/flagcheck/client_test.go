package flagcheck_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-flagcheck/pkg/flagcheck"
	"github.com/illmade-knight/go-flagcheck/pkg/lookup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFetcher is a test double for lookup.Fetcher with a call counter.
type stubFetcher[K any] struct {
	calls     atomic.Int32
	FetchFunc func(ctx context.Context, key K) (bool, error)
}

func (s *stubFetcher[K]) Fetch(ctx context.Context, key K) (bool, error) {
	s.calls.Add(1)
	return s.FetchFunc(ctx, key)
}

func flaggedNames(names ...string) *stubFetcher[string] {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return &stubFetcher[string]{FetchFunc: func(_ context.Context, key string) (bool, error) {
		return set[key], nil
	}}
}

func constIDs(verdict bool) *stubFetcher[uuid.UUID] {
	return &stubFetcher[uuid.UUID]{FetchFunc: func(context.Context, uuid.UUID) (bool, error) {
		return verdict, nil
	}}
}

func newClient(t *testing.T, opts ...flagcheck.Option) *flagcheck.Client {
	t.Helper()
	c, err := flagcheck.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func TestClient_CheckName_Cached(t *testing.T) {
	// Arrange
	ctx := context.Background()
	names := flaggedNames("BwA_BOOMSTICK")
	c := newClient(t, flagcheck.WithNameFetcher(names), flagcheck.WithIDFetcher(constIDs(false)))

	_, ok := c.PeekName("BwA_BOOMSTICK")
	require.False(t, ok, "Nothing is cached before the first lookup")

	// Act 1
	first := c.CheckName(ctx, "BwA_BOOMSTICK")

	// Assert 1
	require.False(t, first.HasError())
	assert.True(t, first.Flagged)
	assert.Equal(t, int32(1), names.calls.Load())

	// Act 2
	second := c.CheckName(ctx, "BwA_BOOMSTICK")

	// Assert 2
	require.False(t, second.HasError())
	assert.True(t, second.Flagged)
	assert.Equal(t, int32(1), names.calls.Load(), "The second check must be served from the cache")

	flagged, ok := c.PeekName("BwA_BOOMSTICK")
	assert.True(t, ok)
	assert.True(t, flagged)
}

func TestClient_KeySpacesAreSeparate(t *testing.T) {
	ctx := context.Background()
	names := flaggedNames()
	ids := constIDs(true)
	c := newClient(t, flagcheck.WithNameFetcher(names), flagcheck.WithIDFetcher(ids))
	id := uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5")

	r := c.CheckID(ctx, id)
	require.NoError(t, r.Err)
	assert.True(t, r.Flagged)

	_, ok := c.PeekName(id.String())
	assert.False(t, ok, "A verdict for an identifier must not appear in the name cache")
	flagged, ok := c.PeekID(id)
	assert.True(t, ok)
	assert.True(t, flagged)
	assert.Equal(t, int32(0), names.calls.Load())
	assert.Equal(t, int32(1), ids.calls.Load())
}

func TestClient_NoCache(t *testing.T) {
	ctx := context.Background()
	names := flaggedNames("BwA_BOOMSTICK")
	c := newClient(t, flagcheck.WithNoCache(), flagcheck.WithNameFetcher(names), flagcheck.WithIDFetcher(constIDs(false)))

	for i := 0; i < 3; i++ {
		r := c.CheckName(ctx, "BwA_BOOMSTICK")
		require.NoError(t, r.Err)
		assert.True(t, r.Flagged)
	}

	assert.Equal(t, int32(3), names.calls.Load())
	_, ok := c.PeekName("BwA_BOOMSTICK")
	assert.False(t, ok)
}

func TestClient_FailuresAreResults(t *testing.T) {
	ctx := context.Background()
	remote := &lookup.RemoteError{Status: 400, Message: "invalid name", HasMessage: true}
	names := &stubFetcher[string]{FetchFunc: func(context.Context, string) (bool, error) {
		return false, remote
	}}
	c := newClient(t, flagcheck.WithNameFetcher(names), flagcheck.WithIDFetcher(constIDs(false)))

	r := c.CheckName(ctx, "bad name")

	require.True(t, r.HasError())
	assert.False(t, r.Flagged)
	assert.Equal(t, lookup.KindRemote, r.Kind())
	var rerr *lookup.RemoteError
	require.ErrorAs(t, r.Err, &rerr)
	assert.Equal(t, "invalid name", rerr.Message)

	_ = c.CheckName(ctx, "bad name")
	assert.Equal(t, int32(2), names.calls.Load(), "Failures are not cached")
}

func TestClient_FetcherPanic(t *testing.T) {
	// Arrange
	names := &stubFetcher[string]{FetchFunc: func(context.Context, string) (bool, error) {
		panic("nil map in decoder")
	}}
	c := newClient(t, flagcheck.WithNameFetcher(names), flagcheck.WithIDFetcher(constIDs(false)))

	// Act
	r := c.CheckName(context.Background(), "BwA_BOOMSTICK")

	// Assert
	require.True(t, r.HasError())
	assert.Equal(t, lookup.KindTransport, r.Kind())

	var results, failures atomic.Int32
	done := make(chan struct{})
	require.NoError(t, c.CheckNameAsync("BwA_BOOMSTICK",
		func(bool) { results.Add(1); close(done) },
		func(error) { failures.Add(1); close(done) },
	))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("A panicking lookup must still deliver a callback")
	}
	assert.Equal(t, int32(0), results.Load())
	assert.Equal(t, int32(1), failures.Load())
	assert.Equal(t, flagcheck.StateRunning, c.State(), "The client keeps running after a fetcher panic")
}

func TestClient_Async(t *testing.T) {
	t.Run("Exactly one callback per accepted lookup", func(t *testing.T) {
		// Arrange
		const checks = 50
		release := make(chan struct{})
		names := &stubFetcher[string]{FetchFunc: func(_ context.Context, key string) (bool, error) {
			<-release
			if key == "broken" {
				return false, &lookup.TransportError{Op: "lookup name", Err: errors.New("connection reset")}
			}
			return true, nil
		}}
		c := newClient(t, flagcheck.WithThreadCount(4), flagcheck.WithNameFetcher(names), flagcheck.WithIDFetcher(constIDs(false)))

		var results, failures atomic.Int32
		var wg sync.WaitGroup
		onResult := func(flagged bool) {
			assert.True(t, flagged)
			results.Add(1)
			wg.Done()
		}
		onError := func(err error) {
			assert.Equal(t, lookup.KindTransport, lookup.KindOf(err))
			failures.Add(1)
			wg.Done()
		}

		// Act
		for i := 0; i < checks; i++ {
			key := "hot"
			if i%2 == 1 {
				key = "broken"
			}
			wg.Add(1)
			require.NoError(t, c.CheckNameAsync(key, onResult, onError))
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		// Assert
		assert.Equal(t, int32(checks/2), results.Load())
		assert.Equal(t, int32(checks/2), failures.Load())
		assert.LessOrEqual(t, names.calls.Load(), int32(checks))
	})

	t.Run("Concurrent async checks share one fetch", func(t *testing.T) {
		// Arrange
		const checks = 20
		release := make(chan struct{})
		ids := &stubFetcher[uuid.UUID]{FetchFunc: func(context.Context, uuid.UUID) (bool, error) {
			<-release
			return true, nil
		}}
		c := newClient(t, flagcheck.WithThreadCount(checks), flagcheck.WithNameFetcher(flaggedNames()), flagcheck.WithIDFetcher(ids))
		id := uuid.New()

		var wg sync.WaitGroup
		wg.Add(checks)
		for i := 0; i < checks; i++ {
			require.NoError(t, c.CheckIDAsync(id, func(flagged bool) {
				assert.True(t, flagged)
				wg.Done()
			}, nil))
		}

		// Act
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		// Assert
		assert.Equal(t, int32(1), ids.calls.Load())
	})

	t.Run("Callbacks run off the calling goroutine", func(t *testing.T) {
		c := newClient(t, flagcheck.WithNameFetcher(flaggedNames()), flagcheck.WithIDFetcher(constIDs(false)))
		callerDone := make(chan struct{})
		called := make(chan bool, 1)

		require.NoError(t, c.CheckNameAsync("Notch", func(bool) {
			<-callerDone
			called <- true
		}, nil))
		close(callerDone)

		select {
		case <-called:
		case <-time.After(time.Second):
			t.Fatal("Callback was not invoked")
		}
	})

	t.Run("Nil callbacks are allowed", func(t *testing.T) {
		names := flaggedNames()
		c := newClient(t, flagcheck.WithNameFetcher(names), flagcheck.WithIDFetcher(constIDs(false)))

		require.NoError(t, c.CheckNameAsync("Notch", nil, nil))

		require.Eventually(t, func() bool { return names.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	})
}

func TestClient_Shutdown(t *testing.T) {
	t.Run("Checks after shutdown fail with ErrClientClosed", func(t *testing.T) {
		names := flaggedNames("BwA_BOOMSTICK")
		c, err := flagcheck.New(flagcheck.WithNameFetcher(names), flagcheck.WithIDFetcher(constIDs(false)))
		require.NoError(t, err)
		require.Equal(t, flagcheck.StateRunning, c.State())

		require.NoError(t, c.Shutdown(context.Background()))
		require.NoError(t, c.Shutdown(context.Background()), "Shutdown is idempotent")
		assert.Equal(t, flagcheck.StateStopped, c.State())

		r := c.CheckName(context.Background(), "BwA_BOOMSTICK")
		assert.ErrorIs(t, r.Err, lookup.ErrClientClosed)
		assert.Equal(t, lookup.KindClosed, r.Kind())

		r = c.CheckID(context.Background(), uuid.New())
		assert.ErrorIs(t, r.Err, lookup.ErrClientClosed)

		called := false
		err = c.CheckNameAsync("BwA_BOOMSTICK", func(bool) { called = true }, func(error) { called = true })
		assert.ErrorIs(t, err, lookup.ErrClientClosed)
		err = c.CheckIDAsync(uuid.New(), nil, nil)
		assert.ErrorIs(t, err, lookup.ErrClientClosed)
		assert.False(t, called, "A rejected lookup invokes no callback")
		assert.Equal(t, int32(0), names.calls.Load())
	})

	t.Run("Work accepted before shutdown completes", func(t *testing.T) {
		// Arrange
		const checks = 10
		release := make(chan struct{})
		names := &stubFetcher[string]{FetchFunc: func(context.Context, string) (bool, error) {
			<-release
			return true, nil
		}}
		c, err := flagcheck.New(flagcheck.WithThreadCount(2), flagcheck.WithNameFetcher(names), flagcheck.WithIDFetcher(constIDs(false)))
		require.NoError(t, err)

		var delivered atomic.Int32
		for i := 0; i < checks; i++ {
			key := string(rune('a' + i))
			require.NoError(t, c.CheckNameAsync(key, func(bool) { delivered.Add(1) }, func(error) { delivered.Add(1) }))
		}

		// Act
		shutdownErr := make(chan error, 1)
		go func() { shutdownErr <- c.Shutdown(context.Background()) }()
		require.Eventually(t, func() bool {
			return c.State() != flagcheck.StateRunning
		}, time.Second, time.Millisecond)
		assert.ErrorIs(t, c.CheckNameAsync("late", nil, nil), lookup.ErrClientClosed)
		close(release)

		// Assert
		require.NoError(t, <-shutdownErr)
		require.Eventually(t, func() bool {
			return delivered.Load() == checks
		}, time.Second, 5*time.Millisecond, "Every accepted lookup delivers exactly one callback")
		assert.Equal(t, flagcheck.StateStopped, c.State())
		_, ok := c.PeekName("a")
		assert.False(t, ok, "Cache storage is released on shutdown")
	})

	t.Run("Shutdown called from a callback returns", func(t *testing.T) {
		// Arrange
		const queued = 5
		proceed := make(chan struct{})
		c, err := flagcheck.New(flagcheck.WithThreadCount(1), flagcheck.WithNameFetcher(flaggedNames("first")), flagcheck.WithIDFetcher(constIDs(false)))
		require.NoError(t, err)

		shutdownErr := make(chan error, 1)
		require.NoError(t, c.CheckNameAsync("first", func(bool) {
			<-proceed
			shutdownErr <- c.Shutdown(context.Background())
		}, nil))
		var delivered atomic.Int32
		for i := 0; i < queued; i++ {
			key := string(rune('a' + i))
			require.NoError(t, c.CheckNameAsync(key, func(bool) { delivered.Add(1) }, nil))
		}

		// Act: the only worker is inside the callback when Shutdown begins.
		close(proceed)

		// Assert
		select {
		case err := <-shutdownErr:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Shutdown called from a callback must not wait for its own worker")
		}
		assert.Equal(t, flagcheck.StateStopped, c.State())
		require.Eventually(t, func() bool {
			return delivered.Load() == queued
		}, time.Second, 5*time.Millisecond, "Lookups queued behind the callback still deliver")
	})

	t.Run("Concurrent shutdowns from a callback and a caller both return", func(t *testing.T) {
		// Arrange
		inCallback := make(chan struct{})
		proceed := make(chan struct{})
		names := flaggedNames("x")
		c, err := flagcheck.New(flagcheck.WithThreadCount(1), flagcheck.WithNameFetcher(names), flagcheck.WithIDFetcher(constIDs(false)))
		require.NoError(t, err)

		fromCallback := make(chan error, 1)
		require.NoError(t, c.CheckNameAsync("x", func(bool) {
			close(inCallback)
			<-proceed
			fromCallback <- c.Shutdown(context.Background())
		}, nil))
		<-inCallback

		// Act
		fromCaller := make(chan error, 1)
		go func() { fromCaller <- c.Shutdown(context.Background()) }()
		close(proceed)

		// Assert
		for _, ch := range []chan error{fromCaller, fromCallback} {
			select {
			case err := <-ch:
				assert.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("Shutdown must not deadlock")
			}
		}
	})

	t.Run("Shutdown waits for blocking checks", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		names := &stubFetcher[string]{FetchFunc: func(context.Context, string) (bool, error) {
			close(started)
			<-release
			return true, nil
		}}
		c, err := flagcheck.New(flagcheck.WithNameFetcher(names), flagcheck.WithIDFetcher(constIDs(false)))
		require.NoError(t, err)

		result := make(chan flagcheck.Result, 1)
		go func() { result <- c.CheckName(context.Background(), "slow") }()
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err = c.Shutdown(ctx)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		close(release)
		r := <-result
		assert.NoError(t, r.Err, "A check in flight at shutdown still receives its verdict")
		assert.True(t, r.Flagged)
	})
}

func TestNew_Configuration(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		c := newClient(t)
		cfg := c.Config()
		assert.Equal(t, flagcheck.DefaultThreadCount, cfg.ThreadCount)
		assert.Equal(t, flagcheck.DefaultCacheTTL, cfg.CacheTTL)
		assert.Equal(t, lookup.DefaultUserAgent, cfg.UserAgent)
		assert.Equal(t, lookup.DefaultBaseURL, cfg.BaseURL)
		assert.Equal(t, "v2", cfg.Protocol)
	})

	t.Run("Options override config", func(t *testing.T) {
		cfg := flagcheck.DefaultConfig()
		cfg.ThreadCount = 8
		c, err := flagcheck.NewFromConfig(cfg,
			flagcheck.WithAPIKey("secret"),
			flagcheck.WithTesting(true),
			flagcheck.WithProtocol(lookup.ProtocolV1),
			flagcheck.WithTransport(lookup.TransportDirect),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

		got := c.Config()
		assert.Equal(t, 8, got.ThreadCount)
		assert.Equal(t, "secret", got.APIKey)
		assert.True(t, got.Testing)
		assert.Equal(t, "v1", got.Protocol)
		assert.Equal(t, "direct", got.Transport)
	})

	t.Run("Invalid configuration is rejected", func(t *testing.T) {
		_, err := flagcheck.New(flagcheck.WithThreadCount(0))
		assert.Error(t, err)
		_, err = flagcheck.New(flagcheck.WithCacheTTL(-time.Second))
		assert.Error(t, err)
		_, err = flagcheck.New(flagcheck.WithBaseURL("ftp://example.com"))
		assert.Error(t, err)

		cfg := flagcheck.DefaultConfig()
		cfg.Protocol = "v9"
		_, err = flagcheck.NewFromConfig(cfg)
		assert.Error(t, err)
	})

	t.Run("Metrics are registered", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := newClient(t,
			flagcheck.WithRegisterer(reg),
			flagcheck.WithNameFetcher(flaggedNames()),
			flagcheck.WithIDFetcher(constIDs(false)),
		)
		_ = c.CheckName(context.Background(), "Notch")

		families, err := reg.Gather()
		require.NoError(t, err)
		var names []string
		for _, mf := range families {
			names = append(names, mf.GetName())
		}
		assert.Contains(t, names, "flagcheck_cache_misses_total")
		assert.Contains(t, names, "flagcheck_dispatch_queue_depth")
	})
}
