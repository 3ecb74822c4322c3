package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nhalm/gatekeeper/ratelimit/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// countingConnector records construction attempts and blocks until release
// is closed, so tests can pile up concurrent callers on one resolution.
type countingConnector struct {
	attempts atomic.Int32
	release  chan struct{}
	st       store.Store
	err      error
}

func (c *countingConnector) connect(ctx context.Context, _ store.RedisConfig) (store.Store, error) {
	c.attempts.Add(1)
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.st, c.err
}

func TestResolve_UnconfiguredUsesMemory(t *testing.T) {
	conn := &countingConnector{}
	r := New(Config{RedisURL: "  "}, WithConnector(conn.connect))
	defer r.Close()

	st, err := r.Resolve(context.Background())
	require.NoError(t, err)

	assert.IsType(t, &store.Memory{}, st)
	assert.Equal(t, KindMemory, r.Kind())
	assert.Equal(t, int32(0), conn.attempts.Load())
}

func TestResolve_SharedStore(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	r := New(Config{RedisURL: server.Addr()})
	defer r.Close()

	st, err := r.Resolve(context.Background())
	require.NoError(t, err)

	assert.IsType(t, &store.Redis{}, st)
	assert.Equal(t, KindRedis, r.Kind())

	w, err := st.Hit(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Count)
	assert.True(t, server.Exists("ratelimit:k"))
}

func TestResolve_Idempotent(t *testing.T) {
	r := New(Config{})
	defer r.Close()

	first, err := r.Resolve(context.Background())
	require.NoError(t, err)
	second, err := r.Resolve(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestResolve_FallbackOnConstructionFailure(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		opts     []Option
		category string
	}{
		{
			name:     "unreachable server",
			url:      "127.0.0.1:1",
			opts:     nil,
			category: categoryConnect,
		},
		{
			name:     "incompatible url",
			url:      "http://localhost:6379",
			opts:     nil,
			category: categoryConfig,
		},
		{
			name:     "missing connector",
			url:      "localhost:6379",
			opts:     []Option{WithConnector(nil)},
			category: categoryConnector,
		},
		{
			name: "connector returns nil store",
			url:  "localhost:6379",
			opts: []Option{WithConnector(func(context.Context, store.RedisConfig) (store.Store, error) {
				return nil, nil
			})},
			category: categoryConnector,
		},
		{
			name: "connector panics",
			url:  "localhost:6379",
			opts: []Option{WithConnector(func(context.Context, store.RedisConfig) (store.Store, error) {
				panic("incompatible client")
			})},
			category: categoryConnector,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			opts := append([]Option{WithLogger(zap.New(core))}, tt.opts...)
			r := New(Config{
				RedisURL:       tt.url,
				Redis:          store.RedisConfig{DialTimeout: 100 * time.Millisecond},
				ConnectTimeout: 500 * time.Millisecond,
			}, opts...)
			defer r.Close()

			st, err := r.Resolve(context.Background())
			require.NoError(t, err)
			assert.IsType(t, &store.Memory{}, st)
			assert.Equal(t, KindMemory, r.Kind())

			require.Equal(t, 1, logs.Len())
			assert.Equal(t, tt.category, logs.All()[0].ContextMap()["category"])
		})
	}
}

func TestResolve_FallbackStoreEnforcesWindows(t *testing.T) {
	r := New(Config{RedisURL: "127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond})
	defer r.Close()

	ctx := context.Background()
	st, err := r.Resolve(ctx)
	require.NoError(t, err)

	for i := int64(1); i <= 4; i++ {
		w, err := st.Hit(ctx, "A", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, w.Count)
	}
	w, err := st.Hit(ctx, "B", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Count)
}

func TestResolve_WarnsOncePerCategory(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	conn := &countingConnector{err: errors.New("dial tcp: connection refused")}
	r := New(Config{RedisURL: "localhost:6379"},
		WithConnector(conn.connect),
		WithLogger(zap.New(core)),
	)
	defer r.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.Resolve(ctx)
		require.NoError(t, err)
		require.NoError(t, r.Reset(ctx))
	}

	assert.Equal(t, int32(3), conn.attempts.Load())
	assert.Equal(t, 1, logs.Len())
}

func TestResolve_ConcurrentFirstCallsShareOneAttempt(t *testing.T) {
	mem := store.NewMemory()
	conn := &countingConnector{release: make(chan struct{}), st: mem}
	r := New(Config{RedisURL: "localhost:6379"}, WithConnector(conn.connect))
	defer r.Close()

	const callers = 20
	var (
		wg      sync.WaitGroup
		results = make([]store.Store, callers)
	)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			st, err := r.Resolve(context.Background())
			assert.NoError(t, err)
			results[i] = st
		}(i)
	}

	require.Eventually(t, func() bool { return conn.attempts.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "", r.Kind())
	close(conn.release)
	wg.Wait()

	assert.Equal(t, int32(1), conn.attempts.Load())
	for _, st := range results {
		assert.Same(t, mem, st)
	}
	assert.Equal(t, KindRedis, r.Kind())
}

func TestResolve_CallerContextEndsWhilePending(t *testing.T) {
	mem := store.NewMemory()
	conn := &countingConnector{release: make(chan struct{}), st: mem}
	r := New(Config{RedisURL: "localhost:6379"}, WithConnector(conn.connect))
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	st, err := r.Resolve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, st)

	close(conn.release)

	st, err = r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Same(t, mem, st)
	assert.Equal(t, int32(1), conn.attempts.Load())
}

func TestReset_ForcesReresolution(t *testing.T) {
	r := New(Config{})
	defer r.Close()

	ctx := context.Background()
	first, err := r.Resolve(ctx)
	require.NoError(t, err)

	_, err = first.Hit(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.Reset(ctx))
	assert.Equal(t, "", r.Kind())

	w, err := first.Peek(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Count, "reset should clear the old store")

	second, err := r.Resolve(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	w, err = second.Hit(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Count)
}

func TestReset_Unresolved(t *testing.T) {
	r := New(Config{})
	assert.NoError(t, r.Reset(context.Background()))
	assert.NoError(t, r.Close())
}
