// Package backend selects the counter store shared by every rate limiter in
// the process.
//
// A Resolver picks its store lazily on first use. When a Redis address is
// configured it tries the shared store and falls back to an in-memory store
// if the connection cannot be established; the failure is logged once and
// never returned to callers. Concurrent first callers wait on one in-flight
// resolution instead of racing separate connection attempts.
//
//	res := backend.New(backend.Config{RedisURL: os.Getenv("REDIS_URL")},
//	    backend.WithLogger(logger))
//	defer res.Close()
//	st, err := res.Resolve(ctx)
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nhalm/gatekeeper/internal/warnonce"
	"github.com/nhalm/gatekeeper/ratelimit/store"
	"go.uber.org/zap"
)

// Backend kinds reported by Resolver.Kind.
const (
	KindMemory = "memory"
	KindRedis  = "redis"
)

// Failure categories used for the warn-once latch.
const (
	categoryConnector = "connector"
	categoryConfig    = "config"
	categoryConnect   = "connect"
)

// ErrNoConnector is reported when a Redis address is configured but the
// resolver has no way to build a shared store.
var ErrNoConnector = errors.New("no shared store connector")

// Connector builds a shared store. The default is NewRedisConnector.
type Connector func(ctx context.Context, cfg store.RedisConfig) (store.Store, error)

// NewRedisConnector returns a Connector that builds a store.Redis.
func NewRedisConnector() Connector {
	return func(ctx context.Context, cfg store.RedisConfig) (store.Store, error) {
		return store.NewRedis(ctx, cfg)
	}
}

// Config holds resolver configuration.
type Config struct {
	// RedisURL is the shared store address. Blank selects the in-memory store.
	RedisURL string

	// Redis carries the remaining connection settings. Its URL field is
	// overwritten by RedisURL.
	Redis store.RedisConfig

	// ConnectTimeout bounds the whole shared store construction (default: 5s).
	ConnectTimeout time.Duration
}

// Resolver lazily resolves one store.Store and hands the same instance to
// every caller until Reset or Close.
type Resolver struct {
	cfg        Config
	connect    Connector
	logger     *zap.Logger
	warn       *warnonce.Latch
	memoryOpts []store.MemoryOption

	mu      sync.Mutex
	pending *resolution
}

type resolution struct {
	done chan struct{}
	st   store.Store
	kind string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithConnector replaces the shared store constructor. A nil connector makes
// every configured shared store fall back to memory with ErrNoConnector.
func WithConnector(c Connector) Option {
	return func(r *Resolver) {
		r.connect = c
	}
}

// WithLogger sets the logger for fallback warnings (default: no-op).
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMemoryOptions passes options to the in-memory store the resolver creates.
func WithMemoryOptions(opts ...store.MemoryOption) Option {
	return func(r *Resolver) {
		r.memoryOpts = append(r.memoryOpts, opts...)
	}
}

// New creates a resolver. Nothing is connected until the first Resolve.
func New(cfg Config, opts ...Option) *Resolver {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	r := &Resolver{
		cfg:     cfg,
		connect: NewRedisConnector(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.Redis.Logger == nil {
		r.cfg.Redis.Logger = r.logger
	}
	r.warn = warnonce.New(r.logger)
	return r
}

// Resolve returns the process store, resolving it on first call.
//
// The resolution runs detached from ctx so one impatient caller cannot fail it
// for the others. Callers arriving while it is in flight wait for the same
// result; if ctx ends first, Resolve returns ctx.Err() and the resolution
// carries on. Resolution itself never fails: an unusable shared store
// degrades to memory.
func (r *Resolver) Resolve(ctx context.Context) (store.Store, error) {
	r.mu.Lock()
	res := r.pending
	if res == nil {
		res = &resolution{done: make(chan struct{})}
		r.pending = res
		go r.resolve(res)
	}
	r.mu.Unlock()

	select {
	case <-res.done:
		return res.st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Kind reports the resolved backend kind, or "" if resolution has not finished.
func (r *Resolver) Kind() string {
	r.mu.Lock()
	res := r.pending
	r.mu.Unlock()

	if res == nil {
		return ""
	}
	select {
	case <-res.done:
		return res.kind
	default:
		return ""
	}
}

// Reset clears the resolved store and forces re-resolution on next use.
// Intended for test isolation only.
func (r *Resolver) Reset(ctx context.Context) error {
	st, err := r.detach(ctx)
	if err != nil || st == nil {
		return err
	}
	if err := st.Reset(ctx); err != nil {
		st.Close()
		return fmt.Errorf("reset store: %w", err)
	}
	return st.Close()
}

// Close releases the resolved store. A later Resolve starts over.
func (r *Resolver) Close() error {
	st, err := r.detach(context.Background())
	if err != nil || st == nil {
		return err
	}
	return st.Close()
}

// detach waits for any in-flight resolution and unsets it.
func (r *Resolver) detach(ctx context.Context) (store.Store, error) {
	r.mu.Lock()
	res := r.pending
	r.mu.Unlock()

	if res == nil {
		return nil, nil
	}

	select {
	case <-res.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	if r.pending == res {
		r.pending = nil
	}
	r.mu.Unlock()
	return res.st, nil
}

func (r *Resolver) resolve(res *resolution) {
	defer close(res.done)

	if strings.TrimSpace(r.cfg.RedisURL) == "" {
		res.st, res.kind = r.newMemory(), KindMemory
		r.logger.Info("rate limit backend resolved", zap.String("backend", KindMemory))
		return
	}

	st, err := r.connectShared()
	if err != nil {
		r.warn.Warn(category(err), "shared rate limit store unavailable, using in-memory store",
			zap.Error(err))
		res.st, res.kind = r.newMemory(), KindMemory
		return
	}

	res.st, res.kind = st, KindRedis
	r.logger.Info("rate limit backend resolved", zap.String("backend", KindRedis))
}

func (r *Resolver) connectShared() (st store.Store, err error) {
	if r.connect == nil {
		return nil, ErrNoConnector
	}

	defer func() {
		if rec := recover(); rec != nil {
			st, err = nil, fmt.Errorf("%w: connector panic: %v", ErrNoConnector, rec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ConnectTimeout)
	defer cancel()

	cfg := r.cfg.Redis
	cfg.URL = r.cfg.RedisURL

	st, err = r.connect(ctx, cfg)
	if err == nil && st == nil {
		err = fmt.Errorf("%w: connector returned no store", ErrNoConnector)
	}
	return st, err
}

func (r *Resolver) newMemory() store.Store {
	return store.NewMemory(r.memoryOpts...)
}

func category(err error) string {
	switch {
	case errors.Is(err, ErrNoConnector):
		return categoryConnector
	case errors.Is(err, store.ErrRedisConfig):
		return categoryConfig
	default:
		return categoryConnect
	}
}
