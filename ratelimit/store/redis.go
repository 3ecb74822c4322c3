package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhalm/gatekeeper/internal/warnonce"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// expireTimeout bounds PEXPIRE once it is detached from the caller's context.
const expireTimeout = time.Second

var (
	// ErrRedisConfig is returned by NewRedis when the connection options cannot be used.
	ErrRedisConfig = errors.New("invalid redis configuration")

	// ErrRedisConnect is returned by NewRedis when the initial ping fails.
	ErrRedisConnect = errors.New("failed to connect to redis")
)

// Redis is a Redis-backed implementation of Store suitable for distributed deployments.
//
// Hit issues INCR and, when the result is 1, PEXPIRE with the window length.
// The TTL is therefore set exactly once per window no matter how many
// instances race on the first hit. PEXPIRE runs detached from the caller's
// cancellation so a dropped request cannot strand the key. A key that still
// ends up without a TTL (the process died between the two commands) is given
// a fresh one by the next hit.
type Redis struct {
	client *redis.Client
	prefix string
	warn   *warnonce.Latch
}

// RedisConfig holds configuration for the Redis connection.
// All fields should be populated explicitly by application code; the store
// never reads environment variables.
type RedisConfig struct {
	// URL is the server address, either "host:port" or a redis:// / rediss:// URL.
	URL string

	// Password for Redis authentication (optional). Ignored when URL carries credentials.
	Password string

	// DB is the Redis database number (default: 0). Ignored when URL selects a database.
	DB int

	// Prefix is prepended to all keys (default: "ratelimit:").
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS).
	PoolSize int

	// DialTimeout is the timeout for establishing new connections (default: 5s).
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s).
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout).
	WriteTimeout time.Duration

	// PingTimeout bounds the connection check in NewRedis (default: 5s).
	PingTimeout time.Duration

	// Logger receives the first runtime command failure (default: no-op).
	Logger *zap.Logger
}

func (c RedisConfig) options() (*redis.Options, error) {
	var opts *redis.Options
	if strings.Contains(c.URL, "://") {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRedisConfig, err)
		}
		opts = parsed
	} else {
		if strings.TrimSpace(c.URL) == "" {
			return nil, fmt.Errorf("%w: empty address", ErrRedisConfig)
		}
		opts = &redis.Options{
			Addr:     c.URL,
			Password: c.Password,
			DB:       c.DB,
		}
	}

	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}
	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		opts.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		opts.WriteTimeout = c.WriteTimeout
	}
	return opts, nil
}

// NewRedis creates a Redis store and validates the connection with a ping.
// Errors wrap ErrRedisConfig or ErrRedisConnect so callers can tell the two
// failure modes apart.
func NewRedis(ctx context.Context, config RedisConfig) (*Redis, error) {
	if config.Prefix == "" {
		config.Prefix = "ratelimit:"
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = 5 * time.Second
	}

	opts, err := config.options()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, config.PingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrRedisConnect, err)
	}

	return &Redis{
		client: client,
		prefix: config.Prefix,
		warn:   warnonce.New(config.Logger),
	}, nil
}

// Hit atomically increments the counter for key. The first hit of a window
// sets a millisecond TTL equal to window; later hits read the remaining TTL.
func (r *Redis) Hit(ctx context.Context, key string, window time.Duration) (Window, error) {
	fullKey := r.prefix + key
	now := time.Now()

	count, err := r.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return Window{}, r.fail(fmt.Errorf("redis incr failed: %w", err))
	}

	if count == 1 {
		if err := r.expire(ctx, fullKey, window); err != nil {
			return Window{}, err
		}
		return Window{Count: 1, ResetAt: now.Add(window)}, nil
	}

	ttl, err := r.client.PTTL(ctx, fullKey).Result()
	if err != nil {
		return Window{}, r.fail(fmt.Errorf("redis pttl failed: %w", err))
	}
	if ttl < 0 {
		// The key lost its first-hit PEXPIRE; the window restarts from now.
		if err := r.expire(ctx, fullKey, window); err != nil {
			return Window{}, err
		}
		ttl = window
	}

	return Window{Count: count, ResetAt: now.Add(ttl)}, nil
}

// expire sets the window TTL on key. It ignores cancellation of ctx: once
// INCR has landed the TTL must follow, or the key never expires.
func (r *Redis) expire(ctx context.Context, key string, window time.Duration) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), expireTimeout)
	defer cancel()

	if err := r.client.PExpire(ctx, key, window).Err(); err != nil {
		return r.fail(fmt.Errorf("redis pexpire failed: %w", err))
	}
	return nil
}

// Peek reads the count and remaining TTL for key in one round trip.
func (r *Redis) Peek(ctx context.Context, key string) (Window, error) {
	fullKey := r.prefix + key
	now := time.Now()

	pipe := r.client.Pipeline()
	get := pipe.Get(ctx, fullKey)
	pttl := pipe.PTTL(ctx, fullKey)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Window{}, r.fail(fmt.Errorf("redis peek failed: %w", err))
	}

	count, err := get.Int64()
	if errors.Is(err, redis.Nil) {
		return Window{}, nil
	}
	if err != nil {
		return Window{}, fmt.Errorf("redis peek failed: %w", err)
	}

	ttl := pttl.Val()
	if ttl < 0 {
		return Window{Count: count}, nil
	}
	return Window{Count: count, ResetAt: now.Add(ttl)}, nil
}

// Reset deletes every key under the store prefix.
func (r *Redis) Reset(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis reset failed: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// fail logs the first runtime failure and returns err unchanged. The client
// is kept; go-redis re-dials on the next command.
func (r *Redis) fail(err error) error {
	r.warn.Warn("runtime", "redis command failed, keeping shared store", zap.Error(err))
	return err
}
