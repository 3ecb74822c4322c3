// Package ratelimit provides fixed-window admission control for Chi and
// standard http.Handler.
//
// A Controller guards one endpoint group. Controllers share a single counter
// backend, normally a *backend.Resolver, and prefix every key with their name
// so independently configured groups never share counters.
//
//	res := backend.New(backend.Config{RedisURL: os.Getenv("REDIS_URL")})
//	defer res.Close()
//
//	api := ratelimit.New(res, "api", 100, time.Minute,
//		ratelimit.WithMessage("Too many API calls, slow down"))
//	r.With(api.Handler).Get("/orders", listOrders)
//
// Admission favors availability: if the backend cannot be reached or fails
// mid-request, the hit is evaluated against a throwaway in-memory store and
// the request is decided from that.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nhalm/canonlog"
	"github.com/nhalm/gatekeeper/internal/warnonce"
	"github.com/nhalm/gatekeeper/ratelimit/store"
	"github.com/nhalm/gatekeeper/wrapper"
	"go.uber.org/zap"
)

var errNoStore = errors.New("resolve backend: no store")

// HeaderMode controls when rate limit headers are included in responses.
type HeaderMode int

const (
	// HeadersAlways includes rate limit headers on all responses (default).
	// Headers: RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset
	// On 429: Also includes Retry-After
	HeadersAlways HeaderMode = iota

	// HeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	HeadersOnLimitExceeded

	// HeadersNever never includes rate limit headers in any response.
	// Use this when you want rate limiting without exposing limits to clients.
	HeadersNever
)

// Backend supplies the counter store shared by controllers.
// *backend.Resolver is the production implementation.
type Backend interface {
	Resolve(ctx context.Context) (store.Store, error)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Count     int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time

	// Degraded is set when the shared backend failed and the hit was evaluated
	// against a throwaway local store instead.
	Degraded bool

	// Err is the 429 error to return when the request is rejected.
	Err *wrapper.Error
}

// Controller admits or rejects requests for one endpoint group.
type Controller struct {
	backend    Backend
	name       string
	limit      int64
	window     time.Duration
	rejection  *wrapper.Error
	keyFn      KeyFunc
	headerMode HeaderMode
	now        func() time.Time
	warn       *warnonce.Latch
}

// Option configures a Controller.
type Option func(*Controller)

// WithMessage sets the message returned to rejected callers.
func WithMessage(msg string) Option {
	return func(c *Controller) {
		c.rejection = wrapper.ErrTooManyRequests.With(msg)
	}
}

// WithKeyFunc sets how the client key is derived from a request.
// Default: ClientIP.
func WithKeyFunc(fn KeyFunc) Option {
	return func(c *Controller) {
		c.keyFn = fn
	}
}

// WithHeaderMode configures when rate limit headers are included in responses.
func WithHeaderMode(mode HeaderMode) Option {
	return func(c *Controller) {
		c.headerMode = mode
	}
}

// WithLogger sets the logger for unexpected admission failures.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		c.warn = warnonce.New(logger)
	}
}

// WithClock sets the time source used for the local fallback and Retry-After.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New creates a controller allowing limit hits per key per window.
// The (limit+1)-th hit within a window is rejected with 429.
//
// name namespaces the controller's keys in the shared backend and must be
// unique per controller. New panics if b is nil, name is empty, or limit or
// window is not positive.
func New(b Backend, name string, limit int, window time.Duration, opts ...Option) *Controller {
	if b == nil {
		panic("ratelimit: backend is required")
	}
	if name == "" {
		panic("ratelimit: controller name is required")
	}
	if limit <= 0 {
		panic(fmt.Sprintf("ratelimit: limit must be positive, got %d", limit))
	}
	if window <= 0 {
		panic(fmt.Sprintf("ratelimit: window must be positive, got %s", window))
	}

	c := &Controller{
		backend:    b,
		name:       name,
		limit:      int64(limit),
		window:     window,
		rejection:  wrapper.ErrTooManyRequests,
		keyFn:      ClientIP,
		headerMode: HeadersAlways,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.warn == nil {
		c.warn = warnonce.New(nil)
	}
	return c
}

// Name returns the controller's key namespace.
func (c *Controller) Name() string {
	return c.name
}

// Key returns the client key the controller counts r under, before
// namespacing. It is the key AdmitKey and Peek expect.
func (c *Controller) Key(r *http.Request) string {
	key := ""
	if c.keyFn != nil {
		key = c.keyFn(r)
	}
	if key == "" {
		key = peerAddr(r)
	}
	if key == "" {
		key = unknownKey
	}
	return key
}

// Admit records one hit for the request's client key and decides whether the
// request may proceed.
func (c *Controller) Admit(r *http.Request) Decision {
	return c.AdmitKey(r.Context(), c.Key(r))
}

// AdmitKey records one hit for key and decides whether it is within the limit.
// An empty key is counted as "unknown". AdmitKey never fails: backend errors
// and panics fall back to a single-use local store.
func (c *Controller) AdmitKey(ctx context.Context, key string) Decision {
	if key == "" {
		key = unknownKey
	}
	namespaced := c.name + ":" + key

	w, err := c.hit(ctx, namespaced)
	degraded := false
	if err != nil {
		c.warn.Warn("admit", "rate limit backend failed, evaluating locally",
			zap.String("ratelimit", c.name),
			zap.Error(err),
		)
		w = c.hitLocal(namespaced)
		degraded = true
	}

	d := Decision{
		Allowed:   w.Count <= c.limit,
		Count:     w.Count,
		Limit:     c.limit,
		Remaining: max(0, c.limit-w.Count),
		ResetAt:   w.ResetAt,
		Degraded:  degraded,
	}
	if !d.Allowed {
		d.Err = c.rejection
	}
	return d
}

func (c *Controller) hit(ctx context.Context, key string) (w store.Window, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	st, err := c.backend.Resolve(ctx)
	if err != nil {
		return store.Window{}, fmt.Errorf("resolve backend: %w", err)
	}
	if st == nil {
		return store.Window{}, errNoStore
	}
	w, err = st.Hit(ctx, key, c.window)
	if err != nil {
		return store.Window{}, fmt.Errorf("hit %s: %w", key, err)
	}
	return w, nil
}

func (c *Controller) hitLocal(key string) store.Window {
	local := store.NewMemory(store.WithClock(c.now), store.WithoutCleanup())
	defer local.Close()

	w, err := local.Hit(context.Background(), key, c.window)
	if err != nil {
		return store.Window{Count: 1, ResetAt: c.now().Add(c.window)}
	}
	return w
}

// Peek returns the current window for key without recording a hit.
func (c *Controller) Peek(ctx context.Context, key string) (store.Window, error) {
	if key == "" {
		key = unknownKey
	}
	st, err := c.backend.Resolve(ctx)
	if err != nil {
		return store.Window{}, fmt.Errorf("resolve backend: %w", err)
	}
	return st.Peek(ctx, c.name+":"+key)
}

// Handler returns the rate limiting middleware.
// Sets the following headers based on header mode:
//   - RateLimit-Limit: The rate limit ceiling for the current window
//   - RateLimit-Remaining: Number of requests remaining in the current window
//   - RateLimit-Reset: Unix timestamp when the current window resets
//   - Retry-After: (only when limited) Seconds until the window resets
//
// Rejected requests get 429 with body
// {"error":"TOO_MANY_REQUESTS","message":"<message>"} and never reach next.
func (c *Controller) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		d := c.Admit(r)

		if _, ok := canonlog.TryGetLogger(ctx); ok {
			canonlog.InfoAddMany(ctx, map[string]any{
				"ratelimit_name":     c.name,
				"ratelimit_count":    d.Count,
				"ratelimit_allowed":  d.Allowed,
				"ratelimit_degraded": d.Degraded,
			})
		}

		useWrapper := wrapper.HasState(ctx)
		setHeader := func(key, value string) {
			if useWrapper {
				wrapper.SetHeader(r, key, value)
			} else {
				w.Header().Set(key, value)
			}
		}

		if c.headerMode == HeadersAlways || (c.headerMode == HeadersOnLimitExceeded && !d.Allowed) {
			setHeader("RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			setHeader("RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			setHeader("RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				setHeader("Retry-After", strconv.FormatInt(c.retryAfter(d), 10))
			}
		}

		if !d.Allowed {
			if useWrapper {
				wrapper.SetError(r, d.Err)
			} else {
				wrapper.WriteError(w, d.Err)
			}
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retryAfter returns whole seconds until the window resets, rounded up.
func (c *Controller) retryAfter(d Decision) int64 {
	wait := d.ResetAt.Sub(c.now())
	if wait <= 0 {
		return 0
	}
	secs := int64(wait / time.Second)
	if wait%time.Second != 0 {
		secs++
	}
	return secs
}
