package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/gatekeeper/auth"
	"github.com/nhalm/gatekeeper/config"
	"github.com/nhalm/gatekeeper/ratelimit"
	"github.com/nhalm/gatekeeper/ratelimit/backend"
	"github.com/nhalm/gatekeeper/ratelimit/store"
	"github.com/nhalm/gatekeeper/wrapper"
	"go.uber.org/zap"
)

type windowResponse struct {
	Group   string    `json:"group"`
	Key     string    `json:"key"`
	Count   int64     `json:"count"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

func newRouter(cfg config.Config, res *backend.Resolver, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(wrapper.New(wrapper.WithCanonlog(), wrapper.WithRequestID()))

	if cfg.JWTSecret != "" {
		opts := []auth.BearerOption{auth.Optional()}
		if cfg.JWTIssuer != "" {
			opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
		}
		r.Use(auth.Bearer([]byte(cfg.JWTSecret), opts...))
	}

	r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
		wrapper.SetError(r, wrapper.ErrNotFound)
	})

	r.Get("/healthz", func(_ http.ResponseWriter, r *http.Request) {
		wrapper.SetResponse(r, http.StatusOK, map[string]string{
			"status":  "ok",
			"backend": res.Kind(),
		})
	})

	controllers := make(map[string]*ratelimit.Controller, len(cfg.Groups))
	limits := make(map[string]int, len(cfg.Groups))
	for _, g := range cfg.Groups {
		ctrl := newController(g, res, logger)
		controllers[g.Name] = ctrl
		limits[g.Name] = g.Max

		r.Route(g.Path, func(r chi.Router) {
			r.Use(ctrl.Handler)
			serve := func(_ http.ResponseWriter, r *http.Request) {
				wrapper.SetResponse(r, http.StatusOK, map[string]string{
					"group": ctrl.Name(),
					"path":  r.URL.Path,
				})
			}
			r.HandleFunc("/", serve)
			r.HandleFunc("/*", serve)
		})
	}

	r.Get("/_ratelimit/{group}", func(_ http.ResponseWriter, r *http.Request) {
		group := chi.URLParam(r, "group")
		ctrl, ok := controllers[group]
		if !ok {
			wrapper.SetError(r, wrapper.ErrNotFound.With("Unknown rate limit group"))
			return
		}

		// Without ?key= the caller inspects its own counter, derived the
		// same way the group's limiter derives it.
		key := r.URL.Query().Get("key")
		if key == "" {
			key = ctrl.Key(r)
		}
		win, err := ctrl.Peek(r.Context(), key)
		if err != nil {
			wrapper.SetError(r, wrapper.ErrInternal.With("Rate limit lookup failed"))
			return
		}
		wrapper.SetResponse(r, http.StatusOK, windowResponse{
			Group:   ctrl.Name(),
			Key:     key,
			Count:   win.Count,
			Limit:   limits[group],
			ResetAt: win.ResetAt,
		})
	})

	return r
}

func newResolver(cfg config.Config, logger *zap.Logger) *backend.Resolver {
	return backend.New(
		backend.Config{RedisURL: cfg.RedisURL, ConnectTimeout: cfg.ConnectTimeout},
		backend.WithLogger(logger),
		backend.WithMemoryOptions(store.WithCleanupInterval(cfg.CleanupInterval)),
	)
}

func newController(g config.Group, res *backend.Resolver, logger *zap.Logger) *ratelimit.Controller {
	opts := []ratelimit.Option{ratelimit.WithLogger(logger)}
	if g.Message != "" {
		opts = append(opts, ratelimit.WithMessage(g.Message))
	}

	switch g.Key {
	case config.KeyIdentity:
		opts = append(opts, ratelimit.WithKeyFunc(ratelimit.ByIdentity()))
	case config.KeyHeader:
		opts = append(opts, ratelimit.WithKeyFunc(ratelimit.ByHeader(g.Header)))
	default:
		opts = append(opts, ratelimit.WithKeyFunc(ratelimit.ClientIP))
	}

	return ratelimit.New(res, g.Name, g.Max, g.Window, opts...)
}
