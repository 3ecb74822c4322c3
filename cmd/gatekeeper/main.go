// Command gatekeeper serves rate limited endpoint groups.
//
// Each configured group is mounted under its path behind its own admission
// controller. All groups share one counter backend: Redis when REDIS_URL is
// set and reachable, otherwise process memory.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nhalm/gatekeeper/config"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("gatekeeper stopped", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load(os.Getenv("GATEKEEPER_CONFIG"))
	if err != nil {
		return err
	}

	res := newResolver(cfg, logger)
	defer func() {
		if err := res.Close(); err != nil {
			logger.Warn("close rate limit backend", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Resolve up front so backend fallback is logged at startup rather than
	// on the first request.
	if _, err := res.Resolve(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(cfg, res, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("gatekeeper listening",
		zap.String("addr", cfg.Addr),
		zap.String("backend", res.Kind()),
		zap.Int("groups", len(cfg.Groups)),
		zap.Bool("auth", cfg.JWTSecret != ""),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("gatekeeper shut down")
	return nil
}
