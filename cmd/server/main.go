package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/parcel-tracking/internal/backend"
	"github.com/example/parcel-tracking/internal/config"
	"github.com/example/parcel-tracking/internal/eta"
	"github.com/example/parcel-tracking/internal/geo"
	httpapi "github.com/example/parcel-tracking/internal/http"
	"github.com/example/parcel-tracking/internal/logging"
	"github.com/example/parcel-tracking/internal/storage"
	"github.com/example/parcel-tracking/internal/tracking"
)

func main() {
	cfg, err := config.Load()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat).With("service", "tracking-gateway")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	api := backend.NewClient(cfg.BackendURL, cfg.BackendToken, cfg.BackendTimeout, cfg.BackendRetries, logger)
	var ready []httpapi.ReadyCheck
	var finished func(ctx context.Context, jobID string) error

	fetcher := &storage.CachedFetcher{Source: api, Logger: logger}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		fetcher.Cache = storage.NewRedisCache(rc, cfg.CacheTTL)
		positions := geo.NewRedisIndex(rc, cfg.RedisPositionPrefix, cfg.PositionTTL)
		fetcher.Positions = positions
		finished = positions.Remove
		ready = append(ready, httpapi.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error { return rc.Ping(ctx).Err() }})
	} else {
		fetcher.Cache = storage.NewMemoryCache(cfg.CacheTTL, nil)
	}
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresSource(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		fetcher.Source = pg
		ready = append(ready, httpapi.ReadyCheck{Name: "postgres", Check: pg.Ping})
		logger.Info("reading snapshots from postgres")
	}

	router := &eta.Router{Cache: eta.NewCache(30*time.Second, nil), SpeedMps: cfg.DefaultSpeedMps, Logger: logger}
	switch {
	case cfg.GoogleMapsAPIKey != "":
		g, err := eta.NewGoogleClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			return err
		}
		router.Primary = g
	case cfg.OSRMURL != "":
		router.Primary = eta.NewOSRMClient(cfg.OSRMURL)
	}

	feed := tracking.NewFeed(fetcher, tracking.Options{Interval: cfg.FeedInterval, Logger: logger})
	srv := httpapi.NewServer(httpapi.Options{
		Public:    api,
		Snapshots: fetcher,
		Feed:      feed,
		ETA:       router,
		Ready:     ready,
		Finished:  finished,
		Logger:    logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("tracking gateway listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down gateway")
		srv.Close()
		feed.Close()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
