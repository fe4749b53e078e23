package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"hivewatch/core-go/internal/backend"
	"hivewatch/core-go/internal/config"
	"hivewatch/core-go/internal/db"
	"hivewatch/core-go/internal/httpapi"
	"hivewatch/core-go/internal/metrics"
	"hivewatch/core-go/internal/oidc"
	"hivewatch/core-go/internal/refresh"
	"hivewatch/core-go/internal/session"
	"hivewatch/core-go/internal/view"
)

func main() {
	cfg, err := config.Load(envOr("HIVE_CONFIG", ""), os.Getenv)
	if err != nil {
		boot := httpapi.NewLogger("info")
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	logger := httpapi.NewLogger(cfg.LogLevel)
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *db.Pool
	if cfg.DatabaseURL != "" {
		p, err := db.Open(ctx, cfg.DatabaseURL, db.Options{MaxConns: cfg.DatabaseMaxConns})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer p.Close()
		if err := p.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare snapshot archive")
		}
		pool = p
	}

	var store session.Store = session.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to redis")
		}
		store = session.NewRedisStore(rdb, session.RedisOptions{
			KeyPrefix:     cfg.Redis.KeyPrefix,
			CredentialTTL: cfg.Redis.CredentialTTL,
			IntentTTL:     cfg.Redis.IntentTTL,
		})
	}

	var auth session.Authorizer
	if cfg.OIDC.Enabled() {
		auth = oidc.New(logger, oidc.Config{
			AuthURL:     cfg.OIDC.AuthURL,
			TokenURL:    cfg.OIDC.TokenURL,
			ClientID:    cfg.OIDC.ClientID,
			RedirectURL: cfg.OIDC.RedirectURL,
			Scopes:      cfg.OIDC.Scopes,
		}, &http.Client{Timeout: cfg.Backend.Timeout})
	} else {
		logger.Warn().Msg("oidc not configured; private mode unavailable")
	}

	client, err := backend.New(logger, backend.Options{
		BaseURL:           cfg.Backend.URL,
		Timeout:           cfg.Backend.Timeout,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Burst:             cfg.Backend.Burst,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid backend configuration")
	}

	ctrl := session.NewController(logger, store, auth, m)
	views := view.NewStore()

	hub := view.NewHub(logger, m, views.Current)
	defer hub.Close()
	views.Subscribe(hub.Publish)

	var archive *view.Archive
	if pool != nil {
		archive = view.NewArchive(logger, pool.Queries(), view.ArchiveOptions{
			Buffer:    cfg.Archive.Buffer,
			Retention: cfg.Archive.Retention,
		})
		views.Subscribe(archive.Record)
		go archive.Run(ctx)
	}

	scheduler := refresh.New(logger, client, ctrl, views, refresh.Options{
		Interval:   cfg.Refresh.Interval,
		RunTimeout: cfg.Refresh.RunTimeout,
	}, m)

	if err := ctrl.Resume(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to resume session; starting in public mode")
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start refresh scheduler")
	}

	deps := httpapi.Deps{
		Session:   ctrl,
		View:      views,
		Stream:    hub,
		Archive:   archive,
		Refresher: scheduler,
		Metrics:   m,
	}
	if pool != nil {
		deps.Pool = pool
	}
	if cfg.StaticDir != "" {
		deps.Static = http.FileServer(http.Dir(cfg.StaticDir))
	}

	h := httpapi.NewHandler(logger, deps)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("hive-dashboard listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Close()
	_ = srv.Shutdown(shutdownCtx)
	scheduler.Stop()
	logger.Info().Msg("shutdown complete")
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
