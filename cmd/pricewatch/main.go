package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricewatch/internal/alerts"
	"pricewatch/internal/cache"
	"pricewatch/internal/config"
	"pricewatch/internal/database"
	"pricewatch/internal/handlers"
	"pricewatch/internal/history"
	"pricewatch/internal/logger"
	"pricewatch/internal/notify"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/tracing"
	"pricewatch/internal/upstream"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger.InitLogger()
	defer logger.Log.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal("Failed to load configuration", zap.Error(err))
	}

	tracerShutdown, err := tracing.InitTracer(cfg.OTLPEndpoint)
	if err != nil {
		logger.Log.Fatal("Failed to initialize tracer", zap.Error(err))
	}

	db, err := database.Open(cfg.PostgresDSN)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	rules := alerts.NewPostgresStore(db)
	hist := history.NewPostgresStore(db)
	hub := notify.NewHub()

	// Redis backs the cache, the request pacer and the cross-instance
	// alert bridge. When it is unreachable the service degrades to an
	// in-process cache and a local pacer instead of failing.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	var (
		store  cache.Cache
		pacer  upstream.Pacer
		bridge *notify.Bridge
	)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Log.Warn("Redis unavailable, degrading to in-process cache", zap.Error(err))
		store = cache.NewMemoryCache()
		pacer = upstream.NewIntervalPacer(cfg.RequestsPerMinute)
	} else {
		store = cache.NewRedisCache(rdb, cfg.Instance)
		pacer = upstream.NewRedisPacer(rdb, cfg.RequestsPerMinute)
		bridge = notify.NewBridge(cache.NewPubSub(rdb), hub, cfg.Instance)
	}
	pingCancel()

	var sink notify.SnapshotSink
	if cfg.KafkaBrokers != "" {
		kafkaSink, err := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Log.Warn("Kafka sink disabled", zap.Error(err))
		} else {
			sink = kafkaSink
			defer kafkaSink.Close()
		}
	}

	client := upstream.NewClient(upstream.Options{
		BaseURL:           cfg.CoinGeckoBaseURL,
		Cache:             store,
		Pacer:             pacer,
		Timeout:           cfg.UpstreamTimeout,
		RequestsPerMinute: cfg.RequestsPerMinute,
		PriceTTL:          cfg.PriceCacheTTL,
		HistoryTTL:        cfg.HistoryCacheTTL,
		CoinListTTL:       cfg.CoinListTTL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if bridge != nil {
		if err := bridge.Start(ctx); err != nil {
			logger.Log.Warn("Alert bridge disabled", zap.Error(err))
			bridge = nil
		}
	}

	notifier := notify.NewNotifier(notify.NotifierOptions{
		Hub:    hub,
		Bridge: bridge,
		Sink:   sink,
		Mailer: notify.LogMailer{},
		Prefs:  notify.StaticPrefs{},
		Rules:  rules,
		Origin: cfg.Instance,
	})

	sched := scheduler.New(scheduler.Options{
		Fetcher:          client,
		Rules:            rules,
		History:          hist,
		Dispatcher:       notifier,
		Coins:            cfg.WatchCoins,
		TickInterval:     cfg.TickInterval,
		SampleEveryTicks: cfg.SampleEveryTicks,
		Retention:        cfg.Retention(),
		CleanupSchedule:  cfg.CleanupSchedule,
	})
	if err := sched.Start(ctx); err != nil {
		logger.Log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	api := handlers.NewAPI(rules, store, cfg.Instance)

	mux := http.NewServeMux()
	mux.HandleFunc("/alerts", api.AlertsHandler)
	mux.HandleFunc("/alerts/", api.AlertsHandler)
	mux.Handle("/ws", handlers.NewStreamHandler(hub))
	mux.Handle("/stats", handlers.NewStatsHandler(client, hub))
	mux.HandleFunc("/healthz", handlers.HealthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()
	logger.Log.Info("pricewatch started",
		zap.String("port", cfg.HTTPPort),
		zap.String("instance", cfg.Instance),
	)

	<-ctx.Done()
	logger.Log.Info("Shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Log.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := sched.Stop(shutCtx); err != nil {
		logger.Log.Error("Scheduler shutdown failed", zap.Error(err))
	}
	if bridge != nil {
		bridge.Stop()
	}
	if err := tracerShutdown(shutCtx); err != nil {
		logger.Log.Error("Failed to shutdown tracer", zap.Error(err))
	}
}
