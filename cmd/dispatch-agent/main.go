package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cargolink/cargolink-go/internal/config"
	"github.com/cargolink/cargolink-go/internal/metrics"
	"github.com/cargolink/cargolink-go/pkg/client"
	"github.com/cargolink/cargolink-go/pkg/outbox"
	"github.com/cargolink/cargolink-go/pkg/store"
	"github.com/cargolink/cargolink-go/pkg/tracking"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("dispatch-agent starting",
		zap.String("version", Version),
		zap.String("api", cfg.API.BaseURL),
		zap.String("tracking", cfg.Tracking.URL))

	metrics.Register()

	st := store.Open(cfg.Store.Path, log)
	defer st.Close()

	api := client.New(st, client.Options{
		BaseURL:             cfg.API.BaseURL,
		Timeout:             cfg.API.Timeout,
		MaxConcurrent:       cfg.API.MaxConcurrent,
		MaxRateLimitRetries: cfg.API.MaxRateLimitRetries,
		Language:            cfg.API.Language,
		Logger:              log,
		OnSessionExpired: func() {
			log.Warn("session expired, agent needs re-authentication")
		},
	})

	queue := outbox.NewQueue(st)
	engine := outbox.NewEngine(api, queue, st, outbox.Options{
		Interval: cfg.Sync.Interval,
		Logger:   log,
	})
	engine.Start()
	defer engine.Stop()

	ch := tracking.New(tracking.Options{
		URL:                  cfg.Tracking.URL,
		HeartbeatInterval:    cfg.Tracking.Heartbeat,
		ReconnectBase:        cfg.Tracking.Reconnect.Base,
		MaxReconnectAttempts: cfg.Tracking.Reconnect.MaxAttempts,
		Logger:               log,
		TokenSource: func() string {
			var tok string
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, _ = store.GetJSON(ctx, st, client.KeyAccessToken, &tok)
			cancel()
			return tok
		},
	})

	// replay topic subscriptions after every reconnect and drain the queue
	// whenever connectivity returns
	ch.OnReconnect(func() {
		if err := ch.Resubscribe(); err != nil {
			log.Warn("resubscribe failed", zap.Error(err))
		}
		engine.NotifyOnline()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := ch.Connect(ctx); err != nil {
		// the channel keeps retrying on its own; the request path works
		// regardless
		log.Warn("initial tracking connect failed", zap.Error(err))
	}
	cancel()
	defer ch.Disconnect()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		log.Info("dispatch-agent listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("dispatch-agent stopping")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(shutCtx)
	shutCancel()
}
