package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mihome/internal/auth/service"
	"mihome/internal/auth/store"
	credstore "mihome/internal/auth/store/credentials"
	sessionstore "mihome/internal/auth/store/session"
	"mihome/internal/jwt_token"
	"mihome/internal/mijia"
	"mihome/internal/mijia/sign"
	"mihome/internal/platform/config"
	"mihome/internal/platform/httpserver"
	"mihome/internal/platform/logger"
	"mihome/internal/platform/metrics"
	redisclient "mihome/internal/platform/redis"
	httptransport "mihome/internal/transport/http"
	"mihome/pkg/platform/audit"
	auditmemory "mihome/pkg/platform/audit/store/memory"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}

	var sessions store.SessionStore
	var sweepables []sessionstore.Expirable

	creds := credstore.New()
	sweepables = append(sweepables, creds)

	if rc != nil {
		sessions = sessionstore.NewRedis(rc.Client)
		log.Info("using redis session store")
	} else {
		mem := sessionstore.New()
		sessions = mem
		sweepables = append(sweepables, mem)
	}

	sweeper := sessionstore.NewSweeper(cfg.SweepInterval, log, func(n int) {
		m.SessionsSwept.Add(float64(n))
	}, sweepables...)
	sweeper.Start()
	defer sweeper.Stop()

	trail := audit.NewTrail(auditmemory.NewInMemoryStore(), log)
	tokens := jwttoken.NewJWTService(cfg.JWTSigningKey, "mihome")

	cloud := mijia.NewTransport(log, mijia.WithMetrics(m))
	auth := service.New(cfg, cloud, sessions, creds, tokens, log, m,
		service.WithAuditTrail(trail),
	)
	deviceAPI := mijia.NewClient(cfg.APIBaseURL, sign.HMACSigner{}, log,
		mijia.WithClientMetrics(m),
	)

	var health func(ctx context.Context) error
	if rc != nil {
		health = rc.Health
	}

	router := httptransport.NewRouter(
		httptransport.NewAuthHandler(auth, log),
		httptransport.NewDeviceHandler(deviceAPI, tokens, creds, log, trail),
		httptransport.Health(health),
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	)

	srv := httpserver.New(cfg.Addr, router)

	go func() {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	if rc != nil {
		if err := rc.Close(); err != nil {
			log.Warn("closing redis failed", "error", err)
		}
	}
}
