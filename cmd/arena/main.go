package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/app/migrate"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/buildqueue"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/docker"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/lifecycle"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/monitor"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/proctor"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/repository/postgres"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/server"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/watcher"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/ws"
	"github.com/krishna-shrivastav232702/proctored-ide/pkg/config"
	"github.com/krishna-shrivastav232702/proctored-ide/pkg/logger"
)

func main() {
	cfg := config.LoadArenaConfig()
	log := logger.FromEnv("arena")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	migrator, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to init migrator", "error", err)
		os.Exit(1)
	}
	if err := migrator.Ping(ctx); err != nil {
		log.Error("database unreachable", "error", err)
		os.Exit(1)
	}
	if err := migrator.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	runtime, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer runtime.Close()
	if err := runtime.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "host", cfg.DockerHost, "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub(log)
	repo := postgres.New(pool)

	statusCache := lifecycle.NewStatusCache(rdb, cfg.StatusCacheTTL)
	manager := lifecycle.NewManager(runtime, repo, repo, statusCache, log, cfg)

	metricsCache := monitor.NewMetricsCache(rdb, cfg.MetricsCacheTTL)
	engine := monitor.NewEngine(repo, runtime, manager, hub, metricsCache, log, cfg)

	broker := buildqueue.NewBroker(rdb, cfg.BuildHeartbeatTTL)
	builds := buildqueue.NewService(broker, runtime, repo, repo, hub, log, cfg)

	watchers := watcher.NewManager(hub, log, cfg)
	proctorSvc := proctor.NewService(rdb, hub, log, cfg)

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	go engine.Run(monitorCtx)

	buildCtx, cancelBuilds := context.WithCancel(context.Background())
	builds.Run(buildCtx)

	api := server.New(manager, builds, proctorSvc, watchers, runtime, hub, log, cfg)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("arena listening", "addr", cfg.Addr, "env", cfg.Environment)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
		}
	}

	// Shutdown order: stop accepting requests, then the background loops,
	// then drain in-flight builds so resource restoration always runs.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown incomplete", "error", err)
	}

	cancelMonitor()
	engine.Stop()
	watchers.StopAll()

	cancelBuilds()
	builds.Drain()
	hub.Close()

	log.Info("arena stopped")
}
