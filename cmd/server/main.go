package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"quizsync-backend-go/internal/beacon"
	"quizsync-backend-go/internal/config"
	"quizsync-backend-go/internal/db"
	"quizsync-backend-go/internal/engine"
	httpapi "quizsync-backend-go/internal/http"
	"quizsync-backend-go/internal/logger"
	"quizsync-backend-go/internal/migrations"
	"quizsync-backend-go/internal/realtime"
	"quizsync-backend-go/internal/services"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	appLog, err := logger.NewWithFile(cfg.LogMode, cfg.LogDir, cfg.LogRetentionDays)
	if err != nil {
		log.Printf("file logger setup failed, logging to stdout only: %v", err)
		appLog, err = logger.New(cfg.LogMode)
		if err != nil {
			log.Fatalf("logger: %v", err)
		}
	}
	defer appLog.Close()

	database, err := db.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		appLog.Fatal("db open failed", "driver", cfg.DBDriver, "error", err)
	}
	defer database.Close()
	if err := migrations.Apply(database); err != nil {
		appLog.Fatal("migrations failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tokens := services.TokenService{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer}
	registry := realtime.NewRegistry()
	broadcaster := realtime.NewBroadcaster(registry, appLog.With("component", "broadcaster"))
	eng := engine.New(
		services.NewProgressService(database),
		services.NewEntitlementService(database),
		registry,
		broadcaster,
		appLog.With("component", "engine"),
		cfg.AggregateTimeout,
	)

	sweeper := engine.NewSweeper(eng, cfg.SweepInterval, cfg.SweepTimeout, appLog.With("component", "sweep"))
	if err := sweeper.Start(); err != nil {
		appLog.Fatal("expiry sweep schedule failed", "error", err)
	}
	defer sweeper.Stop()

	queue, err := newBeaconQueue(cfg, appLog)
	if err != nil {
		appLog.Fatal("beacon queue setup failed", "kind", cfg.BeaconQueue, "error", err)
	}
	defer queue.Close()
	ingestor := beacon.NewIngestor(tokens, queue, eng, cfg.BeaconWorkers, appLog.With("component", "beacon"))

	rdb := newRedisClient(ctx, cfg, appLog)
	if rdb != nil {
		defer rdb.Close()
	}

	server := httpapi.NewServer(cfg, database, tokens, eng, ingestor, rdb, appLog)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ingestor.Run(gctx)
	})
	g.Go(func() error {
		appLog.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		appLog.Error("server stopped with error", "error", err)
		return
	}
	appLog.Info("shutdown complete")
}

func newBeaconQueue(cfg config.Config, appLog *logger.Logger) (beacon.Queue, error) {
	switch cfg.BeaconQueue {
	case "", "memory":
		return beacon.NewMemoryQueue(cfg.BeaconBuffer), nil
	case "amqp":
		return beacon.NewAMQPQueue(cfg.AMQPURL, appLog.With("component", "beacon-queue"))
	default:
		return nil, fmt.Errorf("unknown BEACON_QUEUE %q", cfg.BeaconQueue)
	}
}

// newRedisClient returns nil when Redis is not configured or unreachable;
// rate limiting is then off.
func newRedisClient(ctx context.Context, cfg config.Config, appLog *logger.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		appLog.Warn("redis unavailable, rate limiting disabled", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

