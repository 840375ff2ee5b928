// Command mintex runs the marketplace trading service: the swap engine, its
// HTTP API and the live price ticker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mintex-trade/mintex/internal/amm"
	"github.com/mintex-trade/mintex/internal/auth"
	"github.com/mintex-trade/mintex/internal/config"
	"github.com/mintex-trade/mintex/internal/database"
	"github.com/mintex-trade/mintex/internal/metrics"
	"github.com/mintex-trade/mintex/internal/redis"
	"github.com/mintex-trade/mintex/internal/server"
	"github.com/mintex-trade/mintex/internal/ticker"
	"github.com/mintex-trade/mintex/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mintex: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	// Optional; environment variables override file values either way.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting mintex trading service",
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port))

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	rdb, err := redis.NewClient(cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer rdb.Close()

	var publisher amm.PricePublisher
	switch cfg.Publisher.Backend {
	case "kafka":
		kp := amm.NewKafkaPublisher(cfg.Publisher.KafkaBrokers, cfg.Publisher.KafkaTopic)
		defer kp.Close()
		publisher = kp
	default:
		publisher = amm.NewRedisPublisher(rdb.Raw())
	}

	engine := amm.NewEngine(db, publisher, log, metrics.New(prometheus.DefaultRegisterer), amm.Config{
		MaxTradeAmount:    cfg.Trading.MaxTradeAmount,
		MaxPoolDrainRatio: cfg.Trading.MaxPoolDrainRatio,
		DustThreshold:     cfg.Trading.DustThreshold,
	})

	sessions := auth.NewRedisSessionStore(rdb.Raw())

	hub := ticker.NewHub(rdb.Raw(), log)
	go hub.Run()
	defer hub.Stop()

	srv := server.New(cfg, engine, db, sessions, hub, log,
		func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		rdb.Health,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}
