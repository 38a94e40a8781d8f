// The authgw daemon bridges the public telemetry bus and the trusted
// internal bus. It subscribes to the public broker, authorizes payloads
// against the sensor metadata stores and re-publishes authorized batches
// on the internal broker.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sensate-iot/authgw/internal/api"
	"github.com/sensate-iot/authgw/internal/config"
	"github.com/sensate-iot/authgw/internal/livedata"
	"github.com/sensate-iot/authgw/internal/metrics"
	"github.com/sensate-iot/authgw/internal/mqtt"
	"github.com/sensate-iot/authgw/internal/repositories"
	"github.com/sensate-iot/authgw/internal/services"
)

const minSleep = 10 * time.Millisecond

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := config.SetupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	logger.Info("starting authorization gateway",
		"workers", cfg.Workers, "interval_ms", cfg.IntervalMillis)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := sql.Open("postgres", cfg.Database.PgSQL.ConnectionString)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer pg.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = pg.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	mongoClient, err := mongodrv.Connect(connectCtx, options.Client().ApplyURI(cfg.Database.MongoDB.ConnectionString))
	cancel()
	if err != nil {
		return fmt.Errorf("connect mongodb: %w", err)
	}
	defer mongoClient.Disconnect(context.Background())

	users := repositories.NewPgUserRepository(pg)
	keys := repositories.NewPgApiKeyRepository(pg)
	sensors := repositories.NewMongoSensorRepository(
		mongoClient.Database(cfg.Database.MongoDB.DatabaseName), logger)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	live := livedata.NewHub(logger)
	defer live.Close()

	internalClient, err := mqtt.Connect(cfg.Mqtt.InternalBroker.Broker, "authgw-internal", logger, nil)
	if err != nil {
		return fmt.Errorf("internal broker: %w", err)
	}
	defer internalClient.Disconnect()

	commands := services.NewCommandConsumer(logger)
	service := services.NewMessageService(ctx, internalClient, commands,
		users, keys, sensors, cfg, m, live, logger)

	listener := mqtt.NewListener(cfg.Mqtt.PublicBroker, service, commands, logger)
	publicClient, err := mqtt.Connect(cfg.Mqtt.PublicBroker.Broker, "authgw-public", logger, listener.Subscribe)
	if err != nil {
		return fmt.Errorf("public broker: %w", err)
	}
	defer publicClient.Disconnect()

	server := api.NewServer(cfg.HTTP.Listen, service, live, registry, logger)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	runLoop(ctx, service, time.Duration(cfg.IntervalMillis)*time.Millisecond, logger)

	// Stop taking new work before the final drain.
	publicClient.Disconnect()

	logger.Info("draining pending payloads")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	service.Process(drainCtx)
	cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}

	logger.Info("gateway stopped")
	return nil
}

// runLoop drives the processing tick. When a tick takes longer than the
// interval the next one starts after a short floor sleep, so a burst
// cannot starve the loop of scheduling points.
func runLoop(ctx context.Context, service *services.MessageService, interval time.Duration, logger *slog.Logger) {
	logger.Info("tick loop started", "interval", interval)

	for {
		elapsed := service.Process(ctx)

		sleep := interval - elapsed
		if sleep < minSleep {
			sleep = minSleep
		}

		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return
		case <-time.After(sleep):
		}
	}
}
