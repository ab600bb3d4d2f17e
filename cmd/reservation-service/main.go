// cmd/reservation-service/main.go
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"stockhold/internal/pkg/bootstrap"
	"stockhold/internal/pkg/lock"
	"stockhold/internal/pkg/logger"
	"stockhold/internal/pkg/mq"
	"stockhold/internal/service/reservation/application"
	"stockhold/internal/service/reservation/domain"
	"stockhold/internal/service/reservation/domain/port"
	"stockhold/internal/service/reservation/infrastructure"
	"stockhold/internal/service/reservation/interfaces"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config, defaults to $CONFIG_PATH")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Ctx(context.Background()).Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg.Log)

	if err := run(cfg); err != nil {
		logger.Ctx(context.Background()).Error().Err(err).Msg("reservation service exited")
		os.Exit(1)
	}
}

func run(cfg Config) error {
	ctx := context.Background()
	var shutdown []func(context.Context) error

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	shutdown = append(shutdown, closeStore)

	guard, closeGuard, err := buildGuard(cfg.Lock)
	if err != nil {
		return err
	}
	shutdown = append(shutdown, closeGuard)

	hub := interfaces.NewEventHub()
	publishers := infrastructure.MultiPublisher{hub}
	if cfg.Kafka.Enabled() {
		writer := mq.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		publishers = append(publishers, infrastructure.NewKafkaEventPublisher(writer))
		shutdown = append(shutdown, func(context.Context) error { return writer.Close() })
	}

	opts := []application.Option{
		application.WithPublisher(publishers),
		application.WithMetrics(application.NewMetrics(prometheus.DefaultRegisterer)),
	}
	if guard != nil {
		opts = append(opts, application.WithGuard(guard))
	}
	if cfg.Reservation.ExpirationExpr != "" {
		policy, err := infrastructure.NewCELExpirationPolicy(cfg.Reservation.ExpirationExpr, cfg.Reservation.DefaultMinutes)
		if err != nil {
			return err
		}
		opts = append(opts, application.WithPolicy(policy))
	}
	svc := application.NewReservationService(store, otel.Tracer(cfg.Service.Name), cfg.Reservation, opts...)

	workers := []bootstrap.Worker{hub.Run, application.NewExpirer(svc).Run}
	if cfg.Kafka.Enabled() && cfg.Kafka.OriginTopic != "" {
		reader := mq.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.OriginTopic, cfg.Kafka.GroupID)
		var dlt mq.MessageWriter
		if cfg.Kafka.DLTTopic != "" {
			dltWriter := mq.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.DLTTopic)
			shutdown = append(shutdown, func(context.Context) error { return dltWriter.Close() })
			dlt = dltWriter
		}
		workers = append(workers, interfaces.NewOriginConsumer(reader, svc, dlt).Run)
	}

	handler := interfaces.NewReservationHandler(svc, hub)
	return bootstrap.StartService(bootstrap.AppInfo{
		Config: cfg.InfraConfig,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		Workers:    workers,
		OnShutdown: shutdown,
	})
}

func buildStore(ctx context.Context, cfg Config) (domain.Store, func(context.Context) error, error) {
	if cfg.Store.Driver == "mysql" {
		db, err := infrastructure.OpenMySQL(cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		store := infrastructure.NewGormStore(db)
		if cfg.Store.AutoMigrate {
			if err := store.AutoMigrate(ctx); err != nil {
				return nil, nil, err
			}
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return store, func(context.Context) error { return sqlDB.Close() }, nil
	}

	store := infrastructure.NewMemoryStore()
	for _, s := range cfg.Seed {
		store.SetOnHand(s.TenantID, s.target(), s.BranchID, s.OnHand)
	}
	logger.Ctx(ctx).Warn().Int("seeded", len(cfg.Seed)).Msg("using in-memory store, reservations are lost on restart")
	return store, func(context.Context) error { return nil }, nil
}

func buildGuard(cfg lock.Config) (port.KeyLocker, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	ttl := time.Duration(cfg.TTLMillis) * time.Millisecond

	switch cfg.Backend {
	case "local":
		return lock.NewLocalLocker(), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return lock.NewRedisLocker(client, "stockhold:lock:", ttl), func(context.Context) error { return client.Close() }, nil
	case "zookeeper":
		conn, err := lock.DialZooKeeper(cfg.ZKServers, 5*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return lock.NewZooKeeperLocker(conn, cfg.ZKRoot), func(context.Context) error { conn.Close(); return nil }, nil
	default:
		return nil, noop, nil
	}
}
