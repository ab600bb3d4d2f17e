package main

import (
	"fmt"
	"strings"

	"stockhold/internal/pkg/bootstrap"
	"stockhold/internal/pkg/lock"
	"stockhold/internal/pkg/mq"
	"stockhold/internal/service/reservation/application"
	"stockhold/internal/service/reservation/domain"
	"stockhold/internal/service/reservation/infrastructure"
)

// Config 是预占服务的完整配置
type Config struct {
	bootstrap.InfraConfig `yaml:",inline"`

	Store       infrastructure.StoreConfig `yaml:"store"`
	Reservation application.Config         `yaml:"reservation"`
	Lock        lock.Config                `yaml:"lock"`
	Kafka       mq.Config                  `yaml:"kafka"`
	// Seed 只在 memory 存储下生效，用于本地演示
	Seed []SeedStock `yaml:"seed"`
}

// SeedStock 是一条初始在手量
type SeedStock struct {
	TenantID  int64  `yaml:"tenant_id"`
	ProductID *int64 `yaml:"product_id"`
	VariantID *int64 `yaml:"variant_id"`
	BranchID  int64  `yaml:"branch_id"`
	OnHand    int64  `yaml:"on_hand"`
}

func (s SeedStock) target() domain.Target {
	return domain.Target{ProductID: s.ProductID, VariantID: s.VariantID}
}

func defaultConfig() Config {
	var cfg Config
	cfg.Service.Name = "reservation-service"
	cfg.Service.Port = 8090
	cfg.Store.Driver = "memory"
	cfg.Lock.Backend = "none"
	cfg.Kafka.EventsTopic = "stock-reservation-events"
	cfg.Kafka.OriginTopic = "origin-transaction-events"
	cfg.Kafka.GroupID = "reservation-service"
	cfg.Kafka.DLTTopic = "origin-transaction-events-dlt"
	return cfg
}

// loadConfig 读取配置文件并应用环境变量覆盖
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if err := bootstrap.LoadConfig(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.InfraConfig.ApplyEnv()

	cfg.Store.Driver = bootstrap.GetEnv("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.DSN = bootstrap.GetEnv("MYSQL_DSN", cfg.Store.DSN)
	cfg.Lock.Backend = bootstrap.GetEnv("LOCK_BACKEND", cfg.Lock.Backend)
	cfg.Lock.RedisAddr = bootstrap.GetEnv("REDIS_ADDR", cfg.Lock.RedisAddr)
	if zk := bootstrap.GetEnv("ZK_SERVERS", ""); zk != "" {
		cfg.Lock.ZKServers = strings.Split(zk, ",")
	}
	if brokers := bootstrap.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Reservation.ExpirationExpr = bootstrap.GetEnv("EXPIRATION_EXPR", cfg.Reservation.ExpirationExpr)

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Lock.Backend {
	case "", "none", "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required for the redis backend")
		}
	case "zookeeper":
		if len(c.Lock.ZKServers) == 0 {
			return fmt.Errorf("lock.zk_servers is required for the zookeeper backend")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}

	for i, s := range c.Seed {
		if err := s.target().Validate(); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
	}
	return nil
}
