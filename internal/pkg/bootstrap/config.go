package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/pkg/nacos"
	"stockhold/internal/pkg/tracing"
)

// ServiceConfig 是服务自身的监听配置
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// InfraConfig 是所有服务共用的配置段，服务自己的配置通过 `yaml:",inline"` 嵌入它
type InfraConfig struct {
	Service ServiceConfig  `yaml:"service"`
	Log     logger.Config  `yaml:"log"`
	Tracing tracing.Config `yaml:"tracing"`
	Nacos   nacos.Config   `yaml:"nacos"`
}

// ApplyEnv 用环境变量覆盖文件中的基础设施配置
func (c *InfraConfig) ApplyEnv() {
	c.Service.Name = GetEnv("SERVICE_NAME", c.Service.Name)
	c.Service.Port = GetEnvInt("PORT", c.Service.Port)
	c.Log.Level = GetEnv("LOG_LEVEL", c.Log.Level)
	c.Tracing.JaegerEndpoint = GetEnv("JAEGER_ENDPOINT", c.Tracing.JaegerEndpoint)
	c.Nacos.ServerAddrs = GetEnv("NACOS_SERVER_ADDRS", c.Nacos.ServerAddrs)
	c.Nacos.Namespace = GetEnv("NACOS_NAMESPACE", c.Nacos.Namespace)
	c.Nacos.Group = GetEnv("NACOS_GROUP", c.Nacos.Group)

	if c.Service.Port == 0 {
		c.Service.Port = 8080
	}
	if c.Service.ShutdownTimeout <= 0 {
		c.Service.ShutdownTimeout = 10 * time.Second
	}
	c.Log.Service = c.Service.Name
}

// LoadConfig 读取 YAML 配置文件到 out。
// path 为空时读取 CONFIG_PATH；两者都为空则保留 out 的默认值。
func LoadConfig(path string, out any) error {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// GetEnv 从环境变量中读取配置，未设置时返回 fallback
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
