// internal/pkg/nacos/client.go
package nacos

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"

	"stockhold/internal/pkg/logger"
)

// Config 是服务注册配置，ServerAddrs 为空表示不注册
type Config struct {
	ServerAddrs string `yaml:"server_addrs"` // "ip1:port1,ip2:port2"
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
}

func (c Config) Enabled() bool { return c.ServerAddrs != "" }

// Client 封装了 Nacos 命名客户端
type Client struct {
	namingClient naming_client.INamingClient

	namespaceId string
	groupName   string
}

// ParseServerAddrs 解析 "ip1:port1,ip2:port2" 格式的地址列表
func ParseServerAddrs(addrs string) ([]constant.ServerConfig, error) {
	var serverConfigs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		parts := strings.Split(addr, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid nacos address format: %s", addr)
		}
		port, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid port in nacos address: %s", parts[1])
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(parts[0], port))
	}
	if len(serverConfigs) == 0 {
		return nil, fmt.Errorf("no nacos address in %q", addrs)
	}
	return serverConfigs, nil
}

// NewNacosClient 创建并返回一个新的 Nacos 客户端
func NewNacosClient(cfg Config) (*Client, error) {
	log := logger.Ctx(context.Background())
	if cfg.Namespace == "" {
		log.Warn().Msg("nacos namespace is not set, using default public namespace")
	}
	if cfg.Group == "" {
		cfg.Group = "DEFAULT_GROUP" // Nacos 默认分组
	}

	serverConfigs, err := ParseServerAddrs(cfg.ServerAddrs)
	if err != nil {
		return nil, err
	}

	clientConfig := *constant.NewClientConfig(
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
		constant.WithNamespaceId(cfg.Namespace),
	)

	namingClient, err := clients.NewNamingClient(
		vo.NacosClientParam{
			ClientConfig:  &clientConfig,
			ServerConfigs: serverConfigs,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nacos naming client: %w", err)
	}

	log.Info().Str("servers", cfg.ServerAddrs).Str("group", cfg.Group).Msg("connected to nacos")
	return &Client{
		namingClient: namingClient,
		namespaceId:  cfg.Namespace,
		groupName:    cfg.Group,
	}, nil
}

// RegisterServiceInstance 注册一个服务实例到 Nacos
func (c *Client) RegisterServiceInstance(serviceName, ip string, port int) error {
	success, err := c.namingClient.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		ServiceName: serviceName,
		Weight:      10,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true, // 临时节点，心跳断开后会自动摘除
		GroupName:   c.groupName,
	})
	if err != nil {
		return fmt.Errorf("failed to register service with nacos: %w", err)
	}
	if !success {
		return fmt.Errorf("nacos registration was not successful for service: %s", serviceName)
	}
	logger.Ctx(context.Background()).Info().Str("service", serviceName).Str("ip", ip).Int("port", port).Msg("registered to nacos")
	return nil
}

// DeregisterServiceInstance 从 Nacos 注销一个服务实例
func (c *Client) DeregisterServiceInstance(serviceName, ip string, port int) error {
	_, err := c.namingClient.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		ServiceName: serviceName,
		Ephemeral:   true,
		GroupName:   c.groupName,
	})
	if err != nil {
		return fmt.Errorf("failed to deregister service with nacos: %w", err)
	}
	logger.Ctx(context.Background()).Info().Str("service", serviceName).Msg("deregistered from nacos")
	return nil
}
