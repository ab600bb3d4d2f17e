// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/pkg/nacos"
	"stockhold/internal/pkg/tracing"
)

type AppCtx struct {
	Mux   *http.ServeMux
	Nacos *nacos.Client
}

// Worker 是随服务一起启动的后台循环，ctx 结束时应当返回
type Worker func(ctx context.Context) error

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	Config           InfraConfig
	RegisterHandlers func(appCtx AppCtx) // 一个函数，允许每个服务注册自己独特的 HTTP 路由
	Workers          []Worker
	// OnShutdown 在 HTTP 服务与后台循环都停止后调用，用来关闭连接池、writer 等
	OnShutdown []func(ctx context.Context) error
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑，阻塞直到收到退出信号。
func StartService(info AppInfo) error {
	cfg := info.Config
	logger.Init(cfg.Log)
	log := logger.Ctx(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(cfg.Service.Name, cfg.Tracing)
	if err != nil {
		return err
	}

	// 2. 服务注册是可选的
	var (
		namingClient *nacos.Client
		ip           string
	)
	if cfg.Nacos.Enabled() {
		if namingClient, err = nacos.NewNacosClient(cfg.Nacos); err != nil {
			return err
		}
		if ip, err = outboundIP(); err != nil {
			return err
		}
		if err := namingClient.RegisterServiceInstance(cfg.Service.Name, ip, cfg.Service.Port); err != nil {
			return err
		}
	}

	// 3. HTTP Server 与后台循环
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Nacos: namingClient})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(cfg.Service.Port), Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("service", cfg.Service.Name).Int("port", cfg.Service.Port).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	for _, w := range info.Workers {
		g.Go(func() error { return w(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("service", cfg.Service.Name).Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	runErr := g.Wait()

	// 4. 按后进先出的顺序清理
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()

	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(cfg.Service.Name, ip, cfg.Service.Port); err != nil {
			log.Error().Err(err).Msg("deregister from nacos failed")
		}
	}
	for i := len(info.OnShutdown) - 1; i >= 0; i-- {
		if err := info.OnShutdown[i](shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown hook failed")
		}
	}
	// 关闭 Tracer Provider，确保所有缓冲的 trace 都被发送出去
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracer provider shutdown failed")
	}

	if runErr != nil {
		log.Error().Err(runErr).Str("service", cfg.Service.Name).Msg("service stopped with error")
		return runErr
	}
	log.Info().Str("service", cfg.Service.Name).Msg("service gracefully shut down")
	return nil
}

// outboundIP 返回访问外网时使用的本机地址，用于服务注册
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
