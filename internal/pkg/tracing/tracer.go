// internal/pkg/tracing/tracer.go
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"stockhold/internal/pkg/logger"
)

// Config 是链路追踪配置
type Config struct {
	JaegerEndpoint string  `yaml:"jaeger_endpoint"`
	SampleRatio    float64 `yaml:"sample_ratio"`
}

// InitTracerProvider 初始化并注册全局 TracerProvider。
// 没有配置 Jaeger 地址时只创建本地 provider，span 不会导出。
func InitTracerProvider(serviceName string, cfg Config) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	}

	if cfg.JaegerEndpoint != "" {
		// 创建 Jaeger Exporter，用于将 Span 数据发送到 Jaeger
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	// 设置全局的 TextMapPropagator，用于在服务间传递上下文
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Ctx(context.Background()).Info().
		Str("service", serviceName).
		Str("endpoint", cfg.JaegerEndpoint).
		Msg("Tracing initialized")
	return tp, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
