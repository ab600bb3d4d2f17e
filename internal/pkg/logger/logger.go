// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Config 是日志配置
type Config struct {
	Level   string `yaml:"level"`
	Pretty  bool   `yaml:"pretty"`
	Service string `yaml:"-"`
}

var base = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init 初始化全局 logger，服务启动时调用一次
func Init(cfg Config) {
	var w io.Writer = os.Stdout
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}
	}
	base = New(w, cfg.Level, cfg.Service)
}

// New 创建一个独立的 logger，测试中可以传入 bytes.Buffer
func New(w io.Writer, level, service string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	ctx := zerolog.New(w).Level(lvl).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	return ctx.Logger()
}

// SetBase 替换全局 logger
func SetBase(l zerolog.Logger) {
	base = l
}

// Ctx 返回带有链路信息的 logger。
// ctx 中有 span 时附加 trace_id / span_id，方便在 Jaeger 与日志之间跳转。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := base
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			l = l.With().
				Str("trace_id", sc.TraceID().String()).
				Str("span_id", sc.SpanID().String()).
				Logger()
		}
	}
	return &l
}
