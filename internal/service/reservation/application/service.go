package application

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockhold/internal/pkg/lock"
	"stockhold/internal/pkg/logger"
	"stockhold/internal/service/reservation/domain"
	"stockhold/internal/service/reservation/domain/port"
)

// Config 是预占引擎的运行参数
type Config struct {
	DefaultMinutes int           `yaml:"default_minutes"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SweepBatch     int           `yaml:"sweep_batch"`
	// ExpirationExpr 是按来源计算默认有效期的 CEL 表达式，为空时使用 DefaultMinutes
	ExpirationExpr string `yaml:"expiration_expr"`
}

func (c Config) withDefaults() Config {
	if c.DefaultMinutes <= 0 {
		c.DefaultMinutes = domain.DefaultMinutes
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 20 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 500
	}
	return c
}

// ReservationService 定义了预占引擎提供的所有业务用例
type ReservationService struct {
	store     domain.Store
	guard     port.KeyLocker
	publisher port.EventPublisher
	policy    port.ExpirationPolicy
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
	cfg       Config
}

type Option func(*ReservationService)

// WithGuard 在进入数据库事务前先按 (租户, 目标) 做一次跨进程的准入互斥
func WithGuard(l port.KeyLocker) Option {
	return func(s *ReservationService) { s.guard = l }
}

func WithPublisher(p port.EventPublisher) Option {
	return func(s *ReservationService) { s.publisher = p }
}

func WithPolicy(p port.ExpirationPolicy) Option {
	return func(s *ReservationService) { s.policy = p }
}

func WithMetrics(m *Metrics) Option {
	return func(s *ReservationService) { s.metrics = m }
}

// WithClock 替换时钟，测试里用来推进时间
func WithClock(now func() time.Time) Option {
	return func(s *ReservationService) { s.now = now }
}

// NewReservationService 创建一个新的预占服务实例
func NewReservationService(store domain.Store, tracer trace.Tracer, cfg Config, opts ...Option) *ReservationService {
	s := &ReservationService{
		store:  store,
		tracer: tracer,
		now:    func() time.Time { return time.Now().UTC() },
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config 返回补齐默认值后的配置
func (s *ReservationService) Config() Config { return s.cfg }

// fail 记录 span 错误。预期内的业务结果不标记为 span 失败。
func (s *ReservationService) fail(span trace.Span, err error) error {
	if err == nil {
		return nil
	}
	span.RecordError(err)
	if isFatal(err) {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// isFatal 判断错误是否为存储层等不可预期的错误
func isFatal(err error) bool {
	return !(domain.IsValidation(err) ||
		errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidState) ||
		errors.Is(err, domain.ErrLockContended) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded))
}

// minutesFor 请求里显式给出的有效期优先于策略
func (s *ReservationService) minutesFor(tenantID int64, origin domain.Origin, quantity int64, branchScoped bool, requested int) int {
	if requested > 0 {
		return requested
	}
	if s.policy != nil {
		if m := s.policy.DefaultMinutes(tenantID, origin, quantity, branchScoped); m > 0 {
			return m
		}
	}
	return s.cfg.DefaultMinutes
}

// withRetry 对锁冲突做有限次数的退避重试，其他错误原样返回
func (s *ReservationService) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, domain.ErrLockContended) {
			return err
		}
		s.metrics.contended(op)
		if attempt == s.cfg.MaxAttempts {
			break
		}
		wait := backoff(s.cfg.RetryBackoff, attempt)
		logger.Ctx(ctx).Debug().Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("stock row contended, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// backoff 线性增长并带 50% 抖动
func backoff(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(attempt)
	return d/2 + time.Duration(rand.Int64N(int64(d/2)+1))
}

// withGuard 按固定顺序获取所有目标的准入锁，任何一个被占用都立即放弃
func (s *ReservationService) withGuard(ctx context.Context, tenantID int64, keys []domain.StockKey, fn func() error) error {
	if s.guard == nil {
		return fn()
	}
	names := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		name := k.LockKey(tenantID)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)

	unlocks := make([]func(), 0, len(names))
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()
	for _, name := range names {
		unlock, err := s.guard.TryLock(ctx, name)
		if err != nil {
			if errors.Is(err, lock.ErrContended) {
				return fmt.Errorf("%w: %v", domain.ErrLockContended, err)
			}
			return fmt.Errorf("acquire guard %s: %w", name, err)
		}
		unlocks = append(unlocks, unlock)
	}
	return fn()
}

// publish 在事务提交后发布事件，失败只记录日志
func (s *ReservationService) publish(ctx context.Context, events ...domain.ReservationEvent) {
	if s.publisher == nil || len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Int("count", len(events)).Str("type", string(events[0].Type)).Msg("failed to publish reservation events")
	}
}

func eventsFor(t domain.EventType, rs []*domain.Reservation, at time.Time) []domain.ReservationEvent {
	out := make([]domain.ReservationEvent, 0, len(rs))
	for _, r := range rs {
		out = append(out, domain.EventFor(t, r, at))
	}
	return out
}
