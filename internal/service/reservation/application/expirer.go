package application

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/service/reservation/domain"
)

// SweepExpired 把所有已到期但仍为 active 的记录落为 expired，返回处理条数。
// 只影响存储状态和报表，可用量计算本来就不再计入这些记录。
func (s *ReservationService) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "app.SweepExpired")
	defer span.End()

	now := s.now()
	total := 0
	for {
		batch, err := s.store.ExpireDue(ctx, now, s.cfg.SweepBatch)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Int("expired_so_far", total).Msg("expiration sweep failed")
			return total, s.fail(span, err)
		}
		total += len(batch)
		s.metrics.sweptExpired(len(batch))
		s.metrics.transition(domain.StateExpired, len(batch))
		s.publish(ctx, eventsFor(domain.EventExpired, batch, now)...)
		if len(batch) < s.cfg.SweepBatch {
			break
		}
	}

	span.SetAttributes(attribute.Int("reservation.expired", total))
	if total > 0 {
		logger.Ctx(ctx).Info().Int("count", total).Msg("expired reservations swept")
	}
	return total, nil
}

// Expirer 按固定间隔调用 SweepExpired
type Expirer struct {
	svc      *ReservationService
	interval time.Duration
}

func NewExpirer(svc *ReservationService) *Expirer {
	return &Expirer{svc: svc, interval: svc.cfg.SweepInterval}
}

// Run 阻塞直到 ctx 结束
func (e *Expirer) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Dur("interval", e.interval).Msg("expirer started")
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// 单轮失败不退出，下一轮再试
			_, _ = e.svc.SweepExpired(ctx)
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("expirer stopped")
			return nil
		}
	}
}
