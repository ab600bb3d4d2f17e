package application

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/service/reservation/domain"
)

// CreateReservationBatch 在一个事务里分配多行，要么全部成功要么全部回滚。
// 所有库存不足的行都会汇总进 *domain.BatchAllocationError，而不是只报第一行。
// 行按库存口径排序后依次加锁，返回结果保持请求中的顺序。
func (s *ReservationService) CreateReservationBatch(ctx context.Context, req *CreateBatchRequest) ([]*domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "app.CreateReservationBatch")
	defer span.End()
	started := time.Now()

	if err := req.validate(); err != nil {
		s.metrics.observeAllocation("batch", started, err)
		return nil, s.fail(span, err)
	}

	keys := make([]domain.StockKey, len(req.Items))
	for i, it := range req.Items {
		keys[i] = domain.NewStockKey(it.Target, req.BranchID)
	}
	order := lockOrder(keys)

	span.SetAttributes(
		attribute.Int64("tenant.id", req.TenantID),
		attribute.Int("batch.lines", len(req.Items)),
		attribute.String("origin.type", string(req.Origin.Type)),
		attribute.Int64("origin.id", req.Origin.ID),
	)

	var out []*domain.Reservation
	err := s.withRetry(ctx, "create_batch", func() error {
		return s.withGuard(ctx, req.TenantID, keys, func() error {
			now := s.now()
			return s.store.WithinTx(ctx, req.TenantID, func(tx domain.Tx) error {
				created := make([]*domain.Reservation, len(req.Items))
				var failed []domain.BatchLineError
				for _, i := range order {
					it := req.Items[i]
					minutes := s.minutesFor(req.TenantID, req.Origin, it.Quantity, req.BranchID != nil, req.Minutes)
					r, _, err := s.allocateInTx(ctx, tx, req.TenantID, it.Target, req.BranchID, it.Quantity, req.Origin, minutes, now)

					var insufficient *domain.InsufficientStockError
					switch {
					case err == nil:
						created[i] = r
					case errors.As(err, &insufficient):
						failed = append(failed, domain.BatchLineError{
							Index:     i,
							Target:    it.Target,
							Requested: it.Quantity,
							Available: insufficient.Available,
							Reason:    "insufficient stock",
						})
					default:
						return err
					}
				}
				if len(failed) > 0 {
					sort.Slice(failed, func(a, b int) bool { return failed[a].Index < failed[b].Index })
					return &domain.BatchAllocationError{Lines: failed}
				}
				out = created
				return nil
			})
		})
	})
	s.metrics.observeAllocation("batch", started, err)

	if err != nil {
		var batchErr *domain.BatchAllocationError
		switch {
		case errors.As(err, &batchErr):
			logger.Ctx(ctx).Info().Int64("tenant_id", req.TenantID).Int("lines", len(req.Items)).
				Int("failed_lines", len(batchErr.Lines)).Msg("batch reservation rolled back")
		case isFatal(err):
			logger.Ctx(ctx).Error().Err(err).Int64("tenant_id", req.TenantID).Msg("batch reservation failed")
		}
		return nil, s.fail(span, err)
	}

	s.metrics.transition(domain.StateActive, len(out))
	logger.Ctx(ctx).Info().Int64("tenant_id", req.TenantID).Int("lines", len(out)).
		Str("origin", string(req.Origin.Type)).Int64("origin_id", req.Origin.ID).Msg("batch reservation allocated")
	if len(out) > 0 {
		s.publish(ctx, eventsFor(domain.EventCreated, out, out[0].CreatedAt)...)
	}
	return out, nil
}

// lockOrder 返回按库存口径排序后的行下标，所有批量请求以相同顺序加锁
func lockOrder(keys []domain.StockKey) []int {
	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ka, kb := keys[order[a]], keys[order[b]]
		if ka.Variant != kb.Variant {
			return !ka.Variant
		}
		if ka.TargetID != kb.TargetID {
			return ka.TargetID < kb.TargetID
		}
		return ka.BranchID < kb.BranchID
	})
	return order
}
