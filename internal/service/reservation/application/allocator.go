package application

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/service/reservation/domain"
)

// CreateReservation 在库存行锁内重新计算可用量，足够时插入一条 active 预占。
// 锁冲突按配置重试；库存不足返回 *domain.InsufficientStockError，不重试。
func (s *ReservationService) CreateReservation(ctx context.Context, req *CreateReservationRequest) (*AllocationResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.CreateReservation")
	defer span.End()
	started := time.Now()

	if err := req.validate(); err != nil {
		s.metrics.observeAllocation("single", started, err)
		return nil, s.fail(span, err)
	}

	key := domain.NewStockKey(req.Target, req.BranchID)
	minutes := s.minutesFor(req.TenantID, req.Origin, req.Quantity, req.BranchID != nil, req.Minutes)
	span.SetAttributes(
		attribute.Int64("tenant.id", req.TenantID),
		attribute.String("stock.key", key.String()),
		attribute.Int64("reservation.quantity", req.Quantity),
		attribute.String("origin.type", string(req.Origin.Type)),
		attribute.Int64("origin.id", req.Origin.ID),
		attribute.Int("reservation.minutes", minutes),
	)

	var result *AllocationResult
	err := s.withRetry(ctx, "create", func() error {
		return s.withGuard(ctx, req.TenantID, []domain.StockKey{key}, func() error {
			now := s.now()
			return s.store.WithinTx(ctx, req.TenantID, func(tx domain.Tx) error {
				r, available, err := s.allocateInTx(ctx, tx, req.TenantID, req.Target, req.BranchID, req.Quantity, req.Origin, minutes, now)
				if err != nil {
					return err
				}
				result = &AllocationResult{
					Reservation:     r,
					AvailableBefore: available,
					AvailableAfter:  available - req.Quantity,
				}
				return nil
			})
		})
	})
	s.metrics.observeAllocation("single", started, err)

	log := logger.Ctx(ctx).With().
		Int64("tenant_id", req.TenantID).
		Str("stock_key", key.String()).
		Int64("requested", req.Quantity).
		Str("origin", string(req.Origin.Type)).
		Int64("origin_id", req.Origin.ID).
		Logger()

	if err != nil {
		var insufficient *domain.InsufficientStockError
		switch {
		case errors.As(err, &insufficient):
			log.Info().Int64("available", insufficient.Available).Msg("reservation rejected: insufficient stock")
		case errors.Is(err, domain.ErrLockContended):
			log.Warn().Err(err).Msg("reservation rejected: stock row contended")
		case isFatal(err):
			log.Error().Err(err).Msg("reservation failed")
		}
		return nil, s.fail(span, err)
	}

	s.metrics.transition(domain.StateActive, 1)
	log.Info().
		Uint64("reservation_id", result.Reservation.ID).
		Int64("available_before", result.AvailableBefore).
		Int64("available_after", result.AvailableAfter).
		Time("expires_at", result.Reservation.ExpiresAt).
		Msg("reservation allocated")
	s.publish(ctx, domain.EventFor(domain.EventCreated, result.Reservation, result.Reservation.CreatedAt))
	return result, nil
}

// allocateInTx 是单行分配的核心步骤，批量分配逐行复用。
// 返回值中的 available 是加锁后、插入前的可用量。
func (s *ReservationService) allocateInTx(ctx context.Context, tx domain.Tx, tenantID int64, target domain.Target, branch *int64,
	quantity int64, origin domain.Origin, minutes int, now time.Time) (*domain.Reservation, int64, error) {

	key := domain.NewStockKey(target, branch)
	onHand, err := tx.LockStock(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	reserved, err := tx.ReservedQuantity(ctx, key, now)
	if err != nil {
		return nil, 0, err
	}

	available := onHand - reserved
	if quantity > available {
		return nil, available, &domain.InsufficientStockError{
			Target:    target,
			BranchID:  branch,
			Requested: quantity,
			Available: available,
		}
	}

	r, err := domain.NewReservation(tenantID, target, branch, quantity, origin, minutes, now)
	if err != nil {
		return nil, available, err
	}
	if err := tx.Insert(ctx, r); err != nil {
		return nil, available, err
	}
	return r, available, nil
}
