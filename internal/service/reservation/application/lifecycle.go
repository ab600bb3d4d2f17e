package application

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/service/reservation/domain"
)

// transitionFn 在行锁内对实体做状态迁移
type transitionFn func(r *domain.Reservation, now time.Time) error

// transition 锁定单条预占并执行迁移。
// 如果记录已懒过期，先把过期落库并提交，再返回迁移本身的状态错误。
func (s *ReservationService) transition(ctx context.Context, tenantID int64, id uint64, apply transitionFn) (*domain.Reservation, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	now := s.now()

	var updated, lapsed *domain.Reservation
	err := s.store.WithinTx(ctx, tenantID, func(tx domain.Tx) error {
		r, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !r.State.IsTerminal() && r.EffectiveState(now) == domain.StateExpired {
			if err := r.Expire(now); err != nil {
				return err
			}
			lapsed = r
			return tx.SaveTransition(ctx, r)
		}
		if err := apply(r, now); err != nil {
			return err
		}
		updated = r
		return tx.SaveTransition(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	if lapsed != nil {
		s.metrics.transition(domain.StateExpired, 1)
		s.publish(ctx, domain.EventFor(domain.EventExpired, lapsed, now))
		cp := *lapsed
		return nil, apply(&cp, now)
	}
	return updated, nil
}

// ConfirmReservation 标记预占已被来源交易消费，只允许从有效的 active 迁移
func (s *ReservationService) ConfirmReservation(ctx context.Context, tenantID int64, id uint64, actor string) (*domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "app.ConfirmReservation")
	defer span.End()
	span.SetAttributes(attribute.Int64("tenant.id", tenantID), attribute.Int64("reservation.id", int64(id)))

	r, err := s.transition(ctx, tenantID, id, func(r *domain.Reservation, now time.Time) error {
		return r.Confirm(actor, now)
	})
	if err != nil {
		if isFatal(err) {
			logger.Ctx(ctx).Error().Err(err).Uint64("reservation_id", id).Msg("confirm failed")
		}
		return nil, s.fail(span, err)
	}

	s.metrics.transition(domain.StateConfirmed, 1)
	logger.Ctx(ctx).Info().Uint64("reservation_id", id).Str("actor", actor).Msg("reservation confirmed")
	s.publish(ctx, domain.EventFor(domain.EventConfirmed, r, r.UpdatedAt))
	return r, nil
}

// ConfirmReservations 逐条确认，单条失败不影响其他条目，也不回滚已成功的确认
func (s *ReservationService) ConfirmReservations(ctx context.Context, tenantID int64, ids []uint64, actor string) *ConfirmManyResult {
	ctx, span := s.tracer.Start(ctx, "app.ConfirmReservations")
	defer span.End()
	span.SetAttributes(attribute.Int64("tenant.id", tenantID), attribute.Int("reservation.count", len(ids)))

	res := &ConfirmManyResult{
		Confirmed: make([]*domain.Reservation, 0, len(ids)),
		Failed:    []ConfirmFailure{},
	}
	for _, id := range ids {
		r, err := s.ConfirmReservation(ctx, tenantID, id, actor)
		if err != nil {
			res.Failed = append(res.Failed, ConfirmFailure{ID: id, Err: err})
			continue
		}
		res.Confirmed = append(res.Confirmed, r)
	}
	span.SetAttributes(attribute.Int("reservation.failed", len(res.Failed)))
	return res
}

// ReleaseReservation 释放一条有效预占。不是 active 时返回 false 而不是错误，
// 调用方可以把重复释放当作无操作。
func (s *ReservationService) ReleaseReservation(ctx context.Context, tenantID int64, id uint64, reason string) (bool, error) {
	return s.release(ctx, "app.ReleaseReservation", tenantID, id, domain.StateReleased, reason)
}

// CancelReservation 与 Release 规则相同，区别在于终态为 cancelled，表示调用方主动取消
func (s *ReservationService) CancelReservation(ctx context.Context, tenantID int64, id uint64, reason string) (bool, error) {
	return s.release(ctx, "app.CancelReservation", tenantID, id, domain.StateCancelled, reason)
}

func (s *ReservationService) release(ctx context.Context, spanName string, tenantID int64, id uint64, to domain.State, reason string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(attribute.Int64("tenant.id", tenantID), attribute.Int64("reservation.id", int64(id)))

	r, err := s.transition(ctx, tenantID, id, func(r *domain.Reservation, now time.Time) error {
		return r.Release(to, reason, now)
	})
	if errors.Is(err, domain.ErrInvalidState) {
		logger.Ctx(ctx).Debug().Uint64("reservation_id", id).Msg("release skipped: reservation not active")
		return false, nil
	}
	if err != nil {
		if isFatal(err) {
			logger.Ctx(ctx).Error().Err(err).Uint64("reservation_id", id).Msg("release failed")
		}
		return false, s.fail(span, err)
	}

	s.metrics.transition(to, 1)
	logger.Ctx(ctx).Info().Uint64("reservation_id", id).Str("state", string(to)).Str("reason", reason).Msg("reservation released")
	s.publish(ctx, domain.EventFor(releaseEvent(to), r, r.UpdatedAt))
	return true, nil
}

func releaseEvent(to domain.State) domain.EventType {
	if to == domain.StateCancelled {
		return domain.EventCancelled
	}
	return domain.EventReleased
}

// ReleaseByOrigin 释放来源交易下所有仍有效的预占，返回受影响的条数。已确认的不受影响。
func (s *ReservationService) ReleaseByOrigin(ctx context.Context, tenantID int64, originType domain.OriginType, originID int64, reason string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "app.ReleaseByOrigin")
	defer span.End()

	rs, err := s.byOrigin(ctx, tenantID, originType, originID, func(r *domain.Reservation, now time.Time) error {
		return r.Release(domain.StateReleased, reason, now)
	})
	if err != nil {
		return 0, s.fail(span, err)
	}
	span.SetAttributes(attribute.Int("reservation.released", len(rs)))

	s.metrics.transition(domain.StateReleased, len(rs))
	logger.Ctx(ctx).Info().Str("origin", string(originType)).Int64("origin_id", originID).
		Int("count", len(rs)).Str("reason", reason).Msg("reservations released by origin")
	if len(rs) > 0 {
		s.publish(ctx, eventsFor(domain.EventReleased, rs, rs[0].UpdatedAt)...)
	}
	return len(rs), nil
}

// ConfirmByOrigin 在来源交易完成时确认其下所有仍有效的预占
func (s *ReservationService) ConfirmByOrigin(ctx context.Context, tenantID int64, originType domain.OriginType, originID int64, actor string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "app.ConfirmByOrigin")
	defer span.End()

	rs, err := s.byOrigin(ctx, tenantID, originType, originID, func(r *domain.Reservation, now time.Time) error {
		return r.Confirm(actor, now)
	})
	if err != nil {
		return 0, s.fail(span, err)
	}
	span.SetAttributes(attribute.Int("reservation.confirmed", len(rs)))

	s.metrics.transition(domain.StateConfirmed, len(rs))
	logger.Ctx(ctx).Info().Str("origin", string(originType)).Int64("origin_id", originID).
		Int("count", len(rs)).Str("actor", actor).Msg("reservations confirmed by origin")
	if len(rs) > 0 {
		s.publish(ctx, eventsFor(domain.EventConfirmed, rs, rs[0].UpdatedAt)...)
	}
	return len(rs), nil
}

func (s *ReservationService) byOrigin(ctx context.Context, tenantID int64, originType domain.OriginType, originID int64, apply transitionFn) ([]*domain.Reservation, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	if err := (domain.Origin{Type: originType, ID: originID}).Validate(); err != nil {
		return nil, err
	}
	now := s.now()

	var out []*domain.Reservation
	err := s.store.WithinTx(ctx, tenantID, func(tx domain.Tx) error {
		rs, err := tx.ActiveByOriginForUpdate(ctx, originType, originID, now)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, r := range rs {
			if err := apply(r, now); err != nil {
				return err
			}
			if err := tx.SaveTransition(ctx, r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		if isFatal(err) {
			logger.Ctx(ctx).Error().Err(err).Str("origin", string(originType)).Int64("origin_id", originID).Msg("bulk transition failed")
		}
		return nil, err
	}
	return out, nil
}

// ExtendReservation 延长一条有效预占的过期时间。不是 active 时返回 nil，过期时间保持不变。
func (s *ReservationService) ExtendReservation(ctx context.Context, tenantID int64, id uint64, additionalMinutes int) (*domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "app.ExtendReservation")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("tenant.id", tenantID),
		attribute.Int64("reservation.id", int64(id)),
		attribute.Int("reservation.additional_minutes", additionalMinutes),
	)

	if additionalMinutes <= 0 {
		return nil, s.fail(span, &domain.ValidationError{Field: "additionalMinutes", Err: domain.ErrInvalidMinutes})
	}

	r, err := s.transition(ctx, tenantID, id, func(r *domain.Reservation, now time.Time) error {
		return r.Extend(additionalMinutes, now)
	})
	if errors.Is(err, domain.ErrInvalidState) {
		return nil, nil
	}
	if err != nil {
		if isFatal(err) {
			logger.Ctx(ctx).Error().Err(err).Uint64("reservation_id", id).Msg("extend failed")
		}
		return nil, s.fail(span, err)
	}

	logger.Ctx(ctx).Info().Uint64("reservation_id", id).Time("expires_at", r.ExpiresAt).Msg("reservation extended")
	s.publish(ctx, domain.EventFor(domain.EventExtended, r, r.UpdatedAt))
	return r, nil
}
