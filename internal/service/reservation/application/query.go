package application

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stockhold/internal/service/reservation/domain"
)

// GetAvailability 返回 on_hand 减去有效预占后的可用量，不加锁，结果可能为负
func (s *ReservationService) GetAvailability(ctx context.Context, tenantID int64, target domain.Target, branch *int64) (int64, error) {
	info, err := s.GetStockInfo(ctx, tenantID, target, branch)
	if err != nil {
		return 0, err
	}
	return info.Available, nil
}

// GetStockInfo 返回在手量、预占量、可用量与有效预占条数
func (s *ReservationService) GetStockInfo(ctx context.Context, tenantID int64, target domain.Target, branch *int64) (*StockInfo, error) {
	ctx, span := s.tracer.Start(ctx, "app.GetStockInfo")
	defer span.End()

	if err := validateRead(tenantID, target, branch); err != nil {
		return nil, s.fail(span, err)
	}
	key := domain.NewStockKey(target, branch)
	span.SetAttributes(attribute.Int64("tenant.id", tenantID), attribute.String("stock.key", key.String()))

	level, err := s.store.StockLevel(ctx, tenantID, key, s.now())
	if err != nil {
		return nil, s.fail(span, err)
	}
	return &StockInfo{Target: target, BranchID: branch, StockLevel: level}, nil
}

// GetAvailabilityBatch 一次查询多个口径，存储层只做固定次数的分组查询
func (s *ReservationService) GetAvailabilityBatch(ctx context.Context, tenantID int64, keys []domain.StockKey) (map[domain.StockKey]domain.StockLevel, error) {
	ctx, span := s.tracer.Start(ctx, "app.GetAvailabilityBatch")
	defer span.End()
	span.SetAttributes(attribute.Int64("tenant.id", tenantID), attribute.Int("stock.keys", len(keys)))

	if err := validateTenant(tenantID); err != nil {
		return nil, s.fail(span, err)
	}
	for _, k := range keys {
		if err := validateRead(tenantID, k.Target(), k.Branch()); err != nil {
			return nil, s.fail(span, err)
		}
	}
	levels, err := s.store.StockLevels(ctx, tenantID, keys, s.now())
	if err != nil {
		return nil, s.fail(span, err)
	}
	return levels, nil
}

// CheckSufficiency 判断当前可用量能否满足 quantity
func (s *ReservationService) CheckSufficiency(ctx context.Context, tenantID int64, target domain.Target, quantity int64, branch *int64) (*Sufficiency, error) {
	if quantity <= 0 {
		return nil, &domain.ValidationError{Field: "quantity", Err: domain.ErrInvalidQuantity}
	}
	available, err := s.GetAvailability(ctx, tenantID, target, branch)
	if err != nil {
		return nil, err
	}
	res := &Sufficiency{Requested: quantity, Available: available, Sufficient: quantity <= available}
	if !res.Sufficient {
		res.Shortfall = (&domain.InsufficientStockError{Requested: quantity, Available: available}).Shortfall()
	}
	return res, nil
}

func validateRead(tenantID int64, target domain.Target, branch *int64) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}
	if err := target.Validate(); err != nil {
		return err
	}
	return validateBranch(branch)
}

// GetReservation 返回单条预占，状态为当前时刻的业务状态
func (s *ReservationService) GetReservation(ctx context.Context, tenantID int64, id uint64) (*domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "app.GetReservation")
	defer span.End()

	if err := validateTenant(tenantID); err != nil {
		return nil, s.fail(span, err)
	}
	r, err := s.store.FindByID(ctx, tenantID, id)
	if err != nil {
		return nil, s.fail(span, err)
	}
	present(s.now(), r)
	return r, nil
}

// ListReservations 分页查询。state=active 只返回未过期的记录，state=expired 包含懒过期的记录。
func (s *ReservationService) ListReservations(ctx context.Context, tenantID int64, filter domain.ListFilter) (*ListResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.ListReservations")
	defer span.End()

	if err := validateTenant(tenantID); err != nil {
		return nil, s.fail(span, err)
	}
	if filter.State != nil && !filter.State.Valid() {
		return nil, s.fail(span, &domain.ValidationError{Field: "state", Err: domain.ErrInvalidState, Detail: "unknown state " + string(*filter.State)})
	}
	if filter.Target != nil {
		if err := filter.Target.Validate(); err != nil {
			return nil, s.fail(span, err)
		}
	}
	filter = filter.Normalize()

	now := s.now()
	items, total, err := s.store.List(ctx, tenantID, filter, now)
	if err != nil {
		return nil, s.fail(span, err)
	}
	present(now, items...)
	span.SetAttributes(attribute.Int64("reservation.total", total))
	return &ListResult{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// SummarizeActive 按来源类型汇总有效预占
func (s *ReservationService) SummarizeActive(ctx context.Context, tenantID int64) ([]domain.OriginSummary, error) {
	ctx, span := s.tracer.Start(ctx, "app.SummarizeActive")
	defer span.End()

	if err := validateTenant(tenantID); err != nil {
		return nil, s.fail(span, err)
	}
	out, err := s.store.SummarizeActive(ctx, tenantID, s.now())
	if err != nil {
		return nil, s.fail(span, err)
	}
	return out, nil
}

// present 把懒过期体现在返回给调用方的状态上
func present(now time.Time, rs ...*domain.Reservation) {
	for _, r := range rs {
		r.State = r.EffectiveState(now)
	}
}
