// internal/service/reservation/domain/reservation.go
package domain

import (
	"time"
)

// DefaultMinutes 是未指定时的预占有效期
const DefaultMinutes = 15

// Reservation 是预占聚合的根实体
type Reservation struct {
	ID        uint64
	TenantID  int64
	ProductID *int64
	VariantID *int64
	BranchID  *int64
	Quantity  int64

	OriginType OriginType
	OriginID   int64
	OriginRef  string

	State     State
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time

	ConfirmedAt *time.Time
	ConfirmedBy string

	ReleasedAt    *time.Time
	ReleaseReason string
}

// NewReservation 是创建预占实体的工厂函数，只在分配器确认库存充足后调用
func NewReservation(tenantID int64, target Target, branch *int64, quantity int64, origin Origin, minutes int, now time.Time) (*Reservation, error) {
	if tenantID <= 0 {
		return nil, &ValidationError{Field: "tenantId", Err: ErrInvalidTenant}
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, &ValidationError{Field: "quantity", Err: ErrInvalidQuantity}
	}
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	if minutes <= 0 {
		return nil, &ValidationError{Field: "minutes", Err: ErrInvalidMinutes}
	}

	return &Reservation{
		TenantID:   tenantID,
		ProductID:  target.ProductID,
		VariantID:  target.VariantID,
		BranchID:   branch,
		Quantity:   quantity,
		OriginType: origin.Type,
		OriginID:   origin.ID,
		OriginRef:  origin.Ref,
		State:      StateActive,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(minutes) * time.Minute),
		UpdatedAt:  now,
	}, nil
}

func (r *Reservation) Target() Target {
	return Target{ProductID: r.ProductID, VariantID: r.VariantID}
}

func (r *Reservation) Origin() Origin {
	return Origin{Type: r.OriginType, ID: r.OriginID, Ref: r.OriginRef}
}

func (r *Reservation) StockKey() StockKey {
	return NewStockKey(r.Target(), r.BranchID)
}

// IsActiveAt 判断在 now 时刻该预占是否仍计入占用量。
// 存储状态还是 active 但已过期的记录视同已过期。
func (r *Reservation) IsActiveAt(now time.Time) bool {
	return r.State == StateActive && r.ExpiresAt.After(now)
}

// EffectiveState 返回 now 时刻的业务状态，懒过期在这里体现
func (r *Reservation) EffectiveState(now time.Time) State {
	if r.State == StateActive && !r.ExpiresAt.After(now) {
		return StateExpired
	}
	return r.State
}

// Confirm 标记为已被来源交易消费，只能从有效的 active 状态流转
func (r *Reservation) Confirm(actor string, now time.Time) error {
	if !r.IsActiveAt(now) {
		return ErrNotConfirmable
	}
	r.State = StateConfirmed
	r.ConfirmedAt = &now
	r.ConfirmedBy = actor
	r.UpdatedAt = now
	return nil
}

// Release 释放预占，to 只能是 released 或 cancelled。
// 已确认的预占视为已消费，不允许再释放。
func (r *Reservation) Release(to State, reason string, now time.Time) error {
	if to != StateReleased && to != StateCancelled {
		return ErrInvalidState
	}
	if !r.IsActiveAt(now) {
		return ErrInvalidState
	}
	r.State = to
	r.ReleasedAt = &now
	r.ReleaseReason = reason
	r.UpdatedAt = now
	return nil
}

// Extend 延长有效期，过期时间的唯一修改入口
func (r *Reservation) Extend(additionalMinutes int, now time.Time) error {
	if additionalMinutes <= 0 {
		return &ValidationError{Field: "additionalMinutes", Err: ErrInvalidMinutes}
	}
	if !r.IsActiveAt(now) {
		return ErrInvalidState
	}
	r.ExpiresAt = r.ExpiresAt.Add(time.Duration(additionalMinutes) * time.Minute)
	r.UpdatedAt = now
	return nil
}

// Expire 由过期清理任务调用，把懒过期落到存储状态上
func (r *Reservation) Expire(now time.Time) error {
	if r.State.IsTerminal() || r.ExpiresAt.After(now) {
		return ErrInvalidState
	}
	r.State = StateExpired
	r.UpdatedAt = now
	return nil
}
