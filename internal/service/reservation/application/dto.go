package application

import (
	"errors"
	"fmt"

	"stockhold/internal/service/reservation/domain"
)

// CreateReservationRequest 是单条预占请求。Minutes 为 0 表示使用有效期策略的默认值。
type CreateReservationRequest struct {
	TenantID int64         `json:"-"`
	Target   domain.Target `json:"target"`
	BranchID *int64        `json:"branchId,omitempty"`
	Quantity int64         `json:"quantity"`
	Origin   domain.Origin `json:"origin"`
	Minutes  int           `json:"minutes,omitempty"`
}

func (r *CreateReservationRequest) validate() error {
	if r.TenantID <= 0 {
		return &domain.ValidationError{Field: "tenantId", Err: domain.ErrInvalidTenant}
	}
	if err := r.Target.Validate(); err != nil {
		return err
	}
	if r.Quantity <= 0 {
		return &domain.ValidationError{Field: "quantity", Err: domain.ErrInvalidQuantity}
	}
	if err := validateBranch(r.BranchID); err != nil {
		return err
	}
	if err := r.Origin.Validate(); err != nil {
		return err
	}
	if r.Minutes < 0 {
		return &domain.ValidationError{Field: "minutes", Err: domain.ErrInvalidMinutes}
	}
	return nil
}

// BatchItem 是批量预占中的一行
type BatchItem struct {
	Target   domain.Target `json:"target"`
	Quantity int64         `json:"quantity"`
}

// CreateBatchRequest 的所有行共享同一个来源、门店与有效期
type CreateBatchRequest struct {
	TenantID int64         `json:"-"`
	Items    []BatchItem   `json:"items"`
	Origin   domain.Origin `json:"origin"`
	BranchID *int64        `json:"branchId,omitempty"`
	Minutes  int           `json:"minutes,omitempty"`
}

func (r *CreateBatchRequest) validate() error {
	if r.TenantID <= 0 {
		return &domain.ValidationError{Field: "tenantId", Err: domain.ErrInvalidTenant}
	}
	if len(r.Items) == 0 {
		return &domain.ValidationError{Field: "items", Err: domain.ErrInvalidQuantity, Detail: "at least one item is required"}
	}
	for i, it := range r.Items {
		if err := it.Target.Validate(); err != nil {
			var v *domain.ValidationError
			if errors.As(err, &v) {
				return &domain.ValidationError{Field: fmt.Sprintf("items[%d].%s", i, v.Field), Err: v.Err, Detail: v.Detail}
			}
			return err
		}
		if it.Quantity <= 0 {
			return &domain.ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Err: domain.ErrInvalidQuantity}
		}
	}
	if err := validateBranch(r.BranchID); err != nil {
		return err
	}
	if err := r.Origin.Validate(); err != nil {
		return err
	}
	if r.Minutes < 0 {
		return &domain.ValidationError{Field: "minutes", Err: domain.ErrInvalidMinutes}
	}
	return nil
}

func validateBranch(branch *int64) error {
	if branch != nil && *branch <= 0 {
		return &domain.ValidationError{Field: "branchId", Err: domain.ErrInvalidTarget, Detail: "must be positive"}
	}
	return nil
}

func validateTenant(tenantID int64) error {
	if tenantID <= 0 {
		return &domain.ValidationError{Field: "tenantId", Err: domain.ErrInvalidTenant}
	}
	return nil
}

// AllocationResult 返回新建的预占以及分配前后的可用量
type AllocationResult struct {
	Reservation     *domain.Reservation `json:"reservation"`
	AvailableBefore int64               `json:"availableBefore"`
	AvailableAfter  int64               `json:"availableAfter"`
}

// StockInfo 是 getStockInfo 的返回
type StockInfo struct {
	Target   domain.Target `json:"target"`
	BranchID *int64        `json:"branchId,omitempty"`
	domain.StockLevel
}

// Sufficiency 是 checkSufficiency 的返回
type Sufficiency struct {
	Requested  int64 `json:"requested"`
	Available  int64 `json:"available"`
	Sufficient bool  `json:"sufficient"`
	Shortfall  int64 `json:"shortfall"`
}

// ConfirmFailure 记录批量确认中失败的一条
type ConfirmFailure struct {
	ID  uint64 `json:"id"`
	Err error  `json:"-"`
}

// ConfirmManyResult 是逐条确认的结果，成功的不会因其他条目失败而回滚
type ConfirmManyResult struct {
	Confirmed []*domain.Reservation `json:"confirmed"`
	Failed    []ConfirmFailure      `json:"failed"`
}

// ListResult 是分页查询结果
type ListResult struct {
	Items  []*domain.Reservation `json:"items"`
	Total  int64                 `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}
