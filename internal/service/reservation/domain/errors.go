package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// 校验类错误，在加锁前拒绝
	ErrInvalidTarget   = errors.New("reservation target is invalid")
	ErrInvalidQuantity = errors.New("reservation quantity must be positive")
	ErrInvalidOrigin   = errors.New("reservation origin is invalid")
	ErrInvalidMinutes  = errors.New("reservation minutes must be positive")
	ErrInvalidTenant   = errors.New("tenant id is required")

	// 业务结果类错误
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotFound          = errors.New("reservation not found")
	ErrInvalidState      = errors.New("reservation is not in a valid state for this operation")
	ErrNotConfirmable    = fmt.Errorf("reservation is not confirmable: %w", ErrInvalidState)

	// ErrLockContended 表示库存行正被其他分配者持有，可以稍后重试
	ErrLockContended = errors.New("stock row is locked by a concurrent allocation")
)

// ValidationError 携带出错字段，errors.Is 可匹配到具体的哨兵错误
type ValidationError struct {
	Field  string
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Field, e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation 判断是否为调用方参数错误
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// InsufficientStockError 携带失败时刻计算出的可用量，供调用方向用户解释
type InsufficientStockError struct {
	Target    Target `json:"target"`
	BranchID  *int64 `json:"branchId,omitempty"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
}

func (e *InsufficientStockError) Error() string {
	scope := "organization"
	if e.BranchID != nil {
		scope = fmt.Sprintf("branch %d", *e.BranchID)
	}
	return fmt.Sprintf("insufficient stock for %s at %s: requested %d, available %d",
		e.Target, scope, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// Shortfall 是还差多少才能满足请求
func (e *InsufficientStockError) Shortfall() int64 {
	if e.Available < 0 {
		return e.Requested
	}
	return e.Requested - e.Available
}

// BatchLineError 描述批量预占中某一行的失败原因
type BatchLineError struct {
	Index     int    `json:"index"`
	Target    Target `json:"target"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
	Reason    string `json:"reason"`
}

// BatchAllocationError 汇总批量预占里所有失败的行，整批已回滚
type BatchAllocationError struct {
	Lines []BatchLineError `json:"lines"`
}

func (e *BatchAllocationError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, l := range e.Lines {
		parts = append(parts, fmt.Sprintf("line %d %s: requested %d, available %d",
			l.Index, l.Target, l.Requested, l.Available))
	}
	return fmt.Sprintf("batch reservation rolled back, %d line(s) failed: %s",
		len(e.Lines), strings.Join(parts, "; "))
}

func (e *BatchAllocationError) Is(target error) bool { return target == ErrInsufficientStock }
