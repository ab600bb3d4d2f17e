// internal/service/reservation/domain/repository.go
package domain

import (
	"context"
	"time"
)

// Store 定义了预占表与库存台账的持久化接口。
// 它位于领域层，由基础设施层实现（MySQL / 内存）。
// 所有方法都显式接收 tenantID，不依赖任何"当前租户"的全局状态。
type Store interface {
	// StockLevel 不加锁读取一个口径的库存快照
	StockLevel(ctx context.Context, tenantID int64, key StockKey, now time.Time) (StockLevel, error)

	// StockLevels 批量读取，实现方必须用分组查询一次取回，而不是逐个查询
	StockLevels(ctx context.Context, tenantID int64, keys []StockKey, now time.Time) (map[StockKey]StockLevel, error)

	// FindByID 根据 ID 查找预占，不存在时返回 ErrNotFound
	FindByID(ctx context.Context, tenantID int64, id uint64) (*Reservation, error)

	// List 按条件分页查询，返回当前页与总数
	List(ctx context.Context, tenantID int64, filter ListFilter, now time.Time) ([]*Reservation, int64, error)

	// SummarizeActive 按来源类型聚合有效预占
	SummarizeActive(ctx context.Context, tenantID int64, now time.Time) ([]OriginSummary, error)

	// WithinTx 在一个工作单元内执行 fn，fn 返回错误即回滚
	WithinTx(ctx context.Context, tenantID int64, fn func(tx Tx) error) error

	// ExpireDue 把已过期但仍为 active 的记录落为 expired，跨租户批量执行
	ExpireDue(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)
}

// Tx 是工作单元内可用的操作，全部作用于同一个事务和同一个租户
type Tx interface {
	// LockStock 以非阻塞方式锁定库存口径对应的台账行并返回在手量。
	// 行被其他事务持有时返回 ErrLockContended；台账行不存在时在手量为 0。
	LockStock(ctx context.Context, key StockKey) (int64, error)

	// ReservedQuantity 统计口径下有效预占的数量，包含本事务内已插入的记录
	ReservedQuantity(ctx context.Context, key StockKey, now time.Time) (int64, error)

	Insert(ctx context.Context, r *Reservation) error

	// GetForUpdate 锁定单条预占记录，只会与同一条记录上的操作互斥
	GetForUpdate(ctx context.Context, id uint64) (*Reservation, error)

	// ActiveByOriginForUpdate 锁定来源下所有仍有效的预占
	ActiveByOriginForUpdate(ctx context.Context, originType OriginType, originID int64, now time.Time) ([]*Reservation, error)

	// SaveTransition 只写回生命周期相关的列（状态、时间戳、操作人、原因、过期时间）
	SaveTransition(ctx context.Context, r *Reservation) error
}

// ListFilter 是预占列表的查询条件
type ListFilter struct {
	State      *State
	Target     *Target
	BranchID   *int64
	OriginType *OriginType
	OriginID   *int64
	ActiveOnly bool
	Limit      int
	Offset     int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Normalize 修正分页参数。State=active 与 ActiveOnly 等价，都会排除已过期记录。
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.State != nil && *f.State == StateActive {
		f.ActiveOnly = true
		f.State = nil
	}
	return f
}

// Matches 在内存中判断一条记录是否满足条件，语义与 SQL 实现保持一致
func (f ListFilter) Matches(r *Reservation, now time.Time) bool {
	if f.ActiveOnly && !r.IsActiveAt(now) {
		return false
	}
	if f.State != nil && r.EffectiveState(now) != *f.State {
		return false
	}
	if f.Target != nil {
		if f.Target.ProductID != nil && (r.ProductID == nil || *r.ProductID != *f.Target.ProductID) {
			return false
		}
		if f.Target.VariantID != nil && (r.VariantID == nil || *r.VariantID != *f.Target.VariantID) {
			return false
		}
	}
	if f.BranchID != nil && (r.BranchID == nil || *r.BranchID != *f.BranchID) {
		return false
	}
	if f.OriginType != nil && r.OriginType != *f.OriginType {
		return false
	}
	if f.OriginID != nil && r.OriginID != *f.OriginID {
		return false
	}
	return true
}

// MatchesKey 判断记录是否占用某个库存口径的可用量。
// 全组织口径匹配所有门店；门店口径匹配本门店与全组织的预占，
// 全组织预占没有指定门店，任何一个门店的货都可能被它拿走。
func (k StockKey) MatchesKey(r *Reservation) bool {
	t := r.Target()
	if t.IsVariant() != k.Variant || t.ID() != k.TargetID {
		return false
	}
	if k.BranchID == 0 || r.BranchID == nil {
		return true
	}
	return *r.BranchID == k.BranchID
}
