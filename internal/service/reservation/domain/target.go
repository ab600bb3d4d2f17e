package domain

import (
	"fmt"
	"strconv"
)

// Target 是预占的对象：商品或商品规格，二者必须且只能设置一个
type Target struct {
	ProductID *int64 `json:"productId,omitempty"`
	VariantID *int64 `json:"variantId,omitempty"`
}

func ProductTarget(id int64) Target { return Target{ProductID: &id} }
func VariantTarget(id int64) Target { return Target{VariantID: &id} }

func (t Target) Validate() error {
	switch {
	case t.ProductID == nil && t.VariantID == nil:
		return &ValidationError{Field: "target", Err: ErrInvalidTarget, Detail: "one of product or variant is required"}
	case t.ProductID != nil && t.VariantID != nil:
		return &ValidationError{Field: "target", Err: ErrInvalidTarget, Detail: "product and variant are mutually exclusive"}
	case t.ProductID != nil && *t.ProductID <= 0:
		return &ValidationError{Field: "productId", Err: ErrInvalidTarget, Detail: "must be positive"}
	case t.VariantID != nil && *t.VariantID <= 0:
		return &ValidationError{Field: "variantId", Err: ErrInvalidTarget, Detail: "must be positive"}
	}
	return nil
}

func (t Target) IsVariant() bool { return t.VariantID != nil }

// ID 返回被设置的那个 id，调用方需先 Validate
func (t Target) ID() int64 {
	if t.VariantID != nil {
		return *t.VariantID
	}
	if t.ProductID != nil {
		return *t.ProductID
	}
	return 0
}

func (t Target) String() string {
	if t.IsVariant() {
		return "variant:" + strconv.FormatInt(t.ID(), 10)
	}
	return "product:" + strconv.FormatInt(t.ID(), 10)
}

// StockKey 标识一条可用量计算口径：(目标, 门店)。BranchID 为 0 表示全组织口径。
// 使用值类型，方便作为 map 的 key。
type StockKey struct {
	Variant  bool  `json:"variant"`
	TargetID int64 `json:"targetId"`
	BranchID int64 `json:"branchId,omitempty"`
}

func NewStockKey(t Target, branch *int64) StockKey {
	k := StockKey{Variant: t.IsVariant(), TargetID: t.ID()}
	if branch != nil {
		k.BranchID = *branch
	}
	return k
}

func (k StockKey) Target() Target {
	if k.Variant {
		return VariantTarget(k.TargetID)
	}
	return ProductTarget(k.TargetID)
}

func (k StockKey) Branch() *int64 {
	if k.BranchID == 0 {
		return nil
	}
	b := k.BranchID
	return &b
}

func (k StockKey) String() string {
	return fmt.Sprintf("%s@%d", k.Target(), k.BranchID)
}

// LockKey 是跨进程锁使用的资源名，包含租户避免不同租户互相阻塞
func (k StockKey) LockKey(tenantID int64) string {
	return fmt.Sprintf("stock-%d-%s-%d", tenantID, kindOf(k.Variant), k.TargetID)
}

func kindOf(variant bool) string {
	if variant {
		return "v"
	}
	return "p"
}

// StockLevel 是某个口径下的库存快照，available 从不持久化
type StockLevel struct {
	OnHand      int64 `json:"onHand"`
	Reserved    int64 `json:"reserved"`
	Available   int64 `json:"available"`
	ActiveCount int64 `json:"activeCount"`
}

func NewStockLevel(onHand, reserved, activeCount int64) StockLevel {
	return StockLevel{
		OnHand:      onHand,
		Reserved:    reserved,
		Available:   onHand - reserved,
		ActiveCount: activeCount,
	}
}
