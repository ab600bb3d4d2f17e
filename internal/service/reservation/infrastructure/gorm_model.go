package infrastructure

import (
	"time"
)

// ReservationModel 对应数据库中的 stock_reservations 表
type ReservationModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	TenantID  int64  `gorm:"not null;index:idx_res_product,priority:1;index:idx_res_variant,priority:1;index:idx_res_origin,priority:1"`
	ProductID *int64 `gorm:"index:idx_res_product,priority:2"`
	VariantID *int64 `gorm:"index:idx_res_variant,priority:2"`
	BranchID  *int64
	Quantity  int64 `gorm:"not null"`

	OriginType string `gorm:"type:varchar(32);not null;index:idx_res_origin,priority:2"`
	OriginID   int64  `gorm:"not null;index:idx_res_origin,priority:3"`
	OriginRef  string `gorm:"type:varchar(128)"`

	State     string    `gorm:"type:varchar(16);not null;index:idx_res_state_exp,priority:1"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index:idx_res_state_exp,priority:2"`
	UpdatedAt time.Time

	ConfirmedAt   *time.Time
	ConfirmedBy   string `gorm:"type:varchar(128)"`
	ReleasedAt    *time.Time
	ReleaseReason string `gorm:"type:varchar(255)"`
}

// TableName 指定 GORM 应该使用的表名
func (ReservationModel) TableName() string {
	return "stock_reservations"
}

// StockLedgerModel 对应 stock_ledger 表，由收货/销售完成流程维护，本服务只读并加锁。
// 与预占一样，product_id 与 variant_id 只会设置其中一个。
type StockLedgerModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	TenantID  int64  `gorm:"not null;uniqueIndex:uk_ledger_target,priority:1"`
	ProductID *int64 `gorm:"uniqueIndex:uk_ledger_target,priority:2"`
	VariantID *int64 `gorm:"uniqueIndex:uk_ledger_target,priority:3"`
	BranchID  int64  `gorm:"not null;uniqueIndex:uk_ledger_target,priority:4"`
	OnHand    int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (StockLedgerModel) TableName() string {
	return "stock_ledger"
}
