package domain

// OriginType 标识产生预占的业务交易类型
type OriginType string

const (
	OriginSale            OriginType = "sale"
	OriginOrder           OriginType = "order"
	OriginQuote           OriginType = "quote"
	OriginAppointment     OriginType = "appointment"
	OriginTransfer        OriginType = "transfer"
	OriginProductionOrder OriginType = "production_order"
	OriginManual          OriginType = "manual"
)

func (o OriginType) Valid() bool {
	switch o {
	case OriginSale, OriginOrder, OriginQuote, OriginAppointment,
		OriginTransfer, OriginProductionOrder, OriginManual:
		return true
	}
	return false
}

// Origin 是 (类型, id) 二元组，外加一个可选的自由文本引用（例如单号）
type Origin struct {
	Type OriginType `json:"type"`
	ID   int64      `json:"id"`
	Ref  string     `json:"ref,omitempty"`
}

func (o Origin) Validate() error {
	if !o.Type.Valid() {
		return &ValidationError{Field: "origin.type", Err: ErrInvalidOrigin, Detail: "unknown origin type " + string(o.Type)}
	}
	if o.ID <= 0 {
		return &ValidationError{Field: "origin.id", Err: ErrInvalidOrigin, Detail: "must be positive"}
	}
	return nil
}

// OriginSummary 是按来源类型聚合的有效预占统计
type OriginSummary struct {
	OriginType    OriginType `json:"originType"`
	Reservations  int64      `json:"reservations"`
	TotalQuantity int64      `json:"totalQuantity"`
	Origins       int64      `json:"origins"`
}
