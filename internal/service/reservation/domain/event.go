// internal/service/reservation/domain/event.go
package domain

import "time"

// EventType 是预占生命周期事件类型
type EventType string

const (
	EventCreated   EventType = "reservation.created"
	EventConfirmed EventType = "reservation.confirmed"
	EventReleased  EventType = "reservation.released"
	EventCancelled EventType = "reservation.cancelled"
	EventExpired   EventType = "reservation.expired"
	EventExtended  EventType = "reservation.extended"
)

// ReservationEvent 在事务提交后发布，下游据此刷新库存展示
type ReservationEvent struct {
	EventID    string     `json:"eventId"`
	Type       EventType  `json:"type"`
	TraceID    string     `json:"traceId,omitempty"`
	TenantID   int64      `json:"tenantId"`
	ID         uint64     `json:"reservationId"`
	ProductID  *int64     `json:"productId,omitempty"`
	VariantID  *int64     `json:"variantId,omitempty"`
	BranchID   *int64     `json:"branchId,omitempty"`
	Quantity   int64      `json:"quantity"`
	OriginType OriginType `json:"originType"`
	OriginID   int64      `json:"originId"`
	State      State      `json:"state"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	Reason     string     `json:"reason,omitempty"`
	Actor      string     `json:"actor,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// EventFor 由实体当前状态构造事件，EventID/TraceID 由发布方补齐
func EventFor(t EventType, r *Reservation, at time.Time) ReservationEvent {
	return ReservationEvent{
		Type:       t,
		TenantID:   r.TenantID,
		ID:         r.ID,
		ProductID:  r.ProductID,
		VariantID:  r.VariantID,
		BranchID:   r.BranchID,
		Quantity:   r.Quantity,
		OriginType: r.OriginType,
		OriginID:   r.OriginID,
		State:      r.State,
		ExpiresAt:  r.ExpiresAt,
		Reason:     r.ReleaseReason,
		Actor:      r.ConfirmedBy,
		OccurredAt: at,
	}
}

// OriginEvent 是上游交易系统发来的消息：整笔交易作废或完成
type OriginEvent struct {
	TraceID    string     `json:"traceId,omitempty"`
	TenantID   int64      `json:"tenantId"`
	Action     string     `json:"action"` // void | complete
	OriginType OriginType `json:"originType"`
	OriginID   int64      `json:"originId"`
	Actor      string     `json:"actor,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

const (
	OriginActionVoid     = "void"
	OriginActionComplete = "complete"
)
