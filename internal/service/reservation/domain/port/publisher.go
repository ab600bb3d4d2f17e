package port

import (
	"context"

	"stockhold/internal/service/reservation/domain"
)

// EventPublisher 是生命周期事件的出站端口。
// 事件在事务提交之后发布，发布失败不影响已提交的结果。
type EventPublisher interface {
	Publish(ctx context.Context, events ...domain.ReservationEvent) error
}
