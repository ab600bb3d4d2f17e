package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/pkg/mq"
	"stockhold/internal/service/reservation/domain"
	"stockhold/internal/service/reservation/domain/port"
)

// KafkaEventPublisher 把生命周期事件写入 Kafka。
// 消息 key 是 (租户, 目标)，同一目标的事件落在同一分区，保持先后顺序。
type KafkaEventPublisher struct {
	writer mq.MessageWriter
}

func NewKafkaEventPublisher(writer mq.MessageWriter) *KafkaEventPublisher {
	return &KafkaEventPublisher{writer: writer}
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, events ...domain.ReservationEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		stamp(ctx, &e)
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", e.Type, err)
		}
		msgs = append(msgs, mq.NewMessage(ctx, eventKey(e), value,
			kafka.Header{Key: "event_type", Value: []byte(e.Type)}))
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d reservation event(s): %w", len(msgs), err)
	}
	logger.Ctx(ctx).Debug().Int("count", len(msgs)).Msg("reservation events published")
	return nil
}

func eventKey(e domain.ReservationEvent) []byte {
	t := domain.Target{ProductID: e.ProductID, VariantID: e.VariantID}
	return []byte(fmt.Sprintf("%d-%s", e.TenantID, t))
}

// stamp 补齐事件 id 与 trace id
func stamp(ctx context.Context, e *domain.ReservationEvent) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			e.TraceID = sc.TraceID().String()
		}
	}
}

// MultiPublisher 依次发布到多个下游，某个下游失败不影响其他下游
type MultiPublisher []port.EventPublisher

func (m MultiPublisher) Publish(ctx context.Context, events ...domain.ReservationEvent) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, events...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
