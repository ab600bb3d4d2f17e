package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/pkg/mq"
	"stockhold/internal/service/reservation/application"
	"stockhold/internal/service/reservation/domain"
)

// MessageReader 是 *kafka.Reader 的最小接口，方便在测试里替换
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OriginConsumer 监听上游交易系统的作废/完成消息，驱动按来源的批量释放与确认
type OriginConsumer struct {
	reader      MessageReader
	service     *application.ReservationService
	dlt         mq.MessageWriter
	maxAttempts int
	retryDelay  time.Duration
}

// NewOriginConsumer 创建消费者。dlt 为空时，格式错误的消息记录日志后丢弃，
// 其他失败会让 Run 返回错误且不提交 offset。
func NewOriginConsumer(reader MessageReader, service *application.ReservationService, dlt mq.MessageWriter) *OriginConsumer {
	return &OriginConsumer{reader: reader, service: service, dlt: dlt, maxAttempts: 5, retryDelay: 200 * time.Millisecond}
}

// errPoison 表示消息本身有问题，重试也不会成功
var errPoison = errors.New("unprocessable origin event")

// Run 阻塞消费直到 ctx 结束。消息处理成功，或者失败后已转入死信队列，才会提交 offset。
func (c *OriginConsumer) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Msg("origin consumer started")
	defer c.reader.Close()

	for {
		// 使用 FetchMessage 而不是 ReadMessage，以便控制 offset 提交时机
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("origin consumer stopped")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not fetch message, retrying")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		if err := c.processWithRetry(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if dlErr := c.deadLetter(ctx, msg, err); dlErr != nil {
				logger.Ctx(ctx).Error().Err(dlErr).
					Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).
					Msg("origin event not committed")
				return dlErr
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit message")
		}
	}
}

// processWithRetry 只对锁冲突重试，返回最后一次的错误
func (c *OriginConsumer) processWithRetry(ctx context.Context, msg kafka.Message) error {
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err = c.Handle(ctx, msg)
		if err == nil || !errors.Is(err, domain.ErrLockContended) {
			return err
		}
		if !sleep(ctx, c.retryDelay*time.Duration(attempt)) {
			return ctx.Err()
		}
	}
	return err
}

// deadLetter 把处理失败的消息转入死信队列，返回 nil 表示可以提交 offset
func (c *OriginConsumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	if c.dlt == nil {
		if !errors.Is(cause, errPoison) {
			return fmt.Errorf("origin event failed with no dead letter topic: %w", cause)
		}
		logFailedEvent(ctx, msg, cause, "origin event dropped")
		return nil
	}
	if err := c.dlt.WriteMessages(ctx, mq.NewDeadLetterMessage(msg, cause)); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	logFailedEvent(ctx, msg, cause, "origin event moved to dead letter topic")
	return nil
}

func logFailedEvent(ctx context.Context, msg kafka.Message, cause error, text string) {
	logger.Ctx(ctx).Error().Err(cause).
		Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).
		Bytes("payload", msg.Value).
		Msg(text)
}

// Handle 处理单条消息，链路信息从消息头恢复
func (c *OriginConsumer) Handle(parent context.Context, msg kafka.Message) error {
	ctx := mq.ExtractTraceContext(parent, msg.Headers)
	ctx, span := otel.Tracer(serviceName).Start(ctx, "consumer.OriginEvent")
	defer span.End()

	var event domain.OriginEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	span.SetAttributes(
		attribute.Int64("tenant.id", event.TenantID),
		attribute.String("origin.action", event.Action),
		attribute.String("origin.type", string(event.OriginType)),
		attribute.Int64("origin.id", event.OriginID),
	)

	var (
		n   int
		err error
	)
	switch event.Action {
	case domain.OriginActionVoid:
		reason := event.Reason
		if reason == "" {
			reason = "origin voided"
		}
		n, err = c.service.ReleaseByOrigin(ctx, event.TenantID, event.OriginType, event.OriginID, reason)
	case domain.OriginActionComplete:
		n, err = c.service.ConfirmByOrigin(ctx, event.TenantID, event.OriginType, event.OriginID, event.Actor)
	default:
		err = fmt.Errorf("%w: unknown action %q", errPoison, event.Action)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if domain.IsValidation(err) {
			return fmt.Errorf("%w: %v", errPoison, err)
		}
		return err
	}

	logger.Ctx(ctx).Info().Str("action", event.Action).Str("origin", string(event.OriginType)).
		Int64("origin_id", event.OriginID).Int("affected", n).Msg("origin event applied")
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
