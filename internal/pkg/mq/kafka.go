// internal/pkg/mq/kafka.go
package mq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Config 是 Kafka 配置
type Config struct {
	Brokers     []string `yaml:"brokers"`
	EventsTopic string   `yaml:"events_topic"`
	OriginTopic string   `yaml:"origin_topic"`
	GroupID     string   `yaml:"group_id"`
	DLTTopic    string   `yaml:"dlt_topic"`
}

// 死信消息头，记录原始位置与失败原因
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
)

func (c Config) Enabled() bool {
	return len(c.Brokers) > 0 && c.Brokers[0] != ""
}

// NewKafkaWriter 创建一个按 key 哈希分区的 writer
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// NewKafkaReader 创建一个消费组 reader，offset 由调用方手动提交
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// MessageWriter 是 *kafka.Writer 的最小接口，方便在测试里替换
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewMessage 构造一条带链路信息的消息
func NewMessage(ctx context.Context, key, value []byte, headers ...kafka.Header) kafka.Message {
	msg := kafka.Message{Key: key, Value: value, Headers: headers}
	InjectTraceContext(ctx, &msg.Headers)
	return msg
}

// NewDeadLetterMessage 复制原消息的 key、value 与头部，并追加原始位置和失败原因
func NewDeadLetterMessage(msg kafka.Message, cause error) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+5)
	headers = append(headers, msg.Headers...)
	carrier := KafkaHeaderCarrier(headers)
	carrier.Set(HeaderOriginalTopic, msg.Topic)
	carrier.Set(HeaderOriginalPartition, strconv.Itoa(msg.Partition))
	carrier.Set(HeaderOriginalOffset, strconv.FormatInt(msg.Offset, 10))
	carrier.Set(HeaderExceptionFqcn, fmt.Sprintf("%T", cause))
	carrier.Set(HeaderExceptionMessage, cause.Error())
	return kafka.Message{Key: msg.Key, Value: msg.Value, Headers: carrier}
}

// ProduceMessage 发送单条消息，自动注入追踪上下文
func ProduceMessage(ctx context.Context, w MessageWriter, key, value []byte) error {
	return w.WriteMessages(ctx, NewMessage(ctx, key, value))
}

// KafkaHeaderCarrier 让 otel propagator 可以读写 Kafka 消息头
type KafkaHeaderCarrier []kafka.Header

func (c *KafkaHeaderCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *KafkaHeaderCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *KafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c))
	for _, h := range *c {
		keys = append(keys, h.Key)
	}
	return keys
}

// InjectTraceContext 把当前链路信息写入消息头
func InjectTraceContext(ctx context.Context, headers *[]kafka.Header) {
	carrier := KafkaHeaderCarrier(*headers)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	*headers = carrier
}

// ExtractTraceContext 从消息头中恢复链路信息
func ExtractTraceContext(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := KafkaHeaderCarrier(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &carrier)
}
