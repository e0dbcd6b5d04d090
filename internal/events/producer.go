package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/aihub/rag-assistant/internal/logger"
	"github.com/aihub/rag-assistant/internal/metrics"
)

// IngestionEvent 单个文档入库完成事件
type IngestionEvent struct {
	DocumentID    string    `json:"document_id"`
	ContentHash   string    `json:"content_hash"`
	Collection    string    `json:"collection"`
	ChunksWritten int       `json:"chunks_written"`
	StaleDeleted  int       `json:"stale_deleted"`
	ChunkSize     int       `json:"chunk_size"`
	ChunkOverlap  int       `json:"chunk_overlap"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher 入库事件发布
type Publisher interface {
	Publish(ctx context.Context, event IngestionEvent) error
	Close() error
}

// NopPublisher 未启用事件时使用
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, IngestionEvent) error { return nil }
func (NopPublisher) Close() error                                  { return nil }

// KafkaPublisher Kafka生产者
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewProducerConfig 同步生产者配置
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second
	return config
}

// NewKafkaPublisher 连接 broker 并创建生产者
func NewKafkaPublisher(brokers []string, topic string, l *zap.Logger) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}
	p := NewKafkaPublisherWithProducer(producer, topic, l)
	p.logger.Info("Kafka生产者初始化成功", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return p, nil
}

// NewKafkaPublisherWithProducer 使用已有的 sarama 生产者
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, l *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.OrDefault(l, "events"),
	}
}

// Publish 发送事件，以文档ID为分区键保证同一文档有序
func (p *KafkaPublisher) Publish(ctx context.Context, event IngestionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.DocumentID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte("document_ingested")},
			{Key: []byte("collection"), Value: []byte(event.Collection)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	metrics.EventsPublished.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		p.logger.Error("发送Kafka消息失败", zap.String("document_id", event.DocumentID), zap.Error(err))
		return fmt.Errorf("发送消息失败: %w", err)
	}

	p.logger.Debug("Kafka消息发送成功",
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("document_id", event.DocumentID))
	return nil
}

// Close 关闭生产者
func (p *KafkaPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
