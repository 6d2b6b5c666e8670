package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/aihub/medrag/internal/knowledge"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Producer Kafka生产者，把完成的问答轮次发布出去
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// TurnEvent 一轮问答
type TurnEvent struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	Role       string    `json:"role"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	Confidence string    `json:"confidence"`
	Sources    []string  `json:"sources,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewProducer 初始化Kafka生产者
func NewProducer(brokers []string, topic string, logger *zap.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	p := NewProducerWithClient(producer, topic, logger)
	p.logger.Info("Kafka生产者初始化成功", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return p, nil
}

// NewProducerWithClient 包装已有的SyncProducer
func NewProducerWithClient(producer sarama.SyncProducer, topic string, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		producer: producer,
		topic:    topic,
		logger:   logger.Named("kafka"),
	}
}

// PublishTurn 发送一轮问答，按用户ID分区以保持同一用户的顺序
func (p *Producer) PublishTurn(ctx context.Context, userID, role, question string, result *knowledge.QueryResult) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("Kafka生产者未初始化")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	event := TurnEvent{
		EventID:   uuid.NewString(),
		UserID:    userID,
		Role:      role,
		Question:  question,
		Timestamp: time.Now().UTC(),
	}
	if result != nil {
		event.Answer = result.Answer
		event.Confidence = result.Confidence
		event.Sources = result.Sources
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(userID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("user_id"), Value: []byte(userID)},
			{Key: []byte("role"), Value: []byte(role)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息失败: %w", err)
	}

	p.logger.Debug("Kafka消息发送成功",
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("user_id", userID))
	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if p != nil && p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
