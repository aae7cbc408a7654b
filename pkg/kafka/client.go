// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"crimewatch-go/internal/config"
	"crimewatch-go/pkg/log"
	"crimewatch-go/pkg/tasks"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// maxAttempts 是单条事件处理失败后提交 offset 前的最大尝试次数。
const maxAttempts = 3

// EventProcessor defines the interface for any service that can process an emergency event.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type EventProcessor interface {
	Process(ctx context.Context, event tasks.EmergencyEvent) error
}

// Producer 将紧急事件写入 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// PublishEmergencyEvent 发送一个紧急事件，以会话 ID 作为 key 保证同一会话内有序。
func (p *Producer) PublishEmergencyEvent(ctx context.Context, event tasks.EmergencyEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.SessionID),
		Value: payload,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

func attemptsKey(event tasks.EmergencyEvent) string {
	return fmt.Sprintf("kafka:attempts:%s:%s", event.SessionID, event.Type)
}

// StartConsumer 启动一个 Kafka 消费者来处理紧急事件，ctx 取消时退出。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor EventProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		var event tasks.EmergencyEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		if handleMessage(ctx, processor, rdb, event) {
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}
}

// handleMessage 处理一条事件并返回是否应当提交 offset。
// 失败次数记录在 Redis 中，达到 maxAttempts 后放弃重试。
func handleMessage(ctx context.Context, processor EventProcessor, rdb *redis.Client, event tasks.EmergencyEvent) bool {
	key := attemptsKey(event)
	if err := processor.Process(ctx, event); err != nil {
		log.Errorf("处理紧急事件失败: session=%s, type=%s, error: %v", event.SessionID, event.Type, err)
		attempts, incErr := rdb.Incr(ctx, key).Result()
		if incErr != nil {
			// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
			return false
		}
		_ = rdb.Expire(ctx, key, 24*time.Hour).Err()
		if attempts >= maxAttempts {
			log.Errorf("紧急事件多次失败(>=%d)，提交 offset 终止重试: session=%s", maxAttempts, event.SessionID)
			return true
		}
		return false
	}
	_ = rdb.Del(ctx, key).Err()
	return true
}
