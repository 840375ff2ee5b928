package amm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// PricePublisher broadcasts post-trade pool snapshots to live subscribers.
// Delivery is best-effort: the engine calls it only after a successful commit
// and ignores failures beyond logging them.
type PricePublisher interface {
	PublishPriceUpdate(ctx context.Context, symbol string, snapshot PriceSnapshot) error
}

// PriceChannel returns the pub/sub channel name for one asset.
func PriceChannel(symbol string) string {
	return "prices:" + symbol
}

// RedisPublisher implements PricePublisher over Redis pub/sub, one channel
// per symbol.
type RedisPublisher struct {
	client redis.UniversalClient
}

// NewRedisPublisher creates a Redis-backed price publisher.
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// PublishPriceUpdate implements PricePublisher.
func (p *RedisPublisher) PublishPriceUpdate(ctx context.Context, symbol string, snapshot PriceSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal price snapshot: %w", err)
	}
	return p.client.Publish(ctx, PriceChannel(symbol), payload).Err()
}

// KafkaPublisher implements PricePublisher over a Kafka topic, keyed by
// symbol so per-asset ordering is preserved.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a Kafka-backed price publisher.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

// PublishPriceUpdate implements PricePublisher.
func (p *KafkaPublisher) PublishPriceUpdate(ctx context.Context, symbol string, snapshot PriceSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal price snapshot: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(symbol),
		Value: payload,
	})
}

// Close releases the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
