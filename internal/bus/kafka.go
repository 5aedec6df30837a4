package bus

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaSink mirrors status events onto a Kafka topic for downstream
// consumers. It is publish-only; the in-process broadcaster does not consume
// from it.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaSink builds a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return &KafkaSink{writer: writer, logger: logger.Named("bus.kafka")}
}

// Publish writes one message keyed by the bus topic, so every event on a
// topic lands on the same partition and preserves publish order.
func (s *KafkaSink) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: payload,
	})
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
