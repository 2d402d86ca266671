package forward

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"vibranium/internal/config"
	"vibranium/internal/model"
)

// Kafka writes records keyed by endpoint so one endpoint stays on one
// partition.
type Kafka struct {
	writer *kafka.Writer
}

func NewKafka(cfg config.KafkaConfig) *Kafka {
	return &Kafka{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *Kafka) Forward(ctx context.Context, rec model.AcquisitionRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(rec.EndpointID), Value: value}); err != nil {
		return fmt.Errorf("kafka write %s: %w", k.writer.Topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
