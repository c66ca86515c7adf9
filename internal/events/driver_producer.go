package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// DriverProducer publishes driver updates on the driver-status topic,
// consumed by cmd/driverfeed into the redis directory.
type DriverProducer struct {
	writer *kafka.Writer
}

func NewDriverProducer(brokers []string, topic string) *DriverProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &DriverProducer{writer: w}
}

func (p *DriverProducer) PublishDriver(ctx context.Context, evt DriverEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(evt.Driver.ID), Value: b})
}

func (p *DriverProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
