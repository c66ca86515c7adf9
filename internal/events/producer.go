package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event types published on the booking lifecycle topic.
const (
	TypeBookingCreated    = "booking_created"
	TypeDriverAssigned    = "driver_assigned"
	TypeDriverAccepted    = "driver_accepted"
	TypeDriverRejected    = "driver_rejected"
	TypeResponseTimeout   = "response_timeout"
	TypeDispatchExhausted = "dispatch_exhausted"
	TypeNoShowReported    = "noshow_reported"
	TypeBookingCompleted  = "booking_completed"
	TypeBookingCancelled  = "booking_cancelled"
	TypeRatingSubmitted   = "rating_submitted"
)

// BookingEvent is the wire payload for lifecycle events. Consumers key off
// Type; the remaining fields are best-effort context.
type BookingEvent struct {
	Type      string    `json:"type"`
	BookingID string    `json:"booking_id"`
	Status    string    `json:"status,omitempty"`
	DriverID  string    `json:"driver_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is the subset the dispatch service needs; nil-safe wrappers in
// the service make publishing strictly best-effort.
type Publisher interface {
	Publish(ctx context.Context, evt BookingEvent) error
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) Publish(ctx context.Context, evt BookingEvent) error {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(evt.BookingID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
