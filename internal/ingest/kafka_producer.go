package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(d models.Driver) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(d)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// RideEvent is one lifecycle transition on the audit stream. Consumers
// (analytics, reconciliation) are free to lag; the stream is not part
// of the correctness path.
type RideEvent struct {
	RideID string          `json:"ride_id"`
	Kind   string          `json:"kind"`
	Status string          `json:"status"`
	At     time.Time       `json:"at"`
	Ride   models.RideView `json:"ride"`
}

type RideEventProducer struct {
	writer *kafka.Writer
}

func NewRideEventProducer(brokers []string, topic string) *RideEventProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &RideEventProducer{writer: w}
}

func (p *RideEventProducer) PublishRideEvent(kind string, ride models.RideView) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := RideEvent{RideID: ride.ID, Kind: kind, Status: ride.Status, At: time.Now(), Ride: ride}
	b, _ := json.Marshal(ev)
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ride.ID), Value: b})
}

func (p *RideEventProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
