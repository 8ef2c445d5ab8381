// Package events publishes negotiation lifecycle events for audit and
// monitoring consumers. Publishing is best-effort: the engine logs a failed
// publish and moves on.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/taxi-bot/internal/models"
)

// Sink receives lifecycle events.
type Sink interface {
	Publish(ctx context.Context, ev models.Event) error
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

// Publish keys messages by order id so one order's events stay in partition
// order.
func (k *KafkaProducer) Publish(ctx context.Context, ev models.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	key := strconv.FormatInt(ev.OrderID, 10)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

type multiSink []Sink

// Multi fans one event out to several sinks, e.g. kafka plus the live ops
// feed. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Publish(ctx context.Context, ev models.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
