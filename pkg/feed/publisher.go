// Package feed publishes fill events to Kafka so downstream consumers
// (market data, reporting) can follow trades without touching the engine.
package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/microstock/exchange/pkg/exchange"
)

// Publisher writes fill events to a Kafka topic, keyed by ticker so one
// ticker's trades stay ordered within a partition.
type Publisher struct {
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewPublisher builds a publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string, log *zap.SugaredLogger) *Publisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return &Publisher{writer: writer, log: log}
}

// PublishFill implements exchange.FillSink.
func (p *Publisher) PublishFill(ctx context.Context, ev exchange.FillEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal fill %s: %w", ev.ID, err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.Ticker),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Errorw("kafka_publish_failed", "fill", ev.ID, "err", err)
		return fmt.Errorf("publish fill %s: %w", ev.ID, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
