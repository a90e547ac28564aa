// Package kafka publishes the audit log to a Kafka topic with segmentio/kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/metrics"
)

// Message kinds carried in the "kind" header.
const (
	KindArbitration = "arbitration"
	KindExecution   = "execution"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer is a domain.AuditSink writing JSON entries keyed by symbol, so
// every entry for a symbol lands on the same partition in order.
type Producer struct {
	writer messageWriter
	topic  string
}

var _ domain.AuditSink = (*Producer)(nil)

// NewProducer creates a Producer.
func NewProducer(opts ...ProducerOption) (*Producer, error) {
	cfg := &ProducerConfig{
		Topic:        "convbot.audit",
		RequiredAcks: -1,
		Compression:  "gzip",
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchSize:    100,
		BatchTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: brokers are required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
	return &Producer{writer: writer, topic: cfg.Topic}, nil
}

// RecordArbitration implements domain.AuditSink.
func (p *Producer) RecordArbitration(ctx context.Context, rec domain.ArbitrationRecord) error {
	return p.publish(ctx, KindArbitration, rec.Symbol, rec)
}

// RecordExecution implements domain.AuditSink.
func (p *Producer) RecordExecution(ctx context.Context, r domain.ExecutionReceipt) error {
	return p.publish(ctx, KindExecution, domain.SnapshotKey(r.Venue, r.FromAsset), r)
}

func (p *Producer) publish(ctx context.Context, kind, key string, value any) error {
	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: marshal %s: %w", kind, err)
	}

	start := time.Now()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   v,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(kind)}},
		Time:    start,
	})
	metrics.StreamLatency.WithLabelValues(p.topic).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StreamPublished.WithLabelValues(p.topic, "error").Inc()
		return fmt.Errorf("kafka: publish %s to %s: %w", kind, p.topic, err)
	}
	metrics.StreamPublished.WithLabelValues(p.topic, "ok").Inc()
	return nil
}

// Close flushes pending batches and closes the writer.
func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Gzip
	}
}
