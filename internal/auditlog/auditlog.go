// Package auditlog records terminal job outcomes: durably in the store and,
// when configured, on a Kafka topic for downstream reporting.
package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/vamshivade/DEX-System/internal/store"
)

// Writer is the subset of kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer that keys messages to partitions by hash,
// so one wallet's records stay ordered.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 200 * time.Millisecond,
	}
}

// Publisher encodes audit records as JSON Kafka messages keyed by wallet.
type Publisher struct {
	writer Writer
}

// NewPublisher wraps writer.
func NewPublisher(writer Writer) *Publisher {
	return &Publisher{writer: writer}
}

// Publish writes one record.
func (p *Publisher) Publish(ctx context.Context, rec store.AuditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit %s: %w", rec.JobID, err)
	}
	msg := kafka.Message{
		Key:   []byte(rec.WalletID),
		Value: payload,
		Time:  rec.CreatedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
			{Key: "status", Value: []byte(rec.Status)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish audit %s: %w", rec.JobID, err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Appender is the durable side of the trail.
type Appender interface {
	AppendAudit(ctx context.Context, rec store.AuditRecord) error
}

// Trail appends to the store and then publishes. The store append is the
// record of truth and its error is returned; a publish failure is only
// logged.
type Trail struct {
	store     Appender
	publisher *Publisher
	logger    *slog.Logger
}

// NewTrail creates a Trail. publisher may be nil.
func NewTrail(s Appender, publisher *Publisher, logger *slog.Logger) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{store: s, publisher: publisher, logger: logger}
}

// Record persists rec.
func (t *Trail) Record(ctx context.Context, rec store.AuditRecord) error {
	if err := t.store.AppendAudit(ctx, rec); err != nil {
		return err
	}
	if t.publisher != nil {
		if err := t.publisher.Publish(ctx, rec); err != nil {
			t.logger.Warn("audit_publish_failed", "job_id", rec.JobID, "error", err)
		}
	}
	return nil
}
