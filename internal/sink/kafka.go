package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cmdgate/internal/domain"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes audit records keyed by command name.
type Kafka struct {
	writer kafkaWriter
}

func NewKafka(brokers []string, topic string) (*Kafka, error) {
	addrs := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Kafka{writer: w}, nil
}

func (k *Kafka) Write(ctx context.Context, rec domain.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(rec.Command),
		Value: data,
		Time:  rec.StartTime,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(EntryExecution)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (k *Kafka) WriteDecision(ctx context.Context, d domain.ApprovalDecision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal approval decision: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(d.Command),
		Value:   data,
		Time:    d.At,
		Headers: []kafka.Header{{Key: "type", Value: []byte(EntryDecision)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
