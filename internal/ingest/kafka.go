package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

type LocationProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &LocationProducer{writer: w, timeout: 2 * time.Second}
}

// PublishLocation keys messages by job so one job's positions stay ordered
// on a single partition.
func (p *LocationProducer) PublishLocation(ctx context.Context, e LocationEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.JobID), Value: b})
}

func (p *LocationProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// LocationReader consumes the location topic as part of a consumer group.
type LocationReader struct {
	reader *kafka.Reader
}

func NewLocationReader(brokers []string, topic, group string) *LocationReader {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     group,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &LocationReader{reader: r}
}

// Next blocks for the next message. Undecodable payloads come back wrapped in
// ErrInvalidEvent; the message is already consumed and can be skipped.
func (r *LocationReader) Next(ctx context.Context) (LocationEvent, error) {
	m, err := r.reader.ReadMessage(ctx)
	if err != nil {
		return LocationEvent{}, err
	}
	return DecodeEvent(m.Value)
}

func (r *LocationReader) Close() error { return r.reader.Close() }
