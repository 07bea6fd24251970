package changefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/classpulse/realtime/libs/kafkax"
)

// KafkaConfig configures one collection's CDC topic consumer.
type KafkaConfig struct {
	Brokers    string
	GroupID    string
	Collection string
	// TopicPrefix defaults to "cdc.". The topic consumed is
	// TopicPrefix + Collection, single partition so commit order holds.
	TopicPrefix string
}

// KafkaFeed reads one collection's CDC topic. Offsets are committed
// explicitly after processing, so the consumer group offset is the resume
// position and redelivery after a crash is at-least-once.
type KafkaFeed struct {
	collection string
	reader     *kafka.Reader
}

// OpenKafka verifies the topic is reachable and attaches a reader. A broker
// or topic that cannot be reached is a fatal initialization error: the
// service must not start blind to a collection.
func OpenKafka(ctx context.Context, cfg KafkaConfig) (*KafkaFeed, error) {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("changefeed %s: no kafka brokers configured", cfg.Collection)
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "cdc."
	}
	topic := prefix + cfg.Collection

	if err := verifyTopic(ctx, brokers, topic); err != nil {
		return nil, fmt.Errorf("changefeed %s: %w", cfg.Collection, err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  cfg.GroupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaFeed{collection: cfg.Collection, reader: reader}, nil
}

func verifyTopic(ctx context.Context, brokers []string, topic string) error {
	dialer := kafka.Dialer{Timeout: 5 * time.Second}
	var lastErr error
	for _, addr := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		partitions, err := conn.ReadPartitions(topic)
		_ = conn.Close()
		if err != nil {
			lastErr = fmt.Errorf("topic %s: %w", topic, err)
			continue
		}
		if len(partitions) == 0 {
			lastErr = fmt.Errorf("topic %s has no partitions", topic)
			continue
		}
		return nil
	}
	return lastErr
}

// Fetch blocks for the next record. A malformed record returns an envelope
// holding only the position plus an error wrapping ErrMalformed, so the
// caller can log, Commit and move on.
func (f *KafkaFeed) Fetch(ctx context.Context) (Envelope, error) {
	msg, err := f.reader.FetchMessage(ctx)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		Traceparent: kafkax.HeaderValue(msg.Headers, "traceparent"),
		Tracestate:  kafkax.HeaderValue(msg.Headers, "tracestate"),
		Position:    msg,
	}

	rec, err := DecodeRecord(f.collection, msg.Value)
	if err != nil {
		return env, err
	}
	env.Record = rec
	return env, nil
}

// Commit acknowledges the envelope's offset.
func (f *KafkaFeed) Commit(ctx context.Context, env Envelope) error {
	msg, ok := env.Position.(kafka.Message)
	if !ok {
		return fmt.Errorf("changefeed %s: envelope has no kafka position", f.collection)
	}
	return f.reader.CommitMessages(ctx, msg)
}

func (f *KafkaFeed) Close() error {
	return f.reader.Close()
}

var _ Feed = (*KafkaFeed)(nil)
