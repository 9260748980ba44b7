package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

var DefaultTopics = []string{"sensor_data", "device_events", "user_interactions"}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// KafkaSource consumes a topic set as one consumer group member.
type KafkaSource struct {
	reader *kafka.Reader
}

func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	brokers := cleanList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	topics := cleanList(cfg.Topics)
	if len(topics) == 0 {
		topics = DefaultTopics
	}
	group := strings.TrimSpace(cfg.GroupID)
	if group == "" {
		group = "smart-home-analytics"
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})
	return &KafkaSource{reader: r}, nil
}

// Run fetches until ctx is cancelled. Offsets are committed by the dispatcher after handling.
func (s *KafkaSource) Run(ctx context.Context, d *Dispatcher) error {
	backoff := 250 * time.Millisecond
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("kafka fetch failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 10*time.Second)
			continue
		}
		backoff = 250 * time.Millisecond

		msg := Message{
			Source:    "kafka",
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Key:       m.Key,
			Payload:   m.Value,
			Time:      m.Time,
			Commit: func(ctx context.Context) error {
				return s.reader.CommitMessages(ctx, m)
			},
		}
		if err := d.Dispatch(ctx, msg); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrDispatcherClosed) {
				return nil
			}
			return err
		}
	}
}

func (s *KafkaSource) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}

// ProbeKafka dials the first reachable broker.
func ProbeKafka(ctx context.Context, brokers []string) error {
	var lastErr error
	for _, b := range cleanList(brokers) {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return fmt.Errorf("kafka probe: %w", lastErr)
}

// SplitList parses comma separated settings such as KAFKA_BOOTSTRAP_SERVERS.
func SplitList(v string) []string {
	return cleanList(strings.Split(v, ","))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
