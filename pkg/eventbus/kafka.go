package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes keyed messages to one topic and consumes it through a
// consumer group. Kafka has no per-message nack, so a failing delivery is
// retried in place with backoff and its offset is committed only once it is
// handled or dead-lettered.
type Kafka struct {
	cfg       Config
	logger    *zap.Logger
	writer    kafkaWriter
	dlq       kafkaWriter
	newReader func() kafkaReader
}

func NewKafka(cfg Config, logger *zap.Logger) *Kafka {
	brokers := cfg.Brokers()
	return &Kafka{
		cfg:    cfg,
		logger: logger,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        cfg.KafkaTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		dlq: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        cfg.KafkaTopic + ".dlq",
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		newReader: func() kafkaReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  brokers,
				Topic:    cfg.KafkaTopic,
				GroupID:  cfg.KafkaGroupID,
				MinBytes: 1,
				MaxBytes: 10e6,
			})
		},
	}
}

func (k *Kafka) Publish(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.PublishTimeout)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, toKafkaMessage(msg)); err != nil {
		return unavailable("kafka publish", err)
	}
	return nil
}

func toKafkaMessage(msg Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for key, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
	}
	key := msg.Key
	if key == "" {
		key = msg.ID
	}
	return kafka.Message{Key: []byte(key), Value: msg.Body, Headers: headers, Time: time.Now().UTC()}
}

func fromKafkaMessage(m kafka.Message) Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		ID:      headers[HeaderMessageID],
		Kind:    headers[HeaderKind],
		Key:     string(m.Key),
		Body:    m.Value,
		Headers: headers,
		Attempt: 1,
	}
}

// Subscribe runs cfg.Workers group members; the group spreads partitions
// across them.
func (k *Kafka) Subscribe(ctx context.Context, kind string, handler Handler) error {
	k.logger.Info("kafka consumer started", zap.String("topic", k.cfg.KafkaTopic), zap.String("group", k.cfg.KafkaGroupID), zap.String("kind", kind))

	var wg sync.WaitGroup
	errs := make(chan error, k.cfg.workers())
	for i := 0; i < k.cfg.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := k.consume(ctx, kind, handler); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	k.logger.Info("kafka consumer stopped", zap.String("topic", k.cfg.KafkaTopic))
	return <-errs
}

func (k *Kafka) consume(ctx context.Context, kind string, handler Handler) error {
	reader := k.newReader()
	defer reader.Close()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := fromKafkaMessage(m)
		if msg.Kind != "" && msg.Kind != kind {
			if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				k.logger.Error("kafka commit failed", zap.Error(err))
			}
			continue
		}

		if !k.process(ctx, m, msg, handler) {
			// Shutting down mid-retry: leave the offset uncommitted for the next member.
			return nil
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.logger.Error("kafka commit failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
}

// process retries until the delivery is settled. It returns false if ctx ended first.
func (k *Kafka) process(ctx context.Context, raw kafka.Message, msg Message, handler Handler) bool {
	for {
		err := handler(ExtractTrace(ctx, msg.Headers), msg)
		switch Settle(err) {
		case Ack:
			return true
		case Reject:
			k.logger.Error("dead-lettering kafka message", zap.String("message_id", msg.ID), zap.Error(err))
			dead := kafka.Message{Key: raw.Key, Value: raw.Value, Headers: raw.Headers, Time: time.Now().UTC()}
			if dlqErr := k.dlq.WriteMessages(ctx, dead); dlqErr != nil {
				k.logger.Error("kafka dead-letter write failed", zap.String("message_id", msg.ID), zap.Error(dlqErr))
				if !k.wait(ctx, msg.Attempt) {
					return false
				}
				msg.Attempt++
				continue
			}
			return true
		default:
			k.logger.Warn("kafka delivery failed, retrying", zap.String("message_id", msg.ID), zap.Int("attempt", msg.Attempt), zap.Error(err))
			if !k.wait(ctx, msg.Attempt) {
				return false
			}
			msg.Attempt++
		}
	}
}

func (k *Kafka) wait(ctx context.Context, attempt int) bool {
	select {
	case <-time.After(Backoff(attempt, k.cfg.RetryBackoff, k.cfg.MaxBackoff)):
		return true
	case <-ctx.Done():
		return false
	}
}

func (k *Kafka) Healthy(ctx context.Context) error {
	brokers := k.cfg.Brokers()
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	return conn.Close()
}

func (k *Kafka) Close() error {
	return errors.Join(k.writer.Close(), k.dlq.Close())
}
