package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeKafkaWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error { return nil }

func (w *fakeKafkaWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type fakeKafkaReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
}

func (r *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		if len(r.pending) > 0 {
			m := r.pending[0]
			r.pending = r.pending[1:]
			r.mu.Unlock()
			return m, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *fakeKafkaReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeKafkaReader) Close() error { return nil }

func (r *fakeKafkaReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func newTestKafka(reader *fakeKafkaReader) (*Kafka, *fakeKafkaWriter, *fakeKafkaWriter) {
	writer, dlq := &fakeKafkaWriter{}, &fakeKafkaWriter{}
	k := &Kafka{
		cfg: Config{
			KafkaTopic:     "checkout.requested",
			Workers:        1,
			PublishTimeout: time.Second,
			RetryBackoff:   time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
		logger:    zap.NewNop(),
		writer:    writer,
		dlq:       dlq,
		newReader: func() kafkaReader { return reader },
	}
	return k, writer, dlq
}

func TestKafka_PublishCarriesHeadersAndKey(t *testing.T) {
	k, writer, _ := newTestKafka(&fakeKafkaReader{})
	msg := Message{ID: "id-1", Kind: "checkout.requested", Key: "owner-1", Body: []byte(`{}`), Headers: map[string]string{HeaderKind: "checkout.requested", HeaderMessageID: "id-1"}}

	require.NoError(t, k.Publish(context.Background(), msg))
	written := writer.written()
	require.Len(t, written, 1)
	assert.Equal(t, "owner-1", string(written[0].Key))

	round := fromKafkaMessage(written[0])
	assert.Equal(t, "id-1", round.ID)
	assert.Equal(t, "checkout.requested", round.Kind)
}

func TestKafka_PublishFailureIsUnavailable(t *testing.T) {
	k, writer, _ := newTestKafka(&fakeKafkaReader{})
	writer.err = errors.New("leader not available")

	err := k.Publish(context.Background(), Message{ID: "x", Kind: "k"})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestKafka_RetriesThenCommits(t *testing.T) {
	raw := toKafkaMessage(Message{ID: "id-1", Body: []byte(`{}`), Headers: map[string]string{HeaderKind: "checkout.requested", HeaderMessageID: "id-1"}})
	reader := &fakeKafkaReader{pending: []kafka.Message{raw}}
	k, _, dlq := newTestKafka(reader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var attempts []int
	done := make(chan error, 1)
	go func() {
		done <- k.Subscribe(ctx, "checkout.requested", func(_ context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, msg.Attempt)
			if len(attempts) < 3 {
				return errors.New("db unavailable")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	mu.Unlock()
	assert.Empty(t, dlq.written())
}

func TestKafka_RejectGoesToDeadLetterTopic(t *testing.T) {
	raw := toKafkaMessage(Message{ID: "id-2", Body: []byte(`garbage`), Headers: map[string]string{HeaderKind: "checkout.requested", HeaderMessageID: "id-2"}})
	raw.Topic, raw.Partition, raw.Offset = "checkout.requested", 0, 42
	reader := &fakeKafkaReader{pending: []kafka.Message{raw}}
	k, _, dlq := newTestKafka(reader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = k.Subscribe(ctx, "checkout.requested", func(context.Context, Message) error {
			return fmt.Errorf("decode: %w", ErrPermanent)
		})
	}()

	require.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, time.Millisecond)
	dead := dlq.written()
	require.Len(t, dead, 1)
	assert.Empty(t, dead[0].Topic)
	assert.Equal(t, []byte(`garbage`), dead[0].Value)
}

func TestKafka_SkipsOtherKinds(t *testing.T) {
	raw := toKafkaMessage(Message{ID: "id-3", Headers: map[string]string{HeaderKind: "payment.settled"}})
	reader := &fakeKafkaReader{pending: []kafka.Message{raw}}
	k, _, _ := newTestKafka(reader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	called := make(chan struct{}, 1)
	go func() {
		_ = k.Subscribe(ctx, "checkout.requested", func(context.Context, Message) error {
			called <- struct{}{}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, called)
}
