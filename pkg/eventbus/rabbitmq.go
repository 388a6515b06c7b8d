package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQ publishes to a durable topic exchange with publisher confirms and
// consumes from a durable queue with manual acks. Rejected deliveries are routed
// to the dead-letter exchange bound to the queue. A dropped connection is
// redialled on the next Publish, Subscribe or Healthy call.
type RabbitMQ struct {
	cfg    Config
	logger *zap.Logger
	dial   func(url string) (*amqp.Connection, error)

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	bound  map[string]bool
	closed bool
}

func NewRabbitMQ(cfg Config, logger *zap.Logger) (*RabbitMQ, error) {
	r := newRabbitMQ(cfg, logger, amqp.Dial)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.publisherLocked(); err != nil {
		_ = r.closeLocked()
		return nil, err
	}
	return r, nil
}

func newRabbitMQ(cfg Config, logger *zap.Logger, dial func(string) (*amqp.Connection, error)) *RabbitMQ {
	return &RabbitMQ{cfg: cfg, logger: logger, dial: dial, bound: map[string]bool{}}
}

// connectionLocked returns the live connection, dialling a new one when the
// previous connection was lost.
func (r *RabbitMQ) connectionLocked() (*amqp.Connection, error) {
	if r.closed {
		return nil, errBusClosed
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}
	lost := r.conn != nil
	conn, err := r.dial(r.cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	if lost {
		r.logger.Info("rabbitmq connection re-established")
	}
	r.conn = conn
	r.pubCh = nil
	return conn, nil
}

func (r *RabbitMQ) publisherLocked() (*amqp.Channel, error) {
	conn, err := r.connectionLocked()
	if err != nil {
		return nil, err
	}
	if r.pubCh != nil && !r.pubCh.IsClosed() {
		return r.pubCh, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open producer channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("producer channel could not be put into confirm mode: %w", err)
	}
	if err := ch.ExchangeDeclare(r.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", r.cfg.Exchange, err)
	}
	r.pubCh = ch
	r.bound = map[string]bool{}
	return ch, nil
}

// ensureBoundLocked declares the consuming queue and its binding for kind
// before the first publish of that kind, so messages sent before any consumer
// started are queued instead of dropped as unroutable.
func (r *RabbitMQ) ensureBoundLocked(ch topologyDeclarer, kind string) error {
	if r.cfg.Queue == "" || r.bound[kind] {
		return nil
	}
	if err := r.declareConsumerTopology(ch, kind); err != nil {
		return err
	}
	r.bound[kind] = true
	return nil
}

// Publish returns only once the broker confirmed the message.
func (r *RabbitMQ) Publish(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	r.mu.Lock()
	ch, err := r.publisherLocked()
	if err == nil {
		err = r.ensureBoundLocked(ch, msg.Kind)
	}
	r.mu.Unlock()
	if err != nil {
		return unavailable("rabbitmq publish", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, r.cfg.Exchange, msg.Kind, false, false, toPublishing(msg))
	if err != nil {
		return unavailable("rabbitmq publish", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return unavailable("rabbitmq confirm", err)
	}
	if !acked {
		return unavailable("rabbitmq confirm", errors.New("message nacked by broker"))
	}
	return nil
}

func toPublishing(msg Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Kind,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         msg.Body,
	}
}

func fromDelivery(d amqp.Delivery) Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	kind := d.Type
	if kind == "" {
		kind = d.RoutingKey
	}
	attempt := 1
	if d.Redelivered {
		attempt = 2
	}
	return Message{ID: d.MessageId, Kind: kind, Key: d.RoutingKey, Body: d.Body, Headers: headers, Attempt: attempt}
}

// topologyDeclarer is the part of *amqp.Channel used to declare topology.
type topologyDeclarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

func (r *RabbitMQ) declareConsumerTopology(ch topologyDeclarer, kind string) error {
	if err := ch.ExchangeDeclare(r.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", r.cfg.Exchange, err)
	}
	if err := ch.ExchangeDeclare(r.cfg.DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx %s: %w", r.cfg.DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(r.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %s: %w", r.cfg.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(r.cfg.DeadLetterQueue, "#", r.cfg.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq: %w", err)
	}
	args := amqp.Table{"x-dead-letter-exchange": r.cfg.DeadLetterExchange}
	if _, err := ch.QueueDeclare(r.cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", r.cfg.Queue, err)
	}
	if err := ch.QueueBind(r.cfg.Queue, kind, r.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", r.cfg.Queue, kind, err)
	}
	return nil
}

// Subscribe consumes with cfg.Workers goroutines sharing one channel whose
// prefetch bounds the number of unacked deliveries in flight. It returns nil
// once ctx is done and ErrUnavailable when the broker connection drops first.
func (r *RabbitMQ) Subscribe(ctx context.Context, kind string, handler Handler) error {
	r.mu.Lock()
	conn, err := r.connectionLocked()
	r.mu.Unlock()
	if err != nil {
		return unavailable("rabbitmq subscribe", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return unavailable("rabbitmq subscribe", fmt.Errorf("open consumer channel: %w", err))
	}
	defer ch.Close()

	if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := r.declareConsumerTopology(ch, kind); err != nil {
		return err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, r.cfg.Queue, r.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", r.cfg.Queue, err)
	}
	r.logger.Info("rabbitmq consumer started", zap.String("queue", r.cfg.Queue), zap.String("kind", kind), zap.Int("workers", r.cfg.workers()))

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				r.handle(ctx, d, handler)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() == nil {
		r.logger.Warn("rabbitmq delivery channel closed", zap.String("queue", r.cfg.Queue))
		return unavailable("rabbitmq consume", amqp.ErrClosed)
	}
	r.logger.Info("rabbitmq consumer stopped", zap.String("queue", r.cfg.Queue))
	return nil
}

func (r *RabbitMQ) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	msg := fromDelivery(d)
	err := handler(ExtractTrace(ctx, msg.Headers), msg)

	var settleErr error
	switch Settle(err) {
	case Ack:
		settleErr = d.Ack(false)
	case Reject:
		r.logger.Error("rejecting delivery to dead-letter exchange", zap.String("message_id", msg.ID), zap.Error(err))
		settleErr = d.Reject(false)
	default:
		r.logger.Warn("delivery failed, requeueing", zap.String("message_id", msg.ID), zap.Bool("redelivered", d.Redelivered), zap.Error(err))
		select {
		case <-time.After(r.cfg.RetryBackoff):
		case <-ctx.Done():
		}
		settleErr = d.Nack(false, true)
	}
	if settleErr != nil {
		r.logger.Error("settle delivery failed", zap.String("message_id", msg.ID), zap.Error(settleErr))
	}
}

// Healthy reports whether a broker connection is up, redialling a lost one.
func (r *RabbitMQ) Healthy(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.connectionLocked(); err != nil {
		return unavailable("rabbitmq health", err)
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.closeLocked()
}

func (r *RabbitMQ) closeLocked() error {
	if r.pubCh != nil {
		_ = r.pubCh.Close()
		r.pubCh = nil
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}
