package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errBusClosed = errors.New("bus closed")

// MemoryBus is an in-process Bus for local runs and tests. It honours the same
// settlement rules as the broker drivers: nacked messages are requeued with a
// bumped Attempt, rejected ones are parked in DeadLetters.
type MemoryBus struct {
	mu         sync.Mutex
	queues     map[string]chan Message
	published  []Message
	dead       []Message
	closed     bool
	buffer     int
	redelivery time.Duration
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queues:     make(map[string]chan Message),
		buffer:     1024,
		redelivery: 10 * time.Millisecond,
	}
}

func (b *MemoryBus) queue(kind string) chan Message {
	q, ok := b.queues[kind]
	if !ok {
		q = make(chan Message, b.buffer)
		b.queues[kind] = q
	}
	return q
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return unavailable("memory publish", errBusClosed)
	}
	if msg.Attempt == 0 {
		msg.Attempt = 1
	}
	select {
	case b.queue(msg.Kind) <- msg:
		b.published = append(b.published, msg)
		return nil
	case <-ctx.Done():
		return unavailable("memory publish", ctx.Err())
	default:
		return unavailable("memory publish", errors.New("queue full"))
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, kind string, handler Handler) error {
	b.mu.Lock()
	q := b.queue(kind)
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q:
			err := handler(ExtractTrace(ctx, msg.Headers), msg)
			switch Settle(err) {
			case Nack:
				msg.Attempt++
				go b.requeue(ctx, q, msg)
			case Reject:
				b.mu.Lock()
				b.dead = append(b.dead, msg)
				b.mu.Unlock()
			}
		}
	}
}

func (b *MemoryBus) requeue(ctx context.Context, q chan Message, msg Message) {
	select {
	case <-time.After(b.redelivery):
		q <- msg
	case <-ctx.Done():
	}
}

// Published returns every message accepted so far.
func (b *MemoryBus) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// DeadLetters returns rejected deliveries.
func (b *MemoryBus) DeadLetters() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.dead...)
}

func (b *MemoryBus) Healthy(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
