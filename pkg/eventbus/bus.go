// Package eventbus carries domain events between services with at-least-once
// delivery. Every driver settles a delivery the same way: a nil handler error
// acks it, an error wrapping ErrPermanent rejects it to the dead-letter route,
// any other error leaves it for redelivery.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPermanent marks a delivery that can never succeed (malformed payload).
	ErrPermanent = errors.New("permanent failure processing message")
	// ErrUnavailable is returned by Publish when the broker did not take the message.
	ErrUnavailable = errors.New("event channel unavailable")
)

// Header keys carried next to every payload.
const (
	HeaderKind      = "kind"
	HeaderMessageID = "message-id"
)

// Message is the transport-neutral unit published and delivered.
type Message struct {
	ID      string
	Kind    string
	Key     string
	Body    []byte
	Headers map[string]string
	// Attempt is 1 on first delivery. Drivers that cannot tell report 1.
	Attempt int
}

// Handler processes one delivery attempt.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type Subscriber interface {
	// Subscribe blocks, dispatching deliveries of kind to handler until ctx is done.
	Subscribe(ctx context.Context, kind string, handler Handler) error
}

// Bus is what the services depend on.
type Bus interface {
	Publisher
	Subscriber
	Healthy(ctx context.Context) error
	Close() error
}

// Outcome is how a delivery gets settled with the broker.
type Outcome int

const (
	Ack Outcome = iota
	Nack
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Settle maps a handler result to an Outcome.
func Settle(err error) Outcome {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrPermanent):
		return Reject
	default:
		return Nack
	}
}

// NewJSONMessage marshals payload and stamps kind, id and the trace context of ctx.
func NewJSONMessage(ctx context.Context, kind, id, key string, payload any) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s: %w", kind, err)
	}
	headers := map[string]string{
		HeaderKind:      kind,
		HeaderMessageID: id,
	}
	InjectTrace(ctx, headers)
	return Message{ID: id, Kind: kind, Key: key, Body: body, Headers: headers, Attempt: 1}, nil
}

// Backoff returns the redelivery delay for attempt, doubling from base up to ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
