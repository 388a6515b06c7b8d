package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	"github.com/ValRusDev/microshop/pkg/contracts"
	"github.com/ValRusDev/microshop/pkg/eventbus"
	"github.com/ValRusDev/microshop/pkg/metrics"
	"github.com/ValRusDev/microshop/pkg/obs"
	"github.com/ValRusDev/microshop/services/ordering-service/models"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// OrderWriter is the part of the order repository materialization needs.
type OrderWriter interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	Insert(ctx context.Context, order *models.Order) error
}

type OrderRecorder interface {
	RecordOrder(outcome string)
}

// OrderMaterializer turns checkout requests into orders. Processing the same
// request any number of times leaves exactly one order behind.
type OrderMaterializer struct {
	repo    OrderWriter
	metrics OrderRecorder
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	resubscribeBase time.Duration
	resubscribeMax  time.Duration
}

func NewOrderMaterializer(repo OrderWriter, recorder OrderRecorder, logger *zap.Logger, timeout time.Duration) *OrderMaterializer {
	return &OrderMaterializer{
		repo:    repo,
		metrics: recorder,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,

		resubscribeBase: time.Second,
		resubscribeMax:  30 * time.Second,
	}
}

// Run consumes checkout requests until ctx is cancelled, subscribing again
// with backoff whenever the subscription ends early.
func (m *OrderMaterializer) Run(ctx context.Context, sub eventbus.Subscriber) error {
	m.logger.Info("Order materializer started", zap.String("kind", contracts.KindCheckoutRequested))

	attempt := 0
	for {
		started := time.Now()
		err := sub.Subscribe(ctx, contracts.KindCheckoutRequested, m.Handle)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > m.resubscribeMax {
			attempt = 0
		}
		attempt++

		delay := eventbus.Backoff(attempt, m.resubscribeBase, m.resubscribeMax)
		m.logger.Warn("Checkout subscription ended, resubscribing",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Handle processes one delivery. Undecodable or invalid payloads are returned
// as permanent failures; anything else is left for redelivery.
func (m *OrderMaterializer) Handle(ctx context.Context, msg eventbus.Message) error {
	ctx, span := obs.Tracer("ordering-service").Start(ctx, "order.materialize")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.message.id", msg.ID),
		attribute.Int("messaging.attempt", msg.Attempt),
	)

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	evt, err := contracts.DecodeCheckoutRequested(msg.Body)
	if err != nil {
		m.record(metrics.OrderRejected)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid checkout event")
		m.logger.Error("Rejecting checkout event",
			zap.String("message_id", msg.ID),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err))
		return fmt.Errorf("%w: %w", eventbus.ErrPermanent, err)
	}
	span.SetAttributes(attribute.String("correlation.id", evt.CorrelationID.String()))

	if err := m.OnCheckoutRequest(ctx, evt); err != nil {
		m.record(metrics.OrderRetry)
		span.RecordError(err)
		span.SetStatus(codes.Error, "materialization failed")
		m.logger.Warn("Order materialization failed, leaving for redelivery",
			zap.String("correlation_id", evt.CorrelationID.String()),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err))
		return err
	}
	return nil
}

// OnCheckoutRequest creates the order for evt unless it already exists.
func (m *OrderMaterializer) OnCheckoutRequest(ctx context.Context, evt contracts.CheckoutRequested) error {
	existing, err := m.repo.FindByID(ctx, evt.CorrelationID)
	if err != nil {
		return fmt.Errorf("look up order %s: %w", evt.CorrelationID, err)
	}
	if existing != nil {
		m.duplicate(evt)
		return nil
	}

	order := models.NewOrderFromCheckout(evt, m.now())
	if err := m.repo.Insert(ctx, order); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateKey) {
			m.duplicate(evt)
			return nil
		}
		return fmt.Errorf("insert order %s: %w", order.ID, err)
	}

	m.record(metrics.OrderCreated)
	m.logger.Info("Order created",
		zap.String("order_id", order.ID.String()),
		zap.String("owner_id", order.OwnerID.String()),
		zap.String("total", order.Total.StringFixed(2)),
		zap.Int("items", len(order.Items)))
	return nil
}

func (m *OrderMaterializer) duplicate(evt contracts.CheckoutRequested) {
	m.record(metrics.OrderDuplicate)
	m.logger.Info("Order already exists, skipping",
		zap.String("correlation_id", evt.CorrelationID.String()))
}

func (m *OrderMaterializer) record(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordOrder(outcome)
	}
}
