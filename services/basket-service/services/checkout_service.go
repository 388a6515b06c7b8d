package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	"github.com/ValRusDev/microshop/pkg/contracts"
	"github.com/ValRusDev/microshop/pkg/eventbus"
	"github.com/ValRusDev/microshop/pkg/metrics"
	"github.com/ValRusDev/microshop/pkg/obs"
	"github.com/ValRusDev/microshop/services/basket-service/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// BasketReader is the part of the basket store checkout needs.
type BasketReader interface {
	Get(ctx context.Context, ownerID uuid.UUID) (*models.Basket, error)
	ClearCheckedOut(ctx context.Context, ownerID uuid.UUID, snapshot *models.Basket) (*models.Basket, error)
}

type CheckoutRecorder interface {
	RecordCheckout(outcome string)
}

type CheckoutResult struct {
	CorrelationID uuid.UUID
	OwnerID       uuid.UUID
	Total         decimal.Decimal
	ItemCount     int
}

type CheckoutService struct {
	store     BasketReader
	publisher eventbus.Publisher
	metrics   CheckoutRecorder
	logger    *zap.Logger

	now   func() time.Time
	newID func() uuid.UUID
}

func NewCheckoutService(store BasketReader, publisher eventbus.Publisher, recorder CheckoutRecorder, logger *zap.Logger) *CheckoutService {
	return &CheckoutService{
		store:     store,
		publisher: publisher,
		metrics:   recorder,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.New,
	}
}

// Checkout publishes the owner's basket as a checkout request and then clears it.
// The basket is left untouched unless the broker accepted the event.
func (s *CheckoutService) Checkout(ctx context.Context, ownerID uuid.UUID) (*CheckoutResult, error) {
	ctx, span := obs.Tracer("basket-service").Start(ctx, "basket.checkout")
	defer span.End()
	span.SetAttributes(attribute.String("owner.id", ownerID.String()))

	basket, err := s.store.Get(ctx, ownerID)
	if err != nil {
		s.record(metrics.CheckoutFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "basket read failed")
		return nil, err
	}
	if basket.IsEmpty() {
		s.record(metrics.CheckoutEmpty)
		return nil, apperrors.ErrEmptyBasket
	}

	event := contracts.CheckoutRequested{
		CorrelationID: s.newID(),
		OwnerID:       ownerID,
		Items:         make([]contracts.CheckoutItem, 0, len(basket.Items)),
		Total:         basket.Total(),
		RequestedAt:   s.now().UTC(),
	}
	for _, it := range basket.Items {
		event.Items = append(event.Items, contracts.CheckoutItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	span.SetAttributes(attribute.String("correlation.id", event.CorrelationID.String()))

	if err := event.Validate(); err != nil {
		s.record(metrics.CheckoutFailed)
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	msg, err := eventbus.NewJSONMessage(ctx, contracts.KindCheckoutRequested,
		event.CorrelationID.String(), ownerID.String(), event)
	if err != nil {
		s.record(metrics.CheckoutFailed)
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, fmt.Errorf("encode checkout event: %w", err))
	}

	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.record(metrics.CheckoutUnavailable)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		s.logger.Error("Checkout publish failed",
			zap.String("owner_id", ownerID.String()),
			zap.String("correlation_id", event.CorrelationID.String()),
			zap.Error(err))
		return nil, apperrors.Wrap(apperrors.ErrChannelUnavailable, err)
	}

	// The event is out; a failed clear only risks a duplicate checkout later.
	remaining, err := s.store.ClearCheckedOut(ctx, ownerID, basket)
	switch {
	case err != nil:
		s.logger.Warn("Basket not cleared after checkout",
			zap.String("owner_id", ownerID.String()),
			zap.String("correlation_id", event.CorrelationID.String()),
			zap.Error(err))
	case !remaining.IsEmpty():
		s.logger.Info("Basket changed during checkout, later items kept",
			zap.String("owner_id", ownerID.String()),
			zap.String("correlation_id", event.CorrelationID.String()),
			zap.Int("kept_items", len(remaining.Items)))
	}

	s.record(metrics.CheckoutAccepted)
	s.logger.Info("Checkout requested",
		zap.String("owner_id", ownerID.String()),
		zap.String("correlation_id", event.CorrelationID.String()),
		zap.String("total", event.Total.StringFixed(2)),
		zap.Int("items", len(event.Items)))

	return &CheckoutResult{
		CorrelationID: event.CorrelationID,
		OwnerID:       ownerID,
		Total:         event.Total,
		ItemCount:     len(event.Items),
	}, nil
}

func (s *CheckoutService) record(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordCheckout(outcome)
	}
}
