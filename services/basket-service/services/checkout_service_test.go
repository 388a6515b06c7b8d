package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	"github.com/ValRusDev/microshop/pkg/contracts"
	"github.com/ValRusDev/microshop/pkg/eventbus"
	"github.com/ValRusDev/microshop/pkg/metrics"
	"github.com/ValRusDev/microshop/services/basket-service/database"
	"github.com/ValRusDev/microshop/services/basket-service/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type MockBasketReader struct {
	mock.Mock
}

func (m *MockBasketReader) Get(ctx context.Context, ownerID uuid.UUID) (*models.Basket, error) {
	args := m.Called(ctx, ownerID)
	basket, _ := args.Get(0).(*models.Basket)
	return basket, args.Error(1)
}

func (m *MockBasketReader) ClearCheckedOut(ctx context.Context, ownerID uuid.UUID, snapshot *models.Basket) (*models.Basket, error) {
	args := m.Called(ctx, ownerID, snapshot)
	basket, _ := args.Get(0).(*models.Basket)
	return basket, args.Error(1)
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, eventbus.Message) error {
	p.calls++
	return eventbus.ErrUnavailable
}

type outcomeRecorder struct{ outcomes []string }

func (r *outcomeRecorder) RecordCheckout(outcome string) { r.outcomes = append(r.outcomes, outcome) }

func newStore(t *testing.T) *database.BasketStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return database.NewBasketStore(client, time.Hour)
}

func TestCheckout_PublishesThenClears(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	bus := eventbus.NewMemoryBus()
	rec := &outcomeRecorder{}
	svc := NewCheckoutService(store, bus, rec, zap.NewNop())

	owner := uuid.New()
	a, b := uuid.New(), uuid.New()
	_, err := store.UpsertItem(ctx, owner, models.BasketItem{ProductID: a, Quantity: 2, UnitPrice: decimal.RequireFromString("10")})
	require.NoError(t, err)
	_, err = store.UpsertItem(ctx, owner, models.BasketItem{ProductID: b, Quantity: 1, UnitPrice: decimal.RequireFromString("5")})
	require.NoError(t, err)

	result, err := svc.Checkout(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "25.00", result.Total.StringFixed(2))
	assert.Equal(t, 2, result.ItemCount)

	published := bus.Published()
	require.Len(t, published, 1)
	assert.Equal(t, contracts.KindCheckoutRequested, published[0].Kind)
	assert.Equal(t, result.CorrelationID.String(), published[0].ID)
	assert.Equal(t, owner.String(), published[0].Key)

	event, err := contracts.DecodeCheckoutRequested(published[0].Body)
	require.NoError(t, err)
	assert.Equal(t, result.CorrelationID, event.CorrelationID)
	assert.Equal(t, owner, event.OwnerID)
	assert.Len(t, event.Items, 2)
	assert.True(t, event.Total.Equal(decimal.NewFromInt(25)))

	basket, err := store.Get(ctx, owner)
	require.NoError(t, err)
	assert.True(t, basket.IsEmpty())
	assert.Equal(t, []string{metrics.CheckoutAccepted}, rec.outcomes)
}

func TestCheckout_EmptyBasket(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	rec := &outcomeRecorder{}
	svc := NewCheckoutService(newStore(t), bus, rec, zap.NewNop())

	result, err := svc.Checkout(context.Background(), uuid.New())
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrEmptyBasket)
	assert.Empty(t, bus.Published())
	assert.Equal(t, []string{metrics.CheckoutEmpty}, rec.outcomes)
}

func TestCheckout_PublishFailureKeepsBasket(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	pub := &failingPublisher{}
	svc := NewCheckoutService(store, pub, nil, zap.NewNop())

	owner := uuid.New()
	_, err := store.UpsertItem(ctx, owner, models.BasketItem{ProductID: uuid.New(), Quantity: 1, UnitPrice: decimal.RequireFromString("4.50")})
	require.NoError(t, err)

	_, err = svc.Checkout(ctx, owner)
	assert.ErrorIs(t, err, apperrors.ErrChannelUnavailable)
	assert.Equal(t, 1, pub.calls)

	basket, err := store.Get(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, basket.Items, 1)
}

func TestCheckout_ClearFailureStillSucceeds(t *testing.T) {
	owner := uuid.New()
	basket := models.NewBasket(owner)
	basket.Upsert(models.BasketItem{ProductID: uuid.New(), Quantity: 1, UnitPrice: decimal.RequireFromString("2")})

	store := new(MockBasketReader)
	store.On("Get", mock.Anything, owner).Return(basket, nil)
	store.On("ClearCheckedOut", mock.Anything, owner, basket).Return(nil, apperrors.ErrStorageUnavailable)

	core, logs := observer.New(zap.WarnLevel)
	bus := eventbus.NewMemoryBus()
	svc := NewCheckoutService(store, bus, nil, zap.New(core))

	result, err := svc.Checkout(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, "2.00", result.Total.StringFixed(2))
	assert.Len(t, bus.Published(), 1)
	assert.Equal(t, 1, logs.FilterMessage("Basket not cleared after checkout").Len())
	store.AssertExpectations(t)
}

func TestCheckout_StoreUnavailable(t *testing.T) {
	owner := uuid.New()
	store := new(MockBasketReader)
	store.On("Get", mock.Anything, owner).Return(nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, errors.New("dial tcp: refused")))

	bus := eventbus.NewMemoryBus()
	svc := NewCheckoutService(store, bus, nil, zap.NewNop())

	_, err := svc.Checkout(context.Background(), owner)
	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
	assert.Empty(t, bus.Published())
	store.AssertNotCalled(t, "ClearCheckedOut", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckout_FreshCorrelationPerCheckout(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	bus := eventbus.NewMemoryBus()
	svc := NewCheckoutService(store, bus, nil, zap.NewNop())
	owner := uuid.New()

	ids := map[uuid.UUID]bool{}
	for i := 0; i < 3; i++ {
		_, err := store.UpsertItem(ctx, owner, models.BasketItem{ProductID: uuid.New(), Quantity: 1, UnitPrice: decimal.NewFromInt(1)})
		require.NoError(t, err)
		result, err := svc.Checkout(ctx, owner)
		require.NoError(t, err)
		ids[result.CorrelationID] = true
	}
	assert.Len(t, ids, 3)
}

// addsDuringPublish writes to the basket while the checkout event is in flight.
type addsDuringPublish struct {
	*eventbus.MemoryBus
	store *database.BasketStore
	owner uuid.UUID
	item  models.BasketItem
}

func (p *addsDuringPublish) Publish(ctx context.Context, msg eventbus.Message) error {
	if _, err := p.store.UpsertItem(ctx, p.owner, p.item); err != nil {
		return err
	}
	return p.MemoryBus.Publish(ctx, msg)
}

func TestCheckout_KeepsItemsAddedAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	owner := uuid.New()
	checkedOut := models.BasketItem{ProductID: uuid.New(), Quantity: 2, UnitPrice: decimal.RequireFromString("10")}
	late := models.BasketItem{ProductID: uuid.New(), Quantity: 1, UnitPrice: decimal.RequireFromString("3.25")}
	_, err := store.UpsertItem(ctx, owner, checkedOut)
	require.NoError(t, err)

	bus := &addsDuringPublish{MemoryBus: eventbus.NewMemoryBus(), store: store, owner: owner, item: late}
	svc := NewCheckoutService(store, bus, nil, zap.NewNop())

	result, err := svc.Checkout(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ItemCount)

	event, err := contracts.DecodeCheckoutRequested(bus.Published()[0].Body)
	require.NoError(t, err)
	require.Len(t, event.Items, 1)
	assert.Equal(t, checkedOut.ProductID, event.Items[0].ProductID)

	basket, err := store.Get(ctx, owner)
	require.NoError(t, err)
	require.Len(t, basket.Items, 1)
	assert.Equal(t, late.ProductID, basket.Items[0].ProductID)
}
