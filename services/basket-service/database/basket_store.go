package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	"github.com/ValRusDev/microshop/services/basket-service/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxUpdateAttempts = 8

// BasketStore keeps one JSON document per owner under "basket:<owner>".
// Every write refreshes the TTL so baskets expire after a period of inactivity.
type BasketStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

func NewBasketStore(client redis.UniversalClient, ttl time.Duration) *BasketStore {
	return &BasketStore{client: client, ttl: ttl, now: time.Now}
}

func basketKey(ownerID uuid.UUID) string {
	return "basket:" + ownerID.String()
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, r stringGetter, ownerID uuid.UUID) (*models.Basket, error) {
	data, err := r.Get(ctx, basketKey(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.NewBasket(ownerID), nil
	}
	if err != nil {
		return nil, err
	}

	var basket models.Basket
	if err := json.Unmarshal(data, &basket); err != nil {
		return nil, fmt.Errorf("decode basket %s: %w", ownerID, err)
	}
	basket.OwnerID = ownerID
	if basket.Items == nil {
		basket.Items = []models.BasketItem{}
	}
	return &basket, nil
}

// Get returns the stored basket, or an empty one when none exists.
func (s *BasketStore) Get(ctx context.Context, ownerID uuid.UUID) (*models.Basket, error) {
	basket, err := load(ctx, s.client, ownerID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, err)
	}
	return basket, nil
}

// UpsertItem replaces or appends the line for item.ProductID.
func (s *BasketStore) UpsertItem(ctx context.Context, ownerID uuid.UUID, item models.BasketItem) (*models.Basket, error) {
	if err := item.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, err)
	}
	return s.update(ctx, ownerID, false, func(b *models.Basket) { b.Upsert(item) })
}

// RemoveItem drops every line for productID. Removing an absent product is not an error.
func (s *BasketStore) RemoveItem(ctx context.Context, ownerID, productID uuid.UUID) (*models.Basket, error) {
	return s.update(ctx, ownerID, false, func(b *models.Basket) { b.Remove(productID) })
}

// ClearCheckedOut removes the lines of snapshot from the stored basket in one
// compare-and-set. Lines written after the snapshot was read survive; the key
// is deleted once nothing is left.
func (s *BasketStore) ClearCheckedOut(ctx context.Context, ownerID uuid.UUID, snapshot *models.Basket) (*models.Basket, error) {
	return s.update(ctx, ownerID, true, func(b *models.Basket) { b.Subtract(snapshot.Items) })
}

// Clear deletes the basket.
func (s *BasketStore) Clear(ctx context.Context, ownerID uuid.UUID) error {
	if err := s.client.Del(ctx, basketKey(ownerID)).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

// update runs a read-modify-write under WATCH so concurrent writers to the
// same basket retry instead of overwriting each other. With dropEmpty an
// emptied basket is deleted instead of stored.
func (s *BasketStore) update(ctx context.Context, ownerID uuid.UUID, dropEmpty bool, mutate func(*models.Basket)) (*models.Basket, error) {
	key := basketKey(ownerID)

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var saved *models.Basket
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			basket, err := load(ctx, tx, ownerID)
			if err != nil {
				return err
			}
			mutate(basket)
			basket.UpdatedAt = s.now().UTC()

			data, err := json.Marshal(basket)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if dropEmpty && basket.IsEmpty() {
					pipe.Del(ctx, key)
					return nil
				}
				pipe.Set(ctx, key, data, s.ttl)
				return nil
			})
			if err == nil {
				saved = basket
			}
			return err
		}, key)

		switch {
		case err == nil:
			return saved, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, err)
		}
	}
	return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable,
		fmt.Errorf("basket %s: too much write contention", ownerID))
}
