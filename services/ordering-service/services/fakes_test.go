package services

import (
	"context"
	"sort"
	"sync"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	"github.com/ValRusDev/microshop/services/ordering-service/models"
	"github.com/google/uuid"
)

// memoryRepo mimics the order store's unique id constraint.
type memoryRepo struct {
	mu          sync.Mutex
	orders      map[uuid.UUID]models.Order
	inserts     int
	failInserts int
	findErr     error
	hideOnFind  bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{orders: map[uuid.UUID]models.Order{}}
}

func (r *memoryRepo) FindByID(_ context.Context, id uuid.UUID) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	o, ok := r.orders[id]
	if !ok || r.hideOnFind {
		return nil, nil
	}
	return &o, nil
}

func (r *memoryRepo) Insert(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if r.failInserts > 0 {
		r.failInserts--
		return apperrors.ErrStorageUnavailable
	}
	if _, exists := r.orders[order.ID]; exists {
		return apperrors.ErrDuplicateKey
	}
	r.orders[order.ID] = *order
	return nil
}

func (r *memoryRepo) ListByOwner(_ context.Context, ownerID uuid.UUID, page, limit int) ([]models.Order, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []models.Order
	for _, o := range r.orders {
		if o.OwnerID == ownerID {
			all = append(all, o)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	start := (page - 1) * limit
	if start >= len(all) {
		return []models.Order{}, int64(len(all)), nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], int64(len(all)), nil
}

func (r *memoryRepo) Ping(context.Context) error { return nil }

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

type outcomes struct {
	mu   sync.Mutex
	list []string
}

func (o *outcomes) RecordOrder(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, outcome)
}

func (o *outcomes) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.list...)
}
