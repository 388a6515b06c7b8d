package repository

import (
	"context"
	"math"

	"github.com/ValRusDev/microshop/services/ordering-service/models"
	"github.com/google/uuid"
)

// OrderRepository is the durable order store. Insert reports an existing order
// id as apperrors.ErrDuplicateKey; every other failure wraps
// apperrors.ErrStorageUnavailable.
type OrderRepository interface {
	// FindByID returns nil, nil when no order has the id.
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// Insert stores the order and its items atomically.
	Insert(ctx context.Context, order *models.Order) error
	// ListByOwner pages through an owner's orders, newest first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID, page, limit int) ([]models.Order, int64, error)
	Ping(ctx context.Context) error
}

// offset saturates at math.MaxInt so absurd pages read as past the end.
func offset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 1
	}
	if page-1 > math.MaxInt/limit {
		return math.MaxInt
	}
	return (page - 1) * limit
}
