package services

import (
	"context"
	"fmt"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	"github.com/ValRusDev/microshop/services/ordering-service/models"
	"github.com/ValRusDev/microshop/services/ordering-service/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderService serves the read-only order views.
type OrderService struct {
	orderRepo repository.OrderRepository
	logger    *zap.Logger
}

func NewOrderService(orderRepo repository.OrderRepository, logger *zap.Logger) *OrderService {
	return &OrderService{orderRepo: orderRepo, logger: logger}
}

// GetOwnerOrders returns one page of the owner's orders, newest first.
func (s *OrderService) GetOwnerOrders(ctx context.Context, ownerID uuid.UUID, page, limit int) (*models.OrderListResponse, error) {
	orders, total, err := s.orderRepo.ListByOwner(ctx, ownerID, page, limit)
	if err != nil {
		s.logger.Error("Failed to fetch orders", zap.String("owner_id", ownerID.String()), zap.Error(err))
		return nil, err
	}

	views := make([]models.OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, models.NewOrderView(o))
	}
	return &models.OrderListResponse{
		Orders: views,
		Meta: models.MetaData{
			Page:        page,
			Limit:       limit,
			TotalOrders: total,
			TotalPages:  calculateTotalPages(total, limit),
			HasMore:     total > int64(page*limit),
		},
	}, nil
}

// GetOrder returns a single order. Orders of other owners are reported as not found.
func (s *OrderService) GetOrder(ctx context.Context, ownerID, orderID uuid.UUID) (*models.OrderView, error) {
	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		s.logger.Error("Failed to fetch order", zap.String("order_id", orderID.String()), zap.Error(err))
		return nil, err
	}
	if order == nil || order.OwnerID != ownerID {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, fmt.Errorf("order %s", orderID))
	}
	view := models.NewOrderView(*order)
	return &view, nil
}

func calculateTotalPages(total int64, limit int) int64 {
	if limit == 0 {
		return 0
	}
	return (total + int64(limit) - 1) / int64(limit)
}
