package models

import (
	"time"

	"github.com/google/uuid"
)

type OrderItemView struct {
	ID        uuid.UUID `json:"id"`
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice string    `json:"unit_price"`
}

type OrderView struct {
	ID        uuid.UUID       `json:"id"`
	OwnerID   uuid.UUID       `json:"owner_id"`
	CreatedAt time.Time       `json:"created_at"`
	Total     string          `json:"total"`
	Status    string          `json:"status"`
	Items     []OrderItemView `json:"items"`
}

func NewOrderView(o Order) OrderView {
	items := make([]OrderItemView, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemView{
			ID:        it.ID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
		})
	}
	return OrderView{
		ID:        o.ID,
		OwnerID:   o.OwnerID,
		CreatedAt: o.CreatedAt,
		Total:     o.Total.StringFixed(2),
		Status:    o.Status,
		Items:     items,
	}
}

type MetaData struct {
	Page        int   `json:"page"`
	Limit       int   `json:"limit"`
	TotalOrders int64 `json:"total_orders"`
	TotalPages  int64 `json:"total_pages"`
	HasMore     bool  `json:"has_more"`
}

type OrderListResponse struct {
	Orders []OrderView `json:"orders"`
	Meta   MetaData    `json:"meta"`
}
