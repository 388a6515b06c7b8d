package models

import (
	"strconv"
	"time"

	"github.com/ValRusDev/microshop/pkg/contracts"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const OrderStatusPending = "Pending"

// Order is created once per checkout request and never modified afterwards.
// ID is the correlation id of that request.
type Order struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	OwnerID   uuid.UUID       `gorm:"type:uuid;not null;index:idx_orders_owner_created,priority:1"`
	CreatedAt time.Time       `gorm:"not null;index:idx_orders_owner_created,priority:2,sort:desc"`
	Total     decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Status    string          `gorm:"type:varchar(20);not null"`
	Items     []OrderItem     `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
}

type OrderItem struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	OrderID   uuid.UUID       `gorm:"type:uuid;not null;index"`
	ProductID uuid.UUID       `gorm:"type:uuid;not null"`
	Quantity  int             `gorm:"not null"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(18,2);not null"`
}

// NewOrderFromCheckout copies the event verbatim into a Pending order.
// Item ids derive from the order id so a replayed event yields identical rows.
func NewOrderFromCheckout(evt contracts.CheckoutRequested, now time.Time) *Order {
	order := &Order{
		ID:        evt.CorrelationID,
		OwnerID:   evt.OwnerID,
		CreatedAt: now.UTC(),
		Total:     evt.Total,
		Status:    OrderStatusPending,
		Items:     make([]OrderItem, 0, len(evt.Items)),
	}
	for i, it := range evt.Items {
		order.Items = append(order.Items, OrderItem{
			ID:        uuid.NewSHA1(evt.CorrelationID, []byte(strconv.Itoa(i)+":"+it.ProductID.String())),
			OrderID:   evt.CorrelationID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	return order
}
