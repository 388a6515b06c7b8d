package models

import (
	"reflect"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AddItemRequest struct {
	ProductID uuid.UUID       `json:"product_id" binding:"required"`
	Quantity  int             `json:"quantity" binding:"required,min=1"`
	UnitPrice decimal.Decimal `json:"unit_price" binding:"gte=0"`
}

func (r AddItemRequest) Item() BasketItem {
	return BasketItem{ProductID: r.ProductID, Quantity: r.Quantity, UnitPrice: r.UnitPrice}
}

type BasketResponse struct {
	OwnerID uuid.UUID          `json:"owner_id"`
	Items   []BasketItemResult `json:"items"`
	Total   string             `json:"total"`
}

type BasketItemResult struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice string    `json:"unit_price"`
	LineTotal string    `json:"line_total"`
}

func NewBasketResponse(b *Basket) BasketResponse {
	items := make([]BasketItemResult, 0, len(b.Items))
	for _, it := range b.Items {
		items = append(items, BasketItemResult{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
			LineTotal: it.LineTotal().StringFixed(2),
		})
	}
	return BasketResponse{OwnerID: b.OwnerID, Items: items, Total: b.Total().StringFixed(2)}
}

type CheckoutResponse struct {
	Message       string    `json:"message"`
	Total         string    `json:"total"`
	CorrelationID uuid.UUID `json:"correlation_id"`
}

// RegisterValidators lets binding tags such as gte=0 apply to decimal fields.
func RegisterValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})
	}
}

func decimalValue(field reflect.Value) interface{} {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		f, _ := d.Float64()
		return f
	}
	return nil
}
