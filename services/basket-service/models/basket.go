package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValRusDev/microshop/pkg/contracts"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BasketItem struct {
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

var ErrInvalidItem = errors.New("invalid basket item")

// Validate rejects items the order store could not keep verbatim.
func (i BasketItem) Validate() error {
	switch {
	case i.ProductID == uuid.Nil:
		return fmt.Errorf("%w: product_id is required", ErrInvalidItem)
	case i.Quantity < 1:
		return fmt.Errorf("%w: product %s has quantity %d", ErrInvalidItem, i.ProductID, i.Quantity)
	case i.UnitPrice.IsNegative():
		return fmt.Errorf("%w: product %s has negative unit_price %s", ErrInvalidItem, i.ProductID, i.UnitPrice)
	case !i.UnitPrice.Equal(i.UnitPrice.Round(contracts.MoneyScale)):
		return fmt.Errorf("%w: product %s unit_price %s has more than %d decimal places", ErrInvalidItem, i.ProductID, i.UnitPrice, contracts.MoneyScale)
	}
	return nil
}

func (i BasketItem) sameLine(other BasketItem) bool {
	return i.ProductID == other.ProductID && i.Quantity == other.Quantity && i.UnitPrice.Equal(other.UnitPrice)
}

// LineTotal is unit price times quantity.
func (i BasketItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Basket holds at most one item per product.
type Basket struct {
	OwnerID   uuid.UUID    `json:"owner_id"`
	Items     []BasketItem `json:"items"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func NewBasket(ownerID uuid.UUID) *Basket {
	return &Basket{OwnerID: ownerID, Items: []BasketItem{}}
}

func (b *Basket) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range b.Items {
		total = total.Add(it.LineTotal())
	}
	return total
}

func (b *Basket) IsEmpty() bool {
	return len(b.Items) == 0
}

// Upsert replaces the entry for item.ProductID or appends it.
func (b *Basket) Upsert(item BasketItem) {
	for i := range b.Items {
		if b.Items[i].ProductID == item.ProductID {
			b.Items[i] = item
			return
		}
	}
	b.Items = append(b.Items, item)
}

// Remove drops every entry for productID. Missing products are ignored.
func (b *Basket) Remove(productID uuid.UUID) {
	kept := make([]BasketItem, 0, len(b.Items))
	for _, it := range b.Items {
		if it.ProductID != productID {
			kept = append(kept, it)
		}
	}
	b.Items = kept
}

// Subtract drops the lines that are still exactly as they were checked out.
// Lines added or changed since then are kept.
func (b *Basket) Subtract(checkedOut []BasketItem) {
	kept := make([]BasketItem, 0, len(b.Items))
	for _, it := range b.Items {
		taken := false
		for _, co := range checkedOut {
			if it.sameLine(co) {
				taken = true
				break
			}
		}
		if !taken {
			kept = append(kept, it)
		}
	}
	b.Items = kept
}
