// Package contracts holds the messages exchanged between the basket and
// ordering services.
package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// KindCheckoutRequested is the routing key / topic of CheckoutRequested.
const KindCheckoutRequested = "checkout.requested"

// MoneyScale is the number of decimal places prices are stored with.
const MoneyScale = 2

var ErrInvalidEvent = errors.New("invalid checkout event")

// CheckoutItem is one basket line frozen at checkout time.
type CheckoutItem struct {
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CheckoutRequested asks the ordering side to materialize an order.
// CorrelationID is chosen once by the publisher and doubles as the order id.
type CheckoutRequested struct {
	CorrelationID uuid.UUID       `json:"correlation_id"`
	OwnerID       uuid.UUID       `json:"owner_id"`
	Items         []CheckoutItem  `json:"items"`
	Total         decimal.Decimal `json:"total"`
	RequestedAt   time.Time       `json:"requested_at"`
}

// ItemsTotal sums unit price times quantity over all items.
func (e CheckoutRequested) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range e.Items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// Validate reports structural problems that no amount of redelivery can fix.
func (e CheckoutRequested) Validate() error {
	if e.CorrelationID == uuid.Nil {
		return fmt.Errorf("%w: missing correlation_id", ErrInvalidEvent)
	}
	if e.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: missing owner_id", ErrInvalidEvent)
	}
	if len(e.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidEvent)
	}
	for _, it := range e.Items {
		if it.ProductID == uuid.Nil {
			return fmt.Errorf("%w: item without product_id", ErrInvalidEvent)
		}
		if it.Quantity < 1 {
			return fmt.Errorf("%w: product %s has quantity %d", ErrInvalidEvent, it.ProductID, it.Quantity)
		}
		if it.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: product %s has negative unit_price", ErrInvalidEvent, it.ProductID)
		}
		if !it.UnitPrice.Equal(it.UnitPrice.Round(MoneyScale)) {
			return fmt.Errorf("%w: product %s unit_price %s has more than %d decimal places", ErrInvalidEvent, it.ProductID, it.UnitPrice, MoneyScale)
		}
	}
	if computed := e.ItemsTotal(); !computed.Equal(e.Total) {
		return fmt.Errorf("%w: total %s does not match items %s", ErrInvalidEvent, e.Total, computed)
	}
	return nil
}

// DecodeCheckoutRequested parses and validates a payload.
func DecodeCheckoutRequested(body []byte) (CheckoutRequested, error) {
	var evt CheckoutRequested
	if err := json.Unmarshal(body, &evt); err != nil {
		return evt, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return evt, evt.Validate()
}
