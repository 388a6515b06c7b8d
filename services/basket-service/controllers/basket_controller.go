package controllers

import (
	"context"
	"net/http"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	"github.com/ValRusDev/microshop/pkg/middleware"
	"github.com/ValRusDev/microshop/services/basket-service/models"
	"github.com/ValRusDev/microshop/services/basket-service/services"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type BasketStore interface {
	Get(ctx context.Context, ownerID uuid.UUID) (*models.Basket, error)
	UpsertItem(ctx context.Context, ownerID uuid.UUID, item models.BasketItem) (*models.Basket, error)
	RemoveItem(ctx context.Context, ownerID, productID uuid.UUID) (*models.Basket, error)
	Clear(ctx context.Context, ownerID uuid.UUID) error
}

type Checkouter interface {
	Checkout(ctx context.Context, ownerID uuid.UUID) (*services.CheckoutResult, error)
}

type BasketController struct {
	Store    BasketStore
	Checkout Checkouter
	Logger   *zap.Logger
}

func NewBasketController(store BasketStore, checkout Checkouter, logger *zap.Logger) *BasketController {
	return &BasketController{Store: store, Checkout: checkout, Logger: logger}
}

func (bc *BasketController) owner(c *gin.Context) (uuid.UUID, bool) {
	ownerID, err := middleware.GetOwnerID(c)
	if err != nil {
		apperrors.Respond(c, apperrors.ErrUnauthorized)
		return uuid.Nil, false
	}
	return ownerID, true
}

// GetBasket returns the caller's basket with its total.
func (bc *BasketController) GetBasket(c *gin.Context) {
	ownerID, ok := bc.owner(c)
	if !ok {
		return
	}

	basket, err := bc.Store.Get(c.Request.Context(), ownerID)
	if err != nil {
		bc.Logger.Error("Failed to load basket", zap.String("owner_id", ownerID.String()), zap.Error(err))
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewBasketResponse(basket))
}

// AddItem adds a product or replaces its existing line.
func (bc *BasketController) AddItem(c *gin.Context) {
	ownerID, ok := bc.owner(c)
	if !ok {
		return
	}

	var req models.AddItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bc.Logger.Warn("Invalid basket item payload", zap.Error(err))
		apperrors.Respond(c, apperrors.Wrap(apperrors.ErrInvalidInput, err))
		return
	}

	basket, err := bc.Store.UpsertItem(c.Request.Context(), ownerID, req.Item())
	if err != nil {
		bc.Logger.Error("Failed to save basket item",
			zap.String("owner_id", ownerID.String()),
			zap.String("product_id", req.ProductID.String()),
			zap.Error(err))
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewBasketResponse(basket))
}

// RemoveItem deletes a product line. Unknown products still yield 204.
func (bc *BasketController) RemoveItem(c *gin.Context) {
	ownerID, ok := bc.owner(c)
	if !ok {
		return
	}

	productID, err := uuid.Parse(c.Param("productId"))
	if err != nil {
		apperrors.Respond(c, apperrors.Wrap(apperrors.ErrInvalidInput, err))
		return
	}

	if _, err := bc.Store.RemoveItem(c.Request.Context(), ownerID, productID); err != nil {
		bc.Logger.Error("Failed to remove basket item",
			zap.String("owner_id", ownerID.String()),
			zap.String("product_id", productID.String()),
			zap.Error(err))
		apperrors.Respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ClearBasket empties the caller's basket.
func (bc *BasketController) ClearBasket(c *gin.Context) {
	ownerID, ok := bc.owner(c)
	if !ok {
		return
	}

	if err := bc.Store.Clear(c.Request.Context(), ownerID); err != nil {
		bc.Logger.Error("Failed to clear basket", zap.String("owner_id", ownerID.String()), zap.Error(err))
		apperrors.Respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CheckoutBasket hands the basket off for order creation. A 202 means the
// request was accepted, not that the order exists yet.
func (bc *BasketController) CheckoutBasket(c *gin.Context) {
	ownerID, ok := bc.owner(c)
	if !ok {
		return
	}

	result, err := bc.Checkout.Checkout(c.Request.Context(), ownerID)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}

	c.Header("Location", "/api/v1/orders/"+ownerID.String())
	c.JSON(http.StatusAccepted, models.CheckoutResponse{
		Message:       "Checkout requested",
		Total:         result.Total.StringFixed(2),
		CorrelationID: result.CorrelationID,
	})
}
