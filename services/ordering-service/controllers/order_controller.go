package controllers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	"github.com/ValRusDev/microshop/services/ordering-service/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type OrderReader interface {
	GetOwnerOrders(ctx context.Context, ownerID uuid.UUID, page, limit int) (*models.OrderListResponse, error)
	GetOrder(ctx context.Context, ownerID, orderID uuid.UUID) (*models.OrderView, error)
}

type OrderController struct {
	orderService OrderReader
}

func NewOrderController(orderService OrderReader) *OrderController {
	return &OrderController{orderService: orderService}
}

// GetOrders returns paginated orders for an owner
func (oc *OrderController) GetOrders(ctx *gin.Context) {
	ownerID, err := uuid.Parse(ctx.Param("ownerId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid owner ID format"})
		return
	}

	page, limit := parsePaginationParams(ctx)

	result, err := oc.orderService.GetOwnerOrders(ctx.Request.Context(), ownerID, page, limit)
	if err != nil {
		apperrors.Respond(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

// GetOrderByID returns one order of an owner
func (oc *OrderController) GetOrderByID(ctx *gin.Context) {
	ownerID, err := uuid.Parse(ctx.Param("ownerId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid owner ID format"})
		return
	}
	orderID, err := uuid.Parse(ctx.Param("orderId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID format"})
		return
	}

	order, err := oc.orderService.GetOrder(ctx.Request.Context(), ownerID, orderID)
	if err != nil {
		apperrors.Respond(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"order": order})
}

// parsePaginationParams extracts and validates pagination parameters
func parsePaginationParams(ctx *gin.Context) (int, int) {
	const MaxLimit = 100
	const MaxPage = 1_000_000
	const DefaultPage = 1
	const DefaultLimit = 10

	pageInt := DefaultPage
	limitInt := DefaultLimit

	if p, err := strconv.Atoi(ctx.DefaultQuery("page", "1")); err == nil && p > 0 {
		pageInt = min(p, MaxPage)
	}
	if l, err := strconv.Atoi(ctx.DefaultQuery("limit", "10")); err == nil && l > 0 {
		limitInt = min(l, MaxLimit)
	}
	return pageInt, limitInt
}
