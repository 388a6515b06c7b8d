package routes

import (
	"github.com/ValRusDev/microshop/pkg/auth"
	"github.com/ValRusDev/microshop/pkg/middleware"
	"github.com/ValRusDev/microshop/services/basket-service/controllers"
	"github.com/gin-gonic/gin"
)

type Options struct {
	RateLimitPerMinute int
	RateLimitBurst     int
	// TrustGatewayHeader accepts X-User-ID when no JWT secret is configured.
	TrustGatewayHeader bool
}

func RegisterBasketRoutes(r gin.IRouter, controller *controllers.BasketController, validator *auth.TokenValidator, opts Options) {
	basket := r.Group("/api/v1/basket")
	basket.Use(middleware.AuthMiddleware(validator, opts.TrustGatewayHeader))
	if opts.RateLimitPerMinute > 0 {
		basket.Use(middleware.RateLimitMiddleware(opts.RateLimitPerMinute, opts.RateLimitBurst))
	}
	{
		basket.GET("", controller.GetBasket)
		basket.DELETE("", controller.ClearBasket)
		basket.POST("/items", controller.AddItem)
		basket.DELETE("/items/:productId", controller.RemoveItem)
		basket.POST("/checkout", controller.CheckoutBasket)
	}
}
