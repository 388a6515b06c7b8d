package routes

import (
	"github.com/ValRusDev/microshop/services/ordering-service/controllers"
	"github.com/gin-gonic/gin"
)

func RegisterOrderRoutes(r gin.IRouter, controller *controllers.OrderController) {
	orders := r.Group("/api/v1/orders")
	orders.GET("/:ownerId", controller.GetOrders)
	orders.GET("/:ownerId/:orderId", controller.GetOrderByID)
}
