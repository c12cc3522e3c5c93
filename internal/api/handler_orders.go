package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"laundry-sync-backend/internal/parse"
	"laundry-sync-backend/internal/store"
)

type createOrderRequest struct {
	CustomerEmail string `json:"customerEmail" binding:"required,email"`
	CustomerName  string `json:"customerName" binding:"max=128"`
	CustomerPhone string `json:"customerPhone" binding:"max=32"`
	Package       string `json:"package" binding:"omitempty,oneof=BASIC STANDARD PREMIUM"`
	Price         int64  `json:"price" binding:"min=0"`
}

// CreateOrder handles POST /api/orders.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.store.CreateOrder(c.Request.Context(), store.NewOrder{
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		Package:       req.Package,
		Price:         req.Price,
	}, h.now())
	if err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info("order created", zap.String("order_code", order.OrderCode))
	h.notifier.NotifyOrderCreated(order)
	c.JSON(http.StatusCreated, order)
}

// orderCode normalizes the :code path parameter, answering 400 when it is malformed.
func orderCode(c *gin.Context) (string, bool) {
	code, err := parse.OrderCode(c.Param("code"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return code, true
}

// GetOrder handles GET /api/orders/:code.
func (h *Handler) GetOrder(c *gin.Context) {
	code, ok := orderCode(c)
	if !ok {
		return
	}
	order, err := h.store.GetOrder(c.Request.Context(), code)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type startOrderRequest struct {
	MachineID string `json:"machineId" binding:"required"`
}

// StartOrder handles POST /api/orders/:code/start.
func (h *Handler) StartOrder(c *gin.Context) {
	code, ok := orderCode(c)
	if !ok {
		return
	}
	var req startOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.operator.StartOrder(c.Request.Context(), code, req.MachineID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// PickupOrder handles POST /api/orders/:code/pickup.
func (h *Handler) PickupOrder(c *gin.Context) {
	code, ok := orderCode(c)
	if !ok {
		return
	}
	order, err := h.operator.Pickup(c.Request.Context(), code)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// CancelOrder handles DELETE /api/orders/:code. Only PENDING orders can be cancelled.
func (h *Handler) CancelOrder(c *gin.Context) {
	code, ok := orderCode(c)
	if !ok {
		return
	}
	order, err := h.operator.Cancel(c.Request.Context(), code)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
