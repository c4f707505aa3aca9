package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/audit"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Engine is the checkout and reconciliation surface served over HTTP
type Engine interface {
	Checkout(ctx context.Context, in service.CheckoutInput) (*service.CheckoutResult, error)
	HandleNotify(ctx context.Context, p gateway.NotifyPayload) (*service.ReconcileOutcome, error)
	Resync(ctx context.Context, orderNo string) (*service.ReconcileOutcome, error)
	QueryTradeInfo(ctx context.Context, orderNo string) (*gateway.QueryResult, error)
	CloseTrade(ctx context.Context, orderNo string, closeType gateway.CloseType) (*gateway.CloseResult, error)
	GetOrder(ctx context.Context, orderNo string) (*models.Order, []models.OrderLine, error)
	ListOrders(ctx context.Context, userID int64) ([]models.Order, error)
}

// Carts maintains the pre-checkout cart
type Carts interface {
	GetLinesByUser(ctx context.Context, userID int64) ([]models.CartLine, error)
	AddToCart(ctx context.Context, userID, productID int64, quantity int) (*models.CartLine, error)
	RemoveFromCart(ctx context.Context, userID, productID int64) error
	ClearByUser(ctx context.Context, userID int64) (int64, error)
}

// AuditLog reads journaled events for an order
type AuditLog interface {
	ListByOrder(orderNo string) ([]audit.Entry, error)
}

// ReadinessCheck is one dependency probed by /ready
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	engine  Engine
	carts   Carts
	journal AuditLog
	checks  []ReadinessCheck
	logger  *zap.Logger
}

// NewHandler creates a new HTTP handler. journal may be nil.
func NewHandler(engine Engine, carts Carts, journal AuditLog, checks ...ReadinessCheck) *Handler {
	return &Handler{
		engine:  engine,
		carts:   carts,
		journal: journal,
		checks:  checks,
		logger:  util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.checkout)

		v1.POST("/payments/notify", h.notify)
		v1.GET("/payments/:orderNo", h.queryTrade)
		v1.POST("/payments/:orderNo/resync", h.resync)
		v1.POST("/payments/:orderNo/close", h.closeTrade)

		v1.GET("/orders/:orderNo", h.getOrder)
		if h.journal != nil {
			v1.GET("/orders/:orderNo/audit", h.getAudit)
		}

		v1.GET("/carts/:userId/items", h.getCart)
		v1.POST("/carts/:userId/items", h.addCartItem)
		v1.DELETE("/carts/:userId/items", h.clearCart)
		v1.DELETE("/carts/:userId/items/:productId", h.removeCartItem)

		v1.GET("/users/:userId/orders", h.listOrders)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck probes every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for _, chk := range h.checks {
		if err := chk.Check(ctx); err != nil {
			failed[chk.Name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"checks": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// CheckoutRequest is the body of POST /checkout
type CheckoutRequest struct {
	UserID         int64  `json:"user_id" binding:"required,gt=0"`
	UserName       string `json:"user_name" binding:"max=100"`
	TotalAmount    int64  `json:"total_amount" binding:"gte=0"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// checkout turns the user's cart into an order and returns the pay form
func (h *Handler) checkout(c *gin.Context) {
	var req CheckoutRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	res, err := h.engine.Checkout(c.Request.Context(), service.CheckoutInput{
		UserID:         req.UserID,
		UserName:       req.UserName,
		TotalAmount:    req.TotalAmount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(c, "Checkout failed", err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

// notify is the gateway webhook. The body is "OK" unless the failure is one
// a redelivery could fix, in which case a 503 asks the gateway to retry.
func (h *Handler) notify(c *gin.Context) {
	var payload gateway.NotifyPayload

	if err := c.ShouldBind(&payload); err != nil {
		h.logger.Warn("Discarding malformed notify", zap.Error(err))
		c.String(http.StatusOK, "OK")
		return
	}

	_, err := h.engine.HandleNotify(c.Request.Context(), payload)
	if err != nil && service.Retryable(err) {
		c.String(http.StatusServiceUnavailable, "RETRY")
		return
	}

	c.String(http.StatusOK, "OK")
}

// queryTrade returns the gateway's record for an order
func (h *Handler) queryTrade(c *gin.Context) {
	res, err := h.engine.QueryTradeInfo(c.Request.Context(), c.Param("orderNo"))
	if err != nil {
		h.writeError(c, "Failed to query trade", err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// resync re-queries the gateway and reconciles the order
func (h *Handler) resync(c *gin.Context) {
	out, err := h.engine.Resync(c.Request.Context(), c.Param("orderNo"))
	if err != nil {
		h.writeError(c, "Failed to reconcile order", err)
		return
	}

	c.JSON(http.StatusOK, out)
}

// CloseRequest is the body of POST /payments/:orderNo/close
type CloseRequest struct {
	CloseType int `json:"close_type" binding:"required,oneof=1 2"`
}

// closeTrade requests capture or refund
func (h *Handler) closeTrade(c *gin.Context) {
	var req CloseRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	res, err := h.engine.CloseTrade(c.Request.Context(), c.Param("orderNo"), gateway.CloseType(req.CloseType))
	if err != nil {
		h.writeError(c, "Failed to close trade", err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// getOrder returns an order with its lines
func (h *Handler) getOrder(c *gin.Context) {
	order, lines, err := h.engine.GetOrder(c.Request.Context(), c.Param("orderNo"))
	if err != nil {
		h.writeError(c, "Failed to load order", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"lines": lines,
	})
}

// listOrders returns a user's order headers
func (h *Handler) listOrders(c *gin.Context) {
	userID, ok := parseID(c, "userId")
	if !ok {
		return
	}

	orders, err := h.engine.ListOrders(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "Failed to list orders", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"orders":  orders,
	})
}

// getAudit returns the journaled events for an order
func (h *Handler) getAudit(c *gin.Context) {
	entries, err := h.journal.ListByOrder(c.Param("orderNo"))
	if err != nil {
		h.writeError(c, "Failed to read audit journal", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_no": c.Param("orderNo"),
		"events":   entries,
	})
}

// getCart returns the user's cart and its total
func (h *Handler) getCart(c *gin.Context) {
	userID, ok := parseID(c, "userId")
	if !ok {
		return
	}

	lines, err := h.carts.GetLinesByUser(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "Failed to load cart", err)
		return
	}

	var total int64
	for _, l := range lines {
		total += l.Subtotal()
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"items":        lines,
		"total_amount": total,
	})
}

// AddCartItemRequest is the body of POST /carts/:userId/items
type AddCartItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required,gt=0"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// addCartItem adds a product to the cart at its current price
func (h *Handler) addCartItem(c *gin.Context) {
	userID, ok := parseID(c, "userId")
	if !ok {
		return
	}

	var req AddCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	line, err := h.carts.AddToCart(c.Request.Context(), userID, req.ProductID, req.Quantity)
	if err != nil {
		h.writeError(c, "Failed to add cart item", err)
		return
	}

	c.JSON(http.StatusCreated, line)
}

// removeCartItem drops a product from the cart
func (h *Handler) removeCartItem(c *gin.Context) {
	userID, ok := parseID(c, "userId")
	if !ok {
		return
	}
	productID, ok := parseID(c, "productId")
	if !ok {
		return
	}

	if err := h.carts.RemoveFromCart(c.Request.Context(), userID, productID); err != nil {
		h.writeError(c, "Failed to remove cart item", err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) clearCart(c *gin.Context) {
	userID, ok := parseID(c, "userId")
	if !ok {
		return
	}

	removed, err := h.carts.ClearByUser(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "Failed to clear cart", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"removed": removed,
	})
}

func parseID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + param,
		})
		return 0, false
	}
	return id, true
}

// writeError maps engine and store errors to a status code
func (h *Handler) writeError(c *gin.Context, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   http.StatusText(status),
		"message": message,
		"details": err.Error(),
	})
}

func statusFor(err error) int {
	var (
		emptyCart   *service.EmptyCartError
		invalidLine *service.InvalidCartLineError
		mismatch    *service.AmountMismatchError
		notFound    *service.OrderNotFoundError
		lockTimeout *service.ReconciliationLockTimeoutError
		unknown     *service.UnknownTradeStatusError
	)

	switch {
	case errors.As(err, &emptyCart), errors.As(err, &invalidLine), errors.As(err, &mismatch),
		errors.Is(err, gateway.ErrInvalidCloseType):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrCheckoutInProgress), errors.Is(err, service.ErrOrderNotPaid):
		return http.StatusConflict
	case errors.As(err, &lockTimeout):
		return http.StatusServiceUnavailable
	case gateway.IsGatewayError(err), gateway.IsCodecError(err), errors.As(err, &unknown),
		errors.Is(err, service.ErrMerchantMismatch):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
