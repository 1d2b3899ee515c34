package order

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealsafe/internal/kyc"
	"github.com/mbd888/dealsafe/internal/money"
	"github.com/mbd888/dealsafe/internal/pagination"
)

// Handler provides HTTP endpoints for listing management.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates an order handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up order listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.PATCH("/orders/:id/price", h.UpdatePrice)
	r.POST("/orders/:id/delist", h.Delist)
}

// CreateOrderRequest creates a new listing.
type CreateOrderRequest struct {
	SellerID    string `json:"sellerId" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Price       string `json:"price" binding:"required"`
	Currency    string `json:"currency"`
}

// CreateOrder handles POST /orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	price, err := money.Parse(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "price must be a positive decimal with at most 2 decimal places",
		})
		return
	}

	o, err := h.svc.Create(c.Request.Context(), req.SellerID, req.Title, req.Description, price, req.Currency)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /orders
func (h *Handler) ListOrders(c *gin.Context) {
	f := Filter{
		SellerID: c.Query("seller"),
		BuyerID:  c.Query("buyer"),
		Status:   Status(c.Query("status")),
	}

	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}
	f.Before = cursor

	// Fetch one extra row to detect whether another page exists.
	f.Limit = limit + 1
	orders, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}

	orders, next, more := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	c.JSON(http.StatusOK, gin.H{"orders": orders, "nextCursor": next, "hasMore": more})
}

// UpdatePriceRequest changes an unsold listing's price.
type UpdatePriceRequest struct {
	SellerID string `json:"sellerId" binding:"required"`
	Price    string `json:"price" binding:"required"`
}

// UpdatePrice handles PATCH /orders/:id/price
func (h *Handler) UpdatePrice(c *gin.Context) {
	var req UpdatePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	price, err := money.Parse(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "price must be a positive decimal with at most 2 decimal places",
		})
		return
	}

	o, err := h.svc.UpdatePrice(c.Request.Context(), c.Param("id"), req.SellerID, price)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// DelistRequest removes an unsold listing.
type DelistRequest struct {
	SellerID string `json:"sellerId" binding:"required"`
}

// Delist handles POST /orders/:id/delist
func (h *Handler) Delist(c *gin.Context) {
	var req DelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.svc.Delist(c.Request.Context(), c.Param("id"), req.SellerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var itErr *IllegalTransitionError
	switch {
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found", "message": "No such order"})
	case errors.Is(err, ErrNotSeller):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_seller", "message": err.Error()})
	case errors.Is(err, ErrPriceOutOfRange), errors.Is(err, ErrPriceLocked):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_price", "message": err.Error()})
	case errors.Is(err, kyc.ErrTierLimitExceeded):
		c.JSON(http.StatusForbidden, gin.H{"error": "tier_limit_exceeded", "message": err.Error()})
	case errors.As(err, &itErr):
		c.JSON(http.StatusConflict, gin.H{"error": "illegal_transition", "message": itErr.Error()})
	default:
		h.logger.Error("order request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order_error", "message": "Request failed"})
	}
}
