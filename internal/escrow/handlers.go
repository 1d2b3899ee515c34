package escrow

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealsafe/internal/audit"
	"github.com/mbd888/dealsafe/internal/dispute"
	"github.com/mbd888/dealsafe/internal/kyc"
	"github.com/mbd888/dealsafe/internal/money"
	"github.com/mbd888/dealsafe/internal/order"
	"github.com/mbd888/dealsafe/internal/wallet"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates an escrow handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up escrow lifecycle routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/purchase", h.Purchase)
	r.POST("/orders/:id/confirm", h.ConfirmDelivery)
	r.POST("/orders/:id/cancel", h.Cancel)
	r.POST("/orders/:id/dispute", h.RaiseDispute)
	r.GET("/orders/:id/lock", h.GetLock)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/disputes", h.ListDisputes)
	r.GET("/admin/disputes/:id", h.GetDispute)
	r.POST("/admin/disputes/:id/review", h.MarkUnderReview)
	r.POST("/admin/disputes/:id/resolve", h.ResolveDispute)
}

// PurchaseRequest buys an order into escrow.
type PurchaseRequest struct {
	BuyerID string `json:"buyerId" binding:"required"`
}

// Purchase handles POST /orders/:id/purchase
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	ctx := audit.WithActor(c.Request.Context(), "user", req.BuyerID)
	res, err := h.svc.Purchase(ctx, c.Param("id"), req.BuyerID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": res.Order, "lock": res.Lock})
}

// ConfirmRequest confirms delivery.
type ConfirmRequest struct {
	BuyerID string `json:"buyerId" binding:"required"`
}

// ConfirmDelivery handles POST /orders/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	ctx := audit.WithActor(c.Request.Context(), "user", req.BuyerID)
	res, err := h.svc.ConfirmDelivery(ctx, c.Param("id"), req.BuyerID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": res.Order, "lock": res.Lock, "alreadyCompleted": res.AlreadySettled})
}

// CancelRequest asks to cancel an escrowed order.
type CancelRequest struct {
	RequesterID string `json:"requesterId" binding:"required"`
}

// Cancel handles POST /orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	ctx := audit.WithActor(c.Request.Context(), "user", req.RequesterID)
	res, err := h.svc.Cancel(ctx, c.Param("id"), req.RequesterID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if res.Lock == nil {
		// Consent recorded; waiting on the other party.
		c.JSON(http.StatusAccepted, gin.H{"order": res.Order, "status": "cancel_requested"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": res.Order, "lock": res.Lock})
}

// DisputeRequest raises a dispute.
type DisputeRequest struct {
	RaisedBy    string `json:"raisedBy" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
	Description string `json:"description"`
}

// RaiseDispute handles POST /orders/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	ctx := audit.WithActor(c.Request.Context(), "user", req.RaisedBy)
	d, err := h.svc.RaiseDispute(ctx, c.Param("id"), req.RaisedBy, dispute.Reason(req.Reason), req.Description)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetLock handles GET /orders/:id/lock
func (h *Handler) GetLock(c *gin.Context) {
	l, err := h.svc.GetLock(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lock": l})
}

// ListDisputes handles GET /admin/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	list, err := h.svc.ListUnresolvedDisputes(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list})
}

// GetDispute handles GET /admin/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.svc.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ReviewRequest claims a dispute for review.
type ReviewRequest struct {
	AdminID string `json:"adminId" binding:"required"`
}

// MarkUnderReview handles POST /admin/disputes/:id/review
func (h *Handler) MarkUnderReview(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	ctx := audit.WithActor(c.Request.Context(), "admin", req.AdminID)
	d, err := h.svc.MarkUnderReview(ctx, c.Param("id"), req.AdminID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveRequest decides a dispute.
type ResolveRequest struct {
	Resolution  string `json:"resolution" binding:"required"` // seller | buyer | split
	AdminID     string `json:"adminId" binding:"required"`
	Note        string `json:"note"`
	BuyerShare  string `json:"buyerShare"`
	SellerShare string `json:"sellerShare"`
}

// ResolveDispute handles POST /admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	var shares *SplitShares
	if req.Resolution == ResolveSplit {
		buyerShare, err1 := money.Parse(req.BuyerShare)
		sellerShare, err2 := money.Parse(req.SellerShare)
		if err1 != nil || err2 != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "buyerShare and sellerShare must be non-negative decimals",
			})
			return
		}
		shares = &SplitShares{BuyerShare: buyerShare, SellerShare: sellerShare}
	}

	ctx := audit.WithActor(c.Request.Context(), "admin", req.AdminID)
	res, err := h.svc.ResolveDispute(ctx, c.Param("id"), req.Resolution, req.AdminID, req.Note, shares)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": res.Order, "lock": res.Lock})
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var itErr *order.IllegalTransitionError
	var intErr *IntegrityError
	switch {
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, ErrLockNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, dispute.ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "dispute_not_found", "message": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_funds", "message": "Buyer has insufficient available balance"})
	case errors.Is(err, wallet.ErrWalletFrozen):
		c.JSON(http.StatusForbidden, gin.H{"error": "wallet_frozen", "message": "Wallet is frozen"})
	case errors.Is(err, wallet.ErrWalletNotFound):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_wallet", "message": "Buyer has no wallet"})
	case errors.Is(err, ErrOrderNotAvailable):
		c.JSON(http.StatusConflict, gin.H{"error": "order_not_available", "message": err.Error()})
	case errors.Is(err, ErrSelfTrade):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "self_trade", "message": err.Error()})
	case errors.Is(err, kyc.ErrTierLimitExceeded):
		c.JSON(http.StatusForbidden, gin.H{"error": "tier_limit_exceeded", "message": err.Error()})
	case errors.Is(err, ErrNotBuyer), errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrCancelNotAgreed):
		c.JSON(http.StatusConflict, gin.H{"error": "cancel_not_agreed", "message": err.Error()})
	case errors.Is(err, dispute.ErrDuplicateDispute):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_dispute", "message": err.Error()})
	case errors.Is(err, dispute.ErrDisputeClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_closed", "message": err.Error()})
	case errors.Is(err, ErrBadSplit), errors.Is(err, ErrUnknownResolution):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_resolution", "message": err.Error()})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Concurrent update, try again"})
	case errors.As(err, &itErr):
		c.JSON(http.StatusConflict, gin.H{"error": "illegal_transition", "message": itErr.Error()})
	case errors.As(err, &intErr):
		// Full detail stays internal; the caller gets a generic failure.
		h.logger.Error("integrity violation surfaced to handler", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
	default:
		h.logger.Error("escrow request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow_error", "message": "Request failed"})
	}
}
