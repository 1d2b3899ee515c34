package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealsafe/internal/audit"
	"github.com/mbd888/dealsafe/internal/money"
	"github.com/mbd888/dealsafe/internal/wallet"
)

// Handler provides HTTP endpoints for withdrawals.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a withdrawal handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up withdrawal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:owner/withdraw", h.Withdraw)
}

// WithdrawRequest asks to pay out available funds.
type WithdrawRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Withdraw handles POST /wallets/:owner/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be a positive decimal"})
		return
	}

	owner := c.Param("owner")
	ctx := audit.WithActor(c.Request.Context(), "user", owner)
	wd, err := h.svc.Withdraw(ctx, owner, amount)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"withdrawal": wd})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, wallet.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_funds", "message": "Insufficient available balance"})
	case errors.Is(err, wallet.ErrWalletFrozen):
		c.JSON(http.StatusForbidden, gin.H{"error": "wallet_frozen", "message": "Wallet is frozen"})
	case errors.Is(err, ErrAmountTooSmall):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "amount_too_small", "message": err.Error()})
	case errors.Is(err, ErrPayoutRejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payout_rejected", "message": "Payment processor rejected the payout"})
	default:
		h.logger.Error("withdrawal failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "withdrawal_error", "message": "Request failed"})
	}
}
