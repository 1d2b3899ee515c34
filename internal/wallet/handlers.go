package wallet

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealsafe/internal/money"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a wallet handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:owner", h.GetWallet)
	r.GET("/wallets/:owner/history", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/wallets/:owner/deposit", h.Deposit)
	r.POST("/admin/wallets/:owner/freeze", h.Freeze)
	r.POST("/admin/wallets/:owner/unfreeze", h.Unfreeze)
}

// GetWallet handles GET /wallets/:owner
func (h *Handler) GetWallet(c *gin.Context) {
	owner := c.Param("owner")

	w, err := h.svc.Get(c.Request.Context(), owner)
	if err == ErrWalletNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "wallet_not_found",
			"message": "No wallet for this owner",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetHistory handles GET /wallets/:owner/history
func (h *Handler) GetHistory(c *gin.Context) {
	owner := c.Param("owner")

	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.svc.GetHistory(c.Request.Context(), owner, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// DepositRequest for manual deposit recording (admin use).
type DepositRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Deposit handles POST /admin/wallets/:owner/deposit
func (h *Handler) Deposit(c *gin.Context) {
	owner := c.Param("owner")

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive decimal with at most 2 decimal places",
		})
		return
	}

	err = h.svc.Deposit(c.Request.Context(), owner, amount, req.Reference)
	if err == ErrDuplicateReference {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_reference",
			"message": "This reference has already been processed",
		})
		return
	}
	if err != nil {
		h.logger.Error("deposit failed", "owner", owner, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_error",
			"message": "Failed to record deposit",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "credited", "amount": money.Format(amount)})
}

// Freeze handles POST /admin/wallets/:owner/freeze
func (h *Handler) Freeze(c *gin.Context) {
	h.setStatus(c, true)
}

// Unfreeze handles POST /admin/wallets/:owner/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) {
	h.setStatus(c, false)
}

func (h *Handler) setStatus(c *gin.Context, freeze bool) {
	owner := c.Param("owner")

	var err error
	if freeze {
		err = h.svc.Freeze(c.Request.Context(), owner)
	} else {
		err = h.svc.Unfreeze(c.Request.Context(), owner)
	}
	if err != nil {
		status := http.StatusInternalServerError
		code := "wallet_error"
		if errors.Is(err, ErrWalletNotFound) {
			status = http.StatusNotFound
			code = "wallet_not_found"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	state := StatusActive
	if freeze {
		state = StatusFrozen
	}
	c.JSON(http.StatusOK, gin.H{"status": state})
}
