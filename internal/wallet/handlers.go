package wallet

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ridewallet/internal/auth"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/pagination"
	"github.com/mbd888/ridewallet/internal/respond"
	"github.com/mbd888/ridewallet/internal/validation"
)

// Handler provides HTTP endpoints for wallets and ledger entries.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new wallet handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up wallet routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets", h.ListWallets)
	r.GET("/wallets/:id", h.GetWallet)
	r.GET("/wallets/:id/transactions", h.History)
	r.GET("/owners/:ownerId/wallets/:role", h.GetByOwner)
	r.GET("/transactions/:id", h.GetTransaction)

	admin := auth.RequireRole(auth.RoleAdmin)
	movers := auth.RequireRole(auth.RoleAdmin, auth.RoleSystem)
	r.POST("/wallets", movers, h.CreateWallet)
	r.POST("/wallets/:id/credit", movers, h.Credit)
	r.POST("/wallets/:id/debit", movers, h.Debit)
	r.POST("/wallets/:id/freeze", admin, h.Freeze)
	r.POST("/wallets/:id/unfreeze", admin, h.Unfreeze)
	r.GET("/wallets/:id/verify", admin, h.Verify)
	r.POST("/transactions/:id/reverse", admin, h.Reverse)
}

// CreateWalletRequest is the body of POST /v1/wallets.
type CreateWalletRequest struct {
	OwnerID string `json:"ownerId"`
	Role    string `json:"role"`
}

// MovementRequest is the body of credit and debit calls.
type MovementRequest struct {
	Amount      string `json:"amount"`
	SourceType  string `json:"sourceType"`
	SourceID    string `json:"sourceId"`
	Description string `json:"description"`
}

// ReasonRequest carries a free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// CreateWallet handles POST /v1/wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	var req CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	role, err := ParseRole(req.Role)
	if errs := validation.Validate(validation.Required("ownerId", req.OwnerID)); len(errs) > 0 || err != nil {
		if err != nil {
			errs = append(errs, validation.ValidationError{Field: "role", Message: err.Error()})
		}
		respond.Validation(c, errs)
		return
	}

	w, err := h.engine.GetOrCreateWallet(c.Request.Context(), req.OwnerID, role)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetWallet handles GET /v1/wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.engine.GetWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w, "available": w.Available()})
}

// GetByOwner handles GET /v1/owners/:ownerId/wallets/:role
func (h *Handler) GetByOwner(c *gin.Context) {
	role, err := ParseRole(c.Param("role"))
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	w, err := h.engine.GetWalletByOwner(c.Request.Context(), c.Param("ownerId"), role)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w, "available": w.Available()})
}

// ListWallets handles GET /v1/wallets?role=&frozen=&limit=&cursor=
func (h *Handler) ListWallets(c *gin.Context) {
	page, err := pagination.FromQuery(c)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	f := WalletFilter{Limit: page.Limit + 1, Cursor: page.Cursor}
	if raw := c.Query("role"); raw != "" {
		if f.Role, err = ParseRole(raw); err != nil {
			respond.BadRequest(c, err.Error())
			return
		}
	}
	if raw := c.Query("frozen"); raw != "" {
		frozen, err := strconv.ParseBool(raw)
		if err != nil {
			respond.BadRequest(c, "frozen must be true or false")
			return
		}
		f.Frozen = &frozen
	}

	wallets, err := h.engine.ListWallets(c.Request.Context(), f)
	if err != nil {
		respond.Error(c, err)
		return
	}
	wallets, next, more := pagination.ComputePage(wallets, page.Limit, func(w *Wallet) (time.Time, string) {
		return w.CreatedAt, w.ID
	})
	c.JSON(http.StatusOK, gin.H{"wallets": wallets, "count": len(wallets), "nextCursor": next, "hasMore": more})
}

// History handles GET /v1/wallets/:id/transactions
func (h *Handler) History(c *gin.Context) {
	page, err := pagination.FromQuery(c)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	txs, err := h.engine.History(c.Request.Context(), c.Param("id"), page.Limit+1, page.Cursor)
	if err != nil {
		respond.Error(c, err)
		return
	}
	txs, next, more := pagination.ComputePage(txs, page.Limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs), "nextCursor": next, "hasMore": more})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.engine.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Credit handles POST /v1/wallets/:id/credit
func (h *Handler) Credit(c *gin.Context) {
	h.movement(c, h.engine.Credit)
}

// Debit handles POST /v1/wallets/:id/debit
func (h *Handler) Debit(c *gin.Context) {
	h.movement(c, h.engine.Debit)
}

func (h *Handler) movement(c *gin.Context, apply func(context.Context, Movement) (*Transaction, error)) {
	var req MovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("sourceType", req.SourceType),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		respond.Validation(c, errs)
		return
	}
	st, err := ParseSourceType(req.SourceType)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		respond.Error(c, err)
		return
	}

	tx, err := apply(c.Request.Context(), Movement{
		WalletID:    c.Param("id"),
		Amount:      amount,
		SourceType:  st,
		SourceID:    validation.SanitizeString(req.SourceID, 128),
		Actor:       auth.ActorFrom(c),
		Description: validation.SanitizeString(req.Description, validation.MaxStringLength),
	})
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Freeze handles POST /v1/wallets/:id/freeze
func (h *Handler) Freeze(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	w, err := h.engine.Freeze(c.Request.Context(), c.Param("id"), req.Reason, auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// Unfreeze handles POST /v1/wallets/:id/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) {
	w, err := h.engine.Unfreeze(c.Request.Context(), c.Param("id"), auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// Reverse handles POST /v1/transactions/:id/reverse
func (h *Handler) Reverse(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	tx, err := h.engine.ReverseTransaction(c.Request.Context(), c.Param("id"), req.Reason, auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Verify handles GET /v1/wallets/:id/verify
func (h *Handler) Verify(c *gin.Context) {
	check, err := h.engine.VerifyLedger(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"check": check})
}
