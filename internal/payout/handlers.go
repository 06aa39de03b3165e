package payout

import (
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

// Handler provides HTTP endpoints for payouts.
type Handler struct {
	service    *Service
	stuckAfter time.Duration
}

// NewHandler creates a payout handler. stuckAfter is the default age used
// by the resolve-stuck endpoint.
func NewHandler(service *Service, stuckAfter time.Duration) *Handler {
	if stuckAfter <= 0 {
		stuckAfter = 15 * time.Minute
	}
	return &Handler{service: service, stuckAfter: stuckAfter}
}

// RegisterRoutes sets up payout routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payouts", h.List)
	r.GET("/payouts/:id", h.Get)

	finance := auth.RequireRole(auth.RoleAdmin, auth.RoleFinanceFull, auth.RoleSystem)
	r.POST("/payouts", finance, h.Initiate)
	r.POST("/payouts/:id/process", finance, h.Process)
	r.POST("/payouts/resolve-stuck", auth.RequireRole(auth.RoleAdmin, auth.RoleSystem), h.ResolveStuck)
	r.POST("/payouts/:id/reverse", auth.RequireRole(auth.RoleAdmin), h.Reverse)
}

// InitiatePayoutRequest is the body of POST /v1/payouts.
type InitiatePayoutRequest struct {
	WalletID    string     `json:"walletId"`
	Amount      string     `json:"amount"`
	Method      string     `json:"method"`
	Destination string     `json:"destination"`
	CountryCode string     `json:"countryCode"`
	PeriodStart *time.Time `json:"periodStart"`
	PeriodEnd   *time.Time `json:"periodEnd"`
}

// ReverseRequest is the body of POST /v1/payouts/:id/reverse.
type ReverseRequest struct {
	Reason string `json:"reason"`
}

// Initiate handles POST /v1/payouts
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiatePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("walletId", req.WalletID),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.OneOf("method", req.Method, string(MethodBankTransfer), string(MethodMobileMoney), string(MethodDebitCard)),
		validation.Required("method", req.Method),
		validation.Required("destination", req.Destination),
		validation.MaxLength("destination", req.Destination, 255),
		validation.ValidCountry("countryCode", req.CountryCode),
	); len(errs) > 0 {
		respond.Validation(c, errs)
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		respond.Error(c, err)
		return
	}

	p, err := h.service.Initiate(c.Request.Context(), InitiateRequest{
		WalletID:    req.WalletID,
		Amount:      amount,
		Method:      Method(req.Method),
		Destination: req.Destination,
		CountryCode: req.CountryCode,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
	}, auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payout": p})
}

// Process handles POST /v1/payouts/:id/process
func (h *Handler) Process(c *gin.Context) {
	p, err := h.service.Process(c.Request.Context(), c.Param("id"), auth.ActorFrom(c))
	if err != nil {
		if p != nil && p.Status == StatusProcessing {
			c.JSON(http.StatusAccepted, gin.H{
				"payout":  p,
				"message": "gateway outcome unknown, payout will be resolved later",
			})
			return
		}
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// Reverse handles POST /v1/payouts/:id/reverse
func (h *Handler) Reverse(c *gin.Context) {
	var req ReverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		respond.Validation(c, errs)
		return
	}

	p, err := h.service.Reverse(c.Request.Context(), c.Param("id"), req.Reason, auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// ResolveStuck handles POST /v1/payouts/resolve-stuck?olderThan=15m&limit=
func (h *Handler) ResolveStuck(c *gin.Context) {
	olderThan := h.stuckAfter
	if raw := c.Query("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			respond.BadRequest(c, "olderThan must be a non-negative duration")
			return
		}
		olderThan = d
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			respond.BadRequest(c, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	report, err := h.service.ResolveStuck(c.Request.Context(), olderThan, limit)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Get handles GET /v1/payouts/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// List handles GET /v1/payouts?walletId=&ownerId=&status=&limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	page, err := pagination.FromQuery(c)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	f := Filter{
		WalletID: c.Query("walletId"),
		OwnerID:  c.Query("ownerId"),
		Limit:    page.Limit + 1,
		Cursor:   page.Cursor,
	}
	if raw := c.Query("status"); raw != "" {
		if f.Status, err = ParseStatus(raw); err != nil {
			respond.BadRequest(c, err.Error())
			return
		}
	}

	payouts, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		respond.Error(c, err)
		return
	}
	payouts, next, more := pagination.ComputePage(payouts, page.Limit, func(p *Payout) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts), "nextCursor": next, "hasMore": more})
}
