package reconciliation

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ridewallet/internal/auth"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/pagination"
	"github.com/mbd888/ridewallet/internal/respond"
	"github.com/mbd888/ridewallet/internal/validation"
)

// Handler provides HTTP endpoints for reconciliation.
type Handler struct {
	service *Service
	sweeper *Sweeper
}

// NewHandler creates a reconciliation handler. sweeper may be nil, in
// which case the sweep endpoint is not registered.
func NewHandler(service *Service, sweeper *Sweeper) *Handler {
	return &Handler{service: service, sweeper: sweeper}
}

// RegisterRoutes sets up reconciliation routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliations", h.List)
	r.GET("/reconciliations/:id", h.Get)
	r.POST("/reconciliations", auth.RequireRole(auth.RoleAdmin, auth.RoleFinanceFull, auth.RoleSystem), h.Run)
	r.POST("/reconciliations/:id/review", auth.RequireRole(auth.RoleAdmin, auth.RoleFinanceFull, auth.RoleFinanceLimited), h.Review)
	if h.sweeper != nil {
		r.POST("/ledger/sweep", auth.RequireRole(auth.RoleAdmin, auth.RoleSystem), h.Sweep)
	}
}

// RunRequestBody is the body of POST /v1/reconciliations.
type RunRequestBody struct {
	TripID       string `json:"tripId"`
	ActualAmount string `json:"actualAmount"`
	Provider     string `json:"provider"`
}

// ReviewRequest is the body of POST /v1/reconciliations/:id/review.
type ReviewRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// Run handles POST /v1/reconciliations
func (h *Handler) Run(c *gin.Context) {
	var req RunRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("tripId", req.TripID),
		validation.Required("provider", req.Provider),
		validation.Required("actualAmount", req.ActualAmount),
	); len(errs) > 0 {
		respond.Validation(c, errs)
		return
	}
	actual, err := money.Parse(req.ActualAmount)
	if err != nil {
		respond.Error(c, err)
		return
	}

	rec, err := h.service.Run(c.Request.Context(), RunRequest{
		TripID:       req.TripID,
		ActualAmount: actual,
		Provider:     req.Provider,
	}, auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"reconciliation": rec})
}

// Review handles POST /v1/reconciliations/:id/review
func (h *Handler) Review(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("status", req.Status),
		validation.OneOf("status", req.Status, string(StatusMatched), string(StatusMismatched)),
		validation.MaxLength("notes", req.Notes, validation.MaxStringLength),
	); len(errs) > 0 {
		respond.Validation(c, errs)
		return
	}
	rec, err := h.service.Review(c.Request.Context(), c.Param("id"), Status(req.Status), req.Notes, auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": rec})
}

// Get handles GET /v1/reconciliations/:id
func (h *Handler) Get(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": rec})
}

// List handles GET /v1/reconciliations?tripId=&status=&limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	page, err := pagination.FromQuery(c)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	f := Filter{TripID: c.Query("tripId"), Limit: page.Limit + 1, Cursor: page.Cursor}
	if raw := c.Query("status"); raw != "" {
		if f.Status, err = ParseStatus(raw); err != nil {
			respond.BadRequest(c, err.Error())
			return
		}
	}
	records, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		respond.Error(c, err)
		return
	}
	records, next, more := pagination.ComputePage(records, page.Limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	c.JSON(http.StatusOK, gin.H{"reconciliations": records, "count": len(records), "nextCursor": next, "hasMore": more})
}

// Sweep handles POST /v1/ledger/sweep
func (h *Handler) Sweep(c *gin.Context) {
	report, err := h.sweeper.SweepLedger(c.Request.Context())
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": report})
}
