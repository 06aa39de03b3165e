package refund

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/auth"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/pagination"
	"github.com/mbd888/ridewallet/internal/respond"
	"github.com/mbd888/ridewallet/internal/validation"
)

// Handler provides HTTP endpoints for refunds.
type Handler struct {
	service *Service
}

// NewHandler creates a refund handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up refund routes on an authenticated group.
// Approval authority by amount is enforced by the service, not the route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/refunds", h.List)
	r.GET("/refunds/:id", h.Get)
	r.POST("/refunds", h.Create)

	approvers := auth.RequireRole(auth.RoleAdmin, auth.RoleFinanceFull, auth.RoleFinanceLimited)
	r.POST("/refunds/:id/approve", approvers, h.Approve)
	r.POST("/refunds/:id/reject", approvers, h.Reject)
	r.POST("/refunds/:id/process", auth.RequireRole(auth.RoleAdmin, auth.RoleFinanceFull, auth.RoleSystem), h.Process)
	r.POST("/refunds/:id/reverse", auth.RequireRole(auth.RoleAdmin, auth.RoleFinanceFull), h.Reverse)
}

// CreateRefundRequest is the body of POST /v1/refunds.
type CreateRefundRequest struct {
	TripID           string `json:"tripId"`
	RiderID          string `json:"riderId"`
	DriverID         string `json:"driverId"`
	Amount           string `json:"amount"`
	Type             string `json:"type"`
	Reason           string `json:"reason"`
	Destination      string `json:"destination"`
	PaymentReference string `json:"paymentReference"`
	LinkedDisputeID  string `json:"linkedDisputeId"`
}

// ReasonRequest carries a free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// Create handles POST /v1/refunds
func (h *Handler) Create(c *gin.Context) {
	var req CreateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("tripId", req.TripID),
		validation.Required("riderId", req.RiderID),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("type", req.Type),
		validation.OneOf("type", req.Type, string(TypeFull), string(TypePartial), string(TypeAdjustment)),
		validation.OneOf("destination", req.Destination, string(DestinationWallet), string(DestinationOriginalPayment)),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		respond.Validation(c, errs)
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		respond.Error(c, err)
		return
	}

	r, err := h.service.Create(c.Request.Context(), CreateRequest{
		TripID:           req.TripID,
		RiderID:          req.RiderID,
		DriverID:         req.DriverID,
		Amount:           amount,
		Type:             Type(req.Type),
		Reason:           req.Reason,
		Destination:      Destination(req.Destination),
		PaymentReference: req.PaymentReference,
		LinkedDisputeID:  req.LinkedDisputeID,
	}, auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": r})
}

// Approve handles POST /v1/refunds/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	r, err := h.service.Approve(c.Request.Context(), c.Param("id"), auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// Reject handles POST /v1/refunds/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	h.withReason(c, h.service.Reject)
}

// Reverse handles POST /v1/refunds/:id/reverse
func (h *Handler) Reverse(c *gin.Context) {
	h.withReason(c, h.service.Reverse)
}

func (h *Handler) withReason(c *gin.Context, apply func(context.Context, string, string, audit.Actor) (*Refund, error)) {
	var req ReasonRequest
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
	r, err := apply(c.Request.Context(), c.Param("id"), req.Reason, auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// Process handles POST /v1/refunds/:id/process
func (h *Handler) Process(c *gin.Context) {
	r, err := h.service.Process(c.Request.Context(), c.Param("id"), auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// Get handles GET /v1/refunds/:id
func (h *Handler) Get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// List handles GET /v1/refunds?tripId=&riderId=&status=&limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	page, err := pagination.FromQuery(c)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	f := Filter{TripID: c.Query("tripId"), RiderID: c.Query("riderId"), Limit: page.Limit + 1, Cursor: page.Cursor}
	if raw := c.Query("status"); raw != "" {
		if f.Status, err = ParseStatus(raw); err != nil {
			respond.BadRequest(c, err.Error())
			return
		}
	}
	refunds, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		respond.Error(c, err)
		return
	}
	refunds, next, more := pagination.ComputePage(refunds, page.Limit, func(r *Refund) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	c.JSON(http.StatusOK, gin.H{"refunds": refunds, "count": len(refunds), "nextCursor": next, "hasMore": more})
}
