package chargeback

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

// Handler provides HTTP endpoints for chargebacks.
type Handler struct {
	service *Service
}

// NewHandler creates a chargeback handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up chargeback routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/chargebacks", h.List)
	r.GET("/chargebacks/:id", h.Get)

	finance := auth.RequireRole(auth.RoleAdmin, auth.RoleFinanceFull, auth.RoleFinanceLimited, auth.RoleSystem)
	r.POST("/chargebacks", finance, h.Report)
	r.POST("/chargebacks/:id/resolve", auth.RequireRole(auth.RoleAdmin, auth.RoleFinanceFull), h.Resolve)
}

// ReportChargebackRequest is the body of POST /v1/chargebacks.
type ReportChargebackRequest struct {
	TripID            string `json:"tripId"`
	DriverID          string `json:"driverId"`
	PaymentProvider   string `json:"paymentProvider"`
	ExternalReference string `json:"externalReference"`
	Amount            string `json:"amount"`
	Reason            string `json:"reason"`
}

// ResolveRequest is the body of POST /v1/chargebacks/:id/resolve.
type ResolveRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// Report handles POST /v1/chargebacks
func (h *Handler) Report(c *gin.Context) {
	var req ReportChargebackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("tripId", req.TripID),
		validation.Required("paymentProvider", req.PaymentProvider),
		validation.Required("externalReference", req.ExternalReference),
		validation.MaxLength("externalReference", req.ExternalReference, validation.MaxStringLength),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
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

	cb, err := h.service.Report(c.Request.Context(), ReportRequest{
		TripID:            req.TripID,
		DriverID:          req.DriverID,
		PaymentProvider:   req.PaymentProvider,
		ExternalReference: req.ExternalReference,
		Amount:            amount,
		Reason:            req.Reason,
	}, auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"chargeback": cb})
}

// Resolve handles POST /v1/chargebacks/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("status", req.Status),
		validation.OneOf("status", req.Status,
			string(StatusUnderReview), string(StatusWon), string(StatusLost), string(StatusReversed)),
		validation.MaxLength("notes", req.Notes, validation.MaxStringLength),
	); len(errs) > 0 {
		respond.Validation(c, errs)
		return
	}
	cb, err := h.service.Resolve(c.Request.Context(), c.Param("id"), Status(req.Status), req.Notes, auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chargeback": cb})
}

// Get handles GET /v1/chargebacks/:id
func (h *Handler) Get(c *gin.Context) {
	cb, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chargeback": cb})
}

// List handles GET /v1/chargebacks?tripId=&status=&limit=&cursor=
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
	chargebacks, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		respond.Error(c, err)
		return
	}
	chargebacks, next, more := pagination.ComputePage(chargebacks, page.Limit, func(cb *Chargeback) (time.Time, string) {
		return cb.ReportedAt, cb.ID
	})
	c.JSON(http.StatusOK, gin.H{"chargebacks": chargebacks, "count": len(chargebacks), "nextCursor": next, "hasMore": more})
}
