package earnings

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/auth"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/respond"
	"github.com/mbd888/ridewallet/internal/validation"
)

// Handler exposes trip settlement and incentives over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates an earnings handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up earnings routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trips/:tripId/fare", h.GetFare)
	r.GET("/drivers/:driverId/trips", h.DriverTrips)

	system := auth.RequireRole(auth.RoleSystem, auth.RoleAdmin)
	r.POST("/trips/completed", system, h.TripCompleted)
	r.POST("/incentives", system, h.CreditIncentive)
}

// TripCompletedRequest is the body of POST /v1/trips/completed.
type TripCompletedRequest struct {
	TripID         string     `json:"tripId"`
	RiderID        string     `json:"riderId"`
	DriverID       string     `json:"driverId"`
	DriverAmount   string     `json:"driverAmount"`
	PlatformAmount string     `json:"platformAmount"`
	Fare           string     `json:"fare"`
	CompletedAt    *time.Time `json:"completedAt"`
}

// IncentiveRequest is the body of POST /v1/incentives.
type IncentiveRequest struct {
	IncentiveID string `json:"incentiveId"`
	DriverID    string `json:"driverId"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

// TripCompleted handles POST /v1/trips/completed
func (h *Handler) TripCompleted(c *gin.Context) {
	var req TripCompletedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("tripId", req.TripID),
		validation.Required("driverId", req.DriverID),
		validation.Required("driverAmount", req.DriverAmount),
		validation.ValidAmount("driverAmount", req.DriverAmount),
	); len(errs) > 0 {
		respond.Validation(c, errs)
		return
	}

	ev := TripCompleted{TripID: req.TripID, RiderID: req.RiderID, DriverID: req.DriverID}
	var err error
	if ev.DriverAmount, err = money.ParsePositive(req.DriverAmount); err != nil {
		respond.Error(c, err)
		return
	}
	if ev.PlatformAmount, err = parseOptional(req.PlatformAmount); err != nil {
		respond.Error(c, err)
		return
	}
	if ev.Fare, err = parseOptional(req.Fare); err != nil {
		respond.Error(c, err)
		return
	}
	if req.CompletedAt != nil {
		ev.CompletedAt = req.CompletedAt.UTC()
	}

	settlement, err := h.service.OnTripCompleted(c.Request.Context(), ev, auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	status := http.StatusOK
	if settlement.Partial {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{"settlement": settlement})
}

func parseOptional(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return money.Parse(s)
}

// CreditIncentive handles POST /v1/incentives
func (h *Handler) CreditIncentive(c *gin.Context) {
	var req IncentiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("incentiveId", req.IncentiveID),
		validation.Required("driverId", req.DriverID),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		respond.Validation(c, errs)
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		respond.Error(c, err)
		return
	}

	tx, err := h.service.CreditIncentive(c.Request.Context(), Incentive{
		IncentiveID: req.IncentiveID,
		DriverID:    req.DriverID,
		Amount:      amount,
		Description: req.Description,
	}, auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// GetFare handles GET /v1/trips/:tripId/fare
func (h *Handler) GetFare(c *gin.Context) {
	f, err := h.service.Fare(c.Request.Context(), c.Param("tripId"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fare": f})
}

// DriverTrips handles GET /v1/drivers/:driverId/trips?limit=
func (h *Handler) DriverTrips(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			respond.BadRequest(c, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	trips, err := h.service.DriverTrips(c.Request.Context(), c.Param("driverId"), limit)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trips": trips, "count": len(trips)})
}
