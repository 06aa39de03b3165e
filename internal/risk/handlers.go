package risk

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ridewallet/internal/auth"
	"github.com/mbd888/ridewallet/internal/respond"
	"github.com/mbd888/ridewallet/internal/validation"
)

// Handler provides HTTP endpoints for risk profiles.
type Handler struct {
	gate *Gate
}

// NewHandler creates a new risk handler.
func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

// RegisterRoutes sets up risk routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/risk/profiles", h.ListProfiles)
	r.GET("/risk/profiles/:ownerId", h.GetProfile)
	r.PUT("/risk/profiles/:ownerId", auth.RequireRole(auth.RoleAdmin, auth.RoleSystem), h.SetProfile)
}

// SetProfileRequest is the body of PUT /v1/risk/profiles/:ownerId.
type SetProfileRequest struct {
	Level  string  `json:"level"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// GetProfile handles GET /v1/risk/profiles/:ownerId
func (h *Handler) GetProfile(c *gin.Context) {
	ctx := c.Request.Context()
	ownerID := c.Param("ownerId")

	p, err := h.gate.Profile(ctx, ownerID)
	if err != nil {
		respond.Error(c, err)
		return
	}
	payout, err := h.gate.IsPayoutAllowed(ctx, ownerID)
	if err != nil {
		respond.Error(c, err)
		return
	}
	incentive, err := h.gate.IsIncentiveAllowed(ctx, ownerID)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"profile":          p,
		"payoutAllowed":    payout,
		"incentiveAllowed": incentive,
	})
}

// ListProfiles handles GET /v1/risk/profiles?level=high&limit=
func (h *Handler) ListProfiles(c *gin.Context) {
	level, err := ParseLevel(c.DefaultQuery("level", string(LevelHigh)))
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			respond.BadRequest(c, "limit must be a positive integer")
			return
		}
	}

	profiles, err := h.gate.ListByLevel(c.Request.Context(), level, limit)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles, "count": len(profiles)})
}

// SetProfile handles PUT /v1/risk/profiles/:ownerId
func (h *Handler) SetProfile(c *gin.Context) {
	var req SetProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.OneOf("level", req.Level, string(LevelLow), string(LevelMedium), string(LevelHigh), string(LevelCritical)),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		respond.Validation(c, errs)
		return
	}

	p, err := h.gate.SetProfile(c.Request.Context(), ProfileUpdate{
		OwnerID: c.Param("ownerId"),
		Level:   Level(req.Level),
		Score:   req.Score,
		Reason:  validation.SanitizeString(req.Reason, validation.MaxStringLength),
	}, auth.ActorFrom(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}
