package killswitch

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/auth"
	"github.com/mbd888/ridewallet/internal/respond"
	"github.com/mbd888/ridewallet/internal/validation"
)

// Handler exposes the kill switch to operators.
type Handler struct {
	effective Switch
	runtime   *RedisSwitch // nil when no Redis is configured
	audit     *audit.Recorder
}

// NewHandler creates a kill switch handler. runtime may be nil, in which
// case the switch is read-only.
func NewHandler(effective Switch, runtime *RedisSwitch, recorder *audit.Recorder) *Handler {
	return &Handler{effective: effective, runtime: runtime, audit: recorder}
}

// RegisterRoutes sets up kill switch routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/killswitch/payouts", h.Status)
	r.PUT("/killswitch/payouts", auth.RequireRole(auth.RoleAdmin), h.Set)
}

// SetRequest is the body of PUT /v1/killswitch/payouts.
type SetRequest struct {
	Scope    string `json:"scope"`
	Disabled bool   `json:"disabled"`
	Reason   string `json:"reason"`
}

// Status handles GET /v1/killswitch/payouts?country=KE
func (h *Handler) Status(c *gin.Context) {
	country := strings.ToUpper(c.Query("country"))
	if errs := validation.Validate(validation.ValidCountry("country", country)); len(errs) > 0 {
		respond.Validation(c, errs)
		return
	}
	disabled, err := h.effective.PayoutsDisabled(c.Request.Context(), country)
	if err != nil {
		respond.Error(c, apperr.Wrap(apperr.CodeInternal, err, "kill switch unavailable"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"country":         country,
		"payoutsDisabled": disabled,
		"runtimeControl":  h.runtime != nil,
	})
}

// Set handles PUT /v1/killswitch/payouts
func (h *Handler) Set(c *gin.Context) {
	if h.runtime == nil {
		respond.Error(c, apperr.New(apperr.CodeInvalidState, "runtime kill switch is not configured"))
		return
	}
	var req SetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	scope := NormalizeScope(req.Scope)
	checks := []func() *validation.ValidationError{
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	}
	if scope != ScopeGlobal {
		checks = append(checks, validation.ValidCountry("scope", string(scope)))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		respond.Validation(c, errs)
		return
	}

	ctx := c.Request.Context()
	actor := auth.ActorFrom(c)
	md := audit.Metadata{audit.KeyDisabled: req.Disabled, audit.KeyReason: req.Reason}
	if err := h.runtime.Set(ctx, scope, req.Disabled); err != nil {
		h.audit.Failure(ctx, audit.ActionKillSwitchSet, audit.EntityKillSwitch, string(scope), actor, err, md)
		respond.Error(c, apperr.Wrap(apperr.CodeInternal, err, "failed to set kill switch"))
		return
	}
	h.audit.Success(ctx, audit.ActionKillSwitchSet, audit.EntityKillSwitch, string(scope), actor, md)
	c.JSON(http.StatusOK, gin.H{"scope": scope, "disabled": req.Disabled})
}
