package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/auth"
	"github.com/mbd888/ridewallet/internal/pagination"
	"github.com/mbd888/ridewallet/internal/respond"
)

// auditHandler exposes the audit log read-only. It lives here because the
// auth package already depends on audit.
type auditHandler struct {
	recorder *audit.Recorder
}

func newAuditHandler(recorder *audit.Recorder) *auditHandler {
	return &auditHandler{recorder: recorder}
}

func (h *auditHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", auth.RequireRole(auth.RoleAdmin, auth.RoleFinanceFull, auth.RoleSupport), h.list)
}

// list handles GET /v1/audit?entityType=&entityId=&action=&userId=&from=&to=&limit=
func (h *auditHandler) list(c *gin.Context) {
	f := audit.Filter{
		EntityType: audit.EntityType(c.Query("entityType")),
		EntityID:   c.Query("entityId"),
		Action:     audit.Action(c.Query("action")),
		UserID:     c.Query("userId"),
		Limit:      pagination.DefaultLimit,
	}

	var err error
	if raw := c.Query("limit"); raw != "" {
		f.Limit, err = strconv.Atoi(raw)
		if err != nil || f.Limit <= 0 {
			respond.BadRequest(c, "limit must be a positive integer")
			return
		}
		f.Limit = min(f.Limit, pagination.MaxLimit)
	}
	if f.From, err = parseTime(c.Query("from")); err != nil {
		respond.BadRequest(c, "from must be an RFC3339 timestamp")
		return
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		respond.BadRequest(c, "to must be an RFC3339 timestamp")
		return
	}

	entries, err := h.recorder.Query(c.Request.Context(), f)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
