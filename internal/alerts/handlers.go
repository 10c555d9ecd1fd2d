package alerts

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexuscrm/usagewatch/internal/logging"
	"github.com/nexuscrm/usagewatch/internal/pagination"
	"github.com/nexuscrm/usagewatch/internal/validation"
)

// Handler serves alert management.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up alert routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/alerts")
	g.GET("", h.ListActive)
	g.GET("/rules", h.ListRules)
	g.PATCH("/rules/:id", validation.IDParamMiddleware("id"), h.UpdateRule)
	g.GET("/history", h.ListHistory)
	g.POST("/:id/acknowledge", validation.IDParamMiddleware("id"), h.Acknowledge)
	g.POST("/:id/resolve", validation.IDParamMiddleware("id"), h.Resolve)
}

// ListActive handles GET /alerts?limit=50
func (h *Handler) ListActive(c *gin.Context) {
	limit, err := validation.IntQuery(c, "limit", defaultActiveLimit, 500)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	active := h.manager.ActiveAlerts(limit)
	c.JSON(http.StatusOK, gin.H{"alerts": active, "count": len(active)})
}

// ListRules handles GET /alerts/rules
func (h *Handler) ListRules(c *gin.Context) {
	rules := h.manager.Rules().List()
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

type updateRuleRequest struct {
	Enabled *bool `json:"enabled"`
}

// UpdateRule handles PATCH /alerts/rules/:id
func (h *Handler) UpdateRule(c *gin.Context) {
	var req updateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "enabled is required"})
		return
	}
	id := c.Param("id")
	if err := h.manager.Rules().SetEnabled(id, *req.Enabled); err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Rule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to update rule"})
		return
	}
	rule, _ := h.manager.Rules().Get(id)
	logging.L(c.Request.Context()).Info("alert rule updated", "rule_id", id, "enabled", rule.Enabled)
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// ListHistory handles GET /alerts/history?limit=50&cursor=...
func (h *Handler) ListHistory(c *gin.Context) {
	limit, err := validation.IntQuery(c, "limit", defaultActiveLimit, 500)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	page, next := pagination.Page(h.manager.Recent(), cursor, limit, func(a *Alert) (time.Time, string) {
		return a.TriggeredAt, a.ID
	})
	resp := gin.H{"alerts": page, "count": len(page), "has_more": next != ""}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

type actionRequest struct {
	Actor string `json:"actor"`
}

func actor(c *gin.Context) (string, bool) {
	var req actionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Body must be JSON with an actor field"})
			return "", false
		}
	}
	a := validation.SanitizeString(req.Actor, validation.MaxIDLength)
	if a == "" {
		a = "api"
	}
	return a, true
}

func (h *Handler) transitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAlertNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Alert not found or no longer active"})
	case errors.Is(err, ErrAlertResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": "Alert is already resolved"})
	default:
		logging.L(c.Request.Context()).Error("alert transition failed", "alert_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to update alert"})
	}
}

// Acknowledge handles POST /alerts/:id/acknowledge
func (h *Handler) Acknowledge(c *gin.Context) {
	who, ok := actor(c)
	if !ok {
		return
	}
	a, err := h.manager.Acknowledge(c.Request.Context(), c.Param("id"), who)
	if err != nil {
		h.transitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

// Resolve handles POST /alerts/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	who, ok := actor(c)
	if !ok {
		return
	}
	a, err := h.manager.Resolve(c.Request.Context(), c.Param("id"), who)
	if err != nil {
		h.transitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}
