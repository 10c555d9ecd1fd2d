package usage

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexuscrm/usagewatch/internal/logging"
	"github.com/nexuscrm/usagewatch/internal/validation"
)

// Handler exposes per-user usage and limit checks.
type Handler struct {
	store Store
	now   func() time.Time
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// RegisterRoutes sets up usage query routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/agent-usage", validation.IDParamMiddleware("userId"))
	g.GET("/stats/:userId", h.GetStats)
	g.GET("/limits/:userId", h.GetLimits)
	r.GET("/agent-usage/tiers", h.ListTiers)
}

func (h *Handler) stats(c *gin.Context, days int) (Stats, bool) {
	userID := c.Param("userId")
	since := h.now().UTC().AddDate(0, 0, -days)
	act, err := h.store.UserActivity(c.Request.Context(), userID, since)
	if err != nil {
		logging.L(c.Request.Context()).Error("usage stats query failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get usage stats",
		})
		return Stats{}, false
	}
	return BuildStats(userID, act), true
}

// GetStats handles GET /agent-usage/stats/:userId?days=30
func (h *Handler) GetStats(c *gin.Context) {
	days, err := validation.IntQuery(c, "days", 30, 365)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	st, ok := h.stats(c, days)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetLimits handles GET /agent-usage/limits/:userId. Limits are judged
// over the trailing 30 days.
func (h *Handler) GetLimits(c *gin.Context) {
	st, ok := h.stats(c, 30)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, CheckLimits(st))
}

// ListTiers handles GET /agent-usage/tiers
func (h *Handler) ListTiers(c *gin.Context) {
	out := make(map[Tier]TierLimits, len(Tiers))
	for _, t := range Tiers {
		out[t] = LimitsFor(t)
	}
	c.JSON(http.StatusOK, gin.H{"tiers": out, "agents": Catalog})
}
