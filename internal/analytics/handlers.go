package analytics

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexuscrm/usagewatch/internal/logging"
	"github.com/nexuscrm/usagewatch/internal/usage"
	"github.com/nexuscrm/usagewatch/internal/validation"
)

const defaultWindow = 30 * 24 * time.Hour

// Handler serves analytics queries.
type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up analytics routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/analytics")
	g.GET("/usage", h.GetUsageMetrics)
	g.GET("/anomalies", h.GetAnomalies)
	g.GET("/users/:id/insight", validation.IDParamMiddleware("id"), h.GetUserInsight)
	g.GET("/agents/:id/performance", validation.IDParamMiddleware("id"), h.GetAgentPerformance)
	g.GET("/summary", h.GetExecutiveSummary)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	logging.L(c.Request.Context()).Error(msg, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
}

func timeQuery(c *gin.Context, name string, def time.Time) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return t.UTC(), nil
}

// GetUsageMetrics handles GET /analytics/usage?start&end&user_id&tier.
// The window defaults to the trailing 30 days.
func (h *Handler) GetUsageMetrics(c *gin.Context) {
	end, err := timeQuery(c, "end", h.engine.now().UTC())
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	start, err := timeQuery(c, "start", end.Add(-defaultWindow))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if !start.Before(end) {
		badRequest(c, "start must be before end")
		return
	}

	q := Query{Start: start, End: end}
	if uid := c.Query("user_id"); uid != "" {
		if !validation.IsValidID(uid) {
			badRequest(c, "user_id is not a valid identifier")
			return
		}
		q.UserID = uid
	}
	if raw := c.Query("tier"); raw != "" {
		t, ok := usage.ParseTier(raw)
		if !ok {
			badRequest(c, "unknown tier "+strings.ToLower(raw))
			return
		}
		q.Tier = t
	}

	m, err := h.engine.ComputeUsageMetrics(c.Request.Context(), q)
	if err != nil {
		h.internalError(c, "Failed to compute usage metrics", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// GetAnomalies handles GET /analytics/anomalies?days=7
func (h *Handler) GetAnomalies(c *gin.Context) {
	days, err := validation.IntQuery(c, "days", 7, 90)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	found, err := h.engine.DetectAnomalies(c.Request.Context(), days)
	if err != nil {
		h.internalError(c, "Failed to detect anomalies", err)
		return
	}
	if found == nil {
		found = []Anomaly{}
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": found, "count": len(found), "lookback_days": days})
}

// GetUserInsight handles GET /analytics/users/:id/insight
func (h *Handler) GetUserInsight(c *gin.Context) {
	in, err := h.engine.GenerateUserInsight(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.internalError(c, "Failed to generate user insight", err)
		return
	}
	c.JSON(http.StatusOK, in)
}

// GetAgentPerformance handles GET /analytics/agents/:id/performance?days=7
func (h *Handler) GetAgentPerformance(c *gin.Context) {
	days, err := validation.IntQuery(c, "days", 7, 365)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	agentID := strings.ToUpper(c.Param("id"))
	p, err := h.engine.AgentPerformance(c.Request.Context(), agentID, days)
	if err != nil {
		h.internalError(c, "Failed to compute agent performance", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// GetExecutiveSummary handles GET /analytics/summary?days=7
func (h *Handler) GetExecutiveSummary(c *gin.Context) {
	days, err := validation.IntQuery(c, "days", 7, 365)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	s, err := h.engine.ExecutiveSummary(c.Request.Context(), days)
	if err != nil {
		h.internalError(c, "Failed to build executive summary", err)
		return
	}
	c.JSON(http.StatusOK, s)
}
