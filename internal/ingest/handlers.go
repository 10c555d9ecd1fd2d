package ingest

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexuscrm/usagewatch/internal/validation"
)

// Handler serves the agent platform webhook.
type Handler struct {
	ingestor *Ingestor
	verifier *Verifier
	logger   *slog.Logger
}

func NewHandler(ingestor *Ingestor, verifier *Verifier, logger *slog.Logger) *Handler {
	return &Handler{ingestor: ingestor, verifier: verifier, logger: logger}
}

// RegisterRoutes mounts the signed webhook endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agent-usage/events", Middleware(h.verifier, h.logger), h.ReceiveEvent)
}

// RegisterAdminRoutes mounts dead-letter maintenance behind guard.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup, guard gin.HandlerFunc) {
	r.POST("/agent-usage/dead-letters/replay", guard, h.ReplayDeadLetters)
}

// ReceiveEvent handles POST /agent-usage/events
func (h *Handler) ReceiveEvent(c *gin.Context) {
	body, err := RawBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Request body could not be read"})
		return
	}

	ev, err := Extract(body)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": ve.Field + " " + ve.Reason,
				"details": ve,
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidID(ev.UserID) || !validation.IsValidID(ev.SessionID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "user_id and session_id must be valid identifiers",
		})
		return
	}

	res, err := h.ingestor.Ingest(c.Request.Context(), ev)
	switch {
	case errors.Is(err, ErrAgentNotAllowed):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "agent_not_allowed",
			"message": "Agent " + ev.AgentID + " not allowed for tier " + string(ev.Tier),
		})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
		return
	}

	if res.DeadLettered {
		c.JSON(http.StatusAccepted, gin.H{
			"success":     false,
			"status":      "queued",
			"event_id":    res.EventID,
			"message":     "Usage event could not be stored and was queued for replay",
			"retry_after": res.RetryAfter,
			"timestamp":   time.Now().UTC(),
			"processor":   "nexus-crm",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"status":    "success",
		"event_id":  res.EventID,
		"message":   "Usage event processed successfully",
		"timestamp": time.Now().UTC(),
		"processor": "nexus-crm",
	})
}

// ReplayDeadLetters handles POST /agent-usage/dead-letters/replay
func (h *Handler) ReplayDeadLetters(c *gin.Context) {
	limit, err := validation.IntQuery(c, "limit", 100, 1000)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	n, err := h.ingestor.ReplayDeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("dead letter replay incomplete", "replayed", n, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    "replay_incomplete",
			"message":  "Some dead letters could not be replayed",
			"replayed": n,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": n})
}
