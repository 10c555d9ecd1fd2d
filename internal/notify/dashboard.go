package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nexuscrm/usagewatch/internal/alerts"
)

// Sink receives broadcast payloads. It returns the number of receivers.
type Sink interface {
	Broadcast(payload []byte) int
}

// DashboardNotifier pushes alerts to live dashboard clients.
type DashboardNotifier struct {
	sink Sink
}

func NewDashboardNotifier(sink Sink) *DashboardNotifier {
	return &DashboardNotifier{sink: sink}
}

func (d *DashboardNotifier) Channel() alerts.Channel { return alerts.ChannelDashboard }

type dashboardAlert struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Severity    string         `json:"severity"`
	AlertType   string         `json:"alert_type"`
	TriggeredAt time.Time      `json:"triggered_at"`
	UserID      *string        `json:"user_id"`
	AgentID     *string        `json:"agent_id"`
	Metadata    map[string]any `json:"metadata"`
}

// AlertEnvelope renders the dashboard message for an alert.
func AlertEnvelope(a *alerts.Alert) ([]byte, error) {
	body := dashboardAlert{
		ID:          a.ID,
		Title:       a.Title,
		Message:     a.Message,
		Severity:    string(a.Severity),
		AlertType:   string(a.Type),
		TriggeredAt: a.TriggeredAt,
		UserID:      optional(a.UserID),
		AgentID:     optional(a.AgentID),
		Metadata:    a.Metadata,
	}
	return json.Marshal(map[string]any{"type": "alert", "alert": body})
}

// Notify succeeds even with no connected clients.
func (d *DashboardNotifier) Notify(_ context.Context, a *alerts.Alert) error {
	payload, err := AlertEnvelope(a)
	if err != nil {
		return err
	}
	d.sink.Broadcast(payload)
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
