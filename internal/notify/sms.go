package notify

import (
	"context"
	"log/slog"

	"github.com/nexuscrm/usagewatch/internal/alerts"
)

// SMSNotifier records the alert in the log. No SMS provider is integrated.
type SMSNotifier struct {
	logger *slog.Logger
}

func NewSMSNotifier(logger *slog.Logger) *SMSNotifier {
	return &SMSNotifier{logger: logger}
}

func (s *SMSNotifier) Channel() alerts.Channel { return alerts.ChannelSMS }

func (s *SMSNotifier) Notify(_ context.Context, a *alerts.Alert) error {
	s.logger.Info("sms notification", "alert_id", a.ID, "severity", a.Severity, "title", a.Title)
	return nil
}
