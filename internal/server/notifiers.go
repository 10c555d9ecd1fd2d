package server

import (
	"context"
	"strings"
	"time"

	"github.com/nexuscrm/usagewatch/internal/circuitbreaker"
	"github.com/nexuscrm/usagewatch/internal/ingest"
	"github.com/nexuscrm/usagewatch/internal/logging"
	"github.com/nexuscrm/usagewatch/internal/notify"
	"github.com/nexuscrm/usagewatch/internal/security"
)

const (
	breakerThreshold = 5
	breakerCooldown  = time.Minute
)

type notifierSet struct {
	dispatcher *notify.Dispatcher
	escalator  ingest.Escalator
}

// buildNotifiers wires every configured channel. Dashboard and SMS are
// always present; outbound HTTP targets must pass endpoint validation.
func (s *Server) buildNotifiers(ctx context.Context) *notifierSet {
	logger := logging.Component(s.logger, "notify")
	list := []notify.Notifier{
		notify.NewDashboardNotifier(s.hub),
		notify.NewSMSNotifier(logger),
	}
	set := &notifierSet{}

	if u := s.cfg.SlackWebhookURL; u != "" {
		if err := security.ValidateEndpointURL(ctx, u, s.resolver); err != nil {
			logger.Warn("slack notifier disabled", "error", err)
		} else {
			slack := notify.NewSlackNotifier(u, s.httpClient)
			list = append(list, slack)
			set.escalator = slack
		}
	}
	if u := s.cfg.AlertWebhookURL; u != "" {
		if err := security.ValidateEndpointURL(ctx, u, s.resolver); err != nil {
			logger.Warn("webhook notifier disabled", "error", err)
		} else {
			list = append(list, notify.NewWebhookNotifier(u, s.cfg.AlertWebhookSecret, s.httpClient))
		}
	}
	if s.cfg.SMTPHost != "" {
		list = append(list, notify.NewEmailNotifier(notify.EmailConfig{
			Host:     s.cfg.SMTPHost,
			Port:     s.cfg.SMTPPort,
			Username: s.cfg.SMTPUsername,
			Password: s.cfg.SMTPPassword,
			From:     s.cfg.SMTPFrom,
			To:       splitList(s.cfg.AlertEmailTo),
		}, nil))
	}

	breaker := circuitbreaker.New(breakerThreshold, breakerCooldown)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("notification circuit changed", "key", key, "from", from.String(), "to", to.String())
	})
	set.dispatcher = notify.NewDispatcher(logger, breaker, list...)
	logger.Info("notification channels ready", "channels", set.dispatcher.Channels())
	return set
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
