// Package notify delivers alerts to notification channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nexuscrm/usagewatch/internal/alerts"
	"github.com/nexuscrm/usagewatch/internal/circuitbreaker"
	"github.com/nexuscrm/usagewatch/internal/metrics"
)

// ErrUnknownChannel is returned for a channel with no registered notifier.
var ErrUnknownChannel = errors.New("notify: no notifier for channel")

// Notifier sends one alert over one channel.
type Notifier interface {
	Channel() alerts.Channel
	Notify(ctx context.Context, a *alerts.Alert) error
}

// Dispatcher fans an alert out to the requested channels. A failing or
// panicking channel never affects the others.
type Dispatcher struct {
	notifiers map[alerts.Channel]Notifier
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
}

// NewDispatcher registers notifiers by channel. breaker may be nil.
func NewDispatcher(logger *slog.Logger, breaker *circuitbreaker.Breaker, notifiers ...Notifier) *Dispatcher {
	d := &Dispatcher{
		notifiers: make(map[alerts.Channel]Notifier, len(notifiers)),
		breaker:   breaker,
		logger:    logger.With("component", "notify"),
	}
	for _, n := range notifiers {
		d.notifiers[n.Channel()] = n
	}
	return d
}

// Channels lists the registered channels.
func (d *Dispatcher) Channels() []alerts.Channel {
	out := make([]alerts.Channel, 0, len(d.notifiers))
	for c := range d.notifiers {
		out = append(out, c)
	}
	return out
}

// Dispatch sends a to each channel in order and returns the channels that
// succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, a *alerts.Alert, channels []alerts.Channel) []alerts.Channel {
	sent := make([]alerts.Channel, 0, len(channels))
	for _, ch := range channels {
		err := d.send(ctx, a, ch)
		switch {
		case err == nil:
			sent = append(sent, ch)
			metrics.NotificationsTotal.WithLabelValues(string(ch), "sent").Inc()
		case errors.Is(err, circuitbreaker.ErrOpen):
			metrics.NotificationsTotal.WithLabelValues(string(ch), "skipped").Inc()
			d.logger.Warn("channel circuit open, skipping", "alert_id", a.ID, "channel", ch)
		default:
			metrics.NotificationsTotal.WithLabelValues(string(ch), "failed").Inc()
			d.logger.Error("notification failed", "alert_id", a.ID, "channel", ch, "error", err)
		}
	}
	return sent
}

func (d *Dispatcher) send(ctx context.Context, a *alerts.Alert, ch alerts.Channel) error {
	n, ok := d.notifiers[ch]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	call := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("notifier panic: %v", r)
			}
		}()
		return n.Notify(ctx, a)
	}
	if d.breaker == nil {
		return call()
	}
	return d.breaker.Execute("notify:"+string(ch), call)
}

var _ alerts.Dispatcher = (*Dispatcher)(nil)
