package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/nexuscrm/usagewatch/internal/alerts"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// EmailNotifier sends a plain-text message per alert.
type EmailNotifier struct {
	cfg  EmailConfig
	send SendMailFunc
}

// NewEmailNotifier creates an SMTP notifier. send defaults to smtp.SendMail.
func NewEmailNotifier(cfg EmailConfig, send SendMailFunc) *EmailNotifier {
	if send == nil {
		send = smtp.SendMail
	}
	return &EmailNotifier{cfg: cfg, send: send}
}

func (e *EmailNotifier) Channel() alerts.Channel { return alerts.ChannelEmail }

func (e *EmailNotifier) Notify(ctx context.Context, a *alerts.Alert) error {
	if len(e.cfg.To) == 0 {
		return fmt.Errorf("email: no recipients configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	if err := e.send(addr, auth, e.cfg.From, e.cfg.To, e.message(a)); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}

func (e *EmailNotifier) message(a *alerts.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(string(a.Severity)), a.Title)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", a.Message)
	fmt.Fprintf(&b, "Alert: %s\r\nType: %s\r\nTriggered: %s\r\n",
		a.ID, a.Type, a.TriggeredAt.Format("2006-01-02 15:04:05 MST"))
	if a.UserID != "" {
		fmt.Fprintf(&b, "User: %s\r\n", a.UserID)
	}
	if a.AgentID != "" {
		fmt.Fprintf(&b, "Agent: %s\r\n", a.AgentID)
	}
	return []byte(b.String())
}
