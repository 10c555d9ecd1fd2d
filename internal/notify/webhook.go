package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nexuscrm/usagewatch/internal/alerts"
)

// Webhook delivery headers.
const (
	HeaderEvent     = "X-Nexus-Event"
	HeaderTimestamp = "X-Nexus-Timestamp"
	HeaderSignature = "X-Nexus-Signature"
)

// WebhookNotifier posts the alert as JSON, signed when a secret is set.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

func NewWebhookNotifier(url, secret string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, secret: secret, client: client, now: time.Now}
}

func (w *WebhookNotifier) Channel() alerts.Channel { return alerts.ChannelWebhook }

func (w *WebhookNotifier) Notify(ctx context.Context, a *alerts.Alert) error {
	payload, err := json.Marshal(map[string]any{"event": "alert.triggered", "alert": a})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(a.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(w.now().Unix(), 10))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
