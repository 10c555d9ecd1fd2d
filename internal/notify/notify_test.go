package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscrm/usagewatch/internal/alerts"
	"github.com/nexuscrm/usagewatch/internal/circuitbreaker"
)

var testLogger = slog.New(slog.DiscardHandler)

func testAlert() *alerts.Alert {
	return &alerts.Alert{
		ID:           "alrt_1",
		RuleID:       alerts.RuleUsageExceeded,
		Type:         alerts.TypeUsageLimitExceeded,
		Severity:     alerts.SeverityCritical,
		Title:        "Usage limit exceeded",
		Message:      "User u1 has used 101.0% of their monthly limit",
		UserID:       "u1",
		Metadata:     map[string]any{"usage_percentage": 101.0},
		TriggeredAt:  time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC),
		ChannelsSent: []alerts.Channel{},
	}
}

type fakeNotifier struct {
	ch    alerts.Channel
	err   error
	panic bool
	calls int
}

func (f *fakeNotifier) Channel() alerts.Channel { return f.ch }

func (f *fakeNotifier) Notify(context.Context, *alerts.Alert) error {
	f.calls++
	if f.panic {
		panic("boom")
	}
	return f.err
}

func TestDispatch_IsolatesFailures(t *testing.T) {
	ok := &fakeNotifier{ch: alerts.ChannelDashboard}
	failing := &fakeNotifier{ch: alerts.ChannelSlack, err: errors.New("503")}
	panicking := &fakeNotifier{ch: alerts.ChannelWebhook, panic: true}
	email := &fakeNotifier{ch: alerts.ChannelEmail}

	d := NewDispatcher(testLogger, nil, ok, failing, panicking, email)
	sent := d.Dispatch(context.Background(), testAlert(), []alerts.Channel{
		alerts.ChannelDashboard, alerts.ChannelSlack, alerts.ChannelWebhook, alerts.ChannelSMS, alerts.ChannelEmail,
	})

	assert.Equal(t, []alerts.Channel{alerts.ChannelDashboard, alerts.ChannelEmail}, sent)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, panicking.calls)
}

func TestDispatch_EmptyChannels(t *testing.T) {
	d := NewDispatcher(testLogger, nil)
	sent := d.Dispatch(context.Background(), testAlert(), nil)
	assert.NotNil(t, sent)
	assert.Empty(t, sent)
}

func TestDispatch_BreakerSkipsFailingChannel(t *testing.T) {
	failing := &fakeNotifier{ch: alerts.ChannelSlack, err: errors.New("down")}
	ok := &fakeNotifier{ch: alerts.ChannelDashboard}
	d := NewDispatcher(testLogger, circuitbreaker.New(2, time.Hour), failing, ok)

	channels := []alerts.Channel{alerts.ChannelSlack, alerts.ChannelDashboard}
	for i := 0; i < 4; i++ {
		sent := d.Dispatch(context.Background(), testAlert(), channels)
		assert.Equal(t, []alerts.Channel{alerts.ChannelDashboard}, sent)
	}
	assert.Equal(t, 2, failing.calls, "breaker opens after two failures")
	assert.Equal(t, 4, ok.calls)
}

type captureSink struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *captureSink) Broadcast(p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
	return 0
}

func TestDashboardNotifier_Envelope(t *testing.T) {
	sink := &captureSink{}
	n := NewDashboardNotifier(sink)
	require.NoError(t, n.Notify(context.Background(), testAlert()))
	require.Len(t, sink.payloads, 1)

	var msg struct {
		Type  string         `json:"type"`
		Alert map[string]any `json:"alert"`
	}
	require.NoError(t, json.Unmarshal(sink.payloads[0], &msg))
	assert.Equal(t, "alert", msg.Type)
	assert.Equal(t, "alrt_1", msg.Alert["id"])
	assert.Equal(t, "critical", msg.Alert["severity"])
	assert.Equal(t, "usage_limit_exceeded", msg.Alert["alert_type"])
	assert.Equal(t, "u1", msg.Alert["user_id"])
	assert.Contains(t, msg.Alert, "agent_id")
	assert.Nil(t, msg.Alert["agent_id"])
	assert.Equal(t, "2026-03-20T12:00:00Z", msg.Alert["triggered_at"])
}

func TestSlackNotifier(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, srv.Client())
	require.NoError(t, n.Notify(context.Background(), testAlert()))
	assert.Contains(t, body["text"], "Usage limit exceeded")
	assert.Contains(t, body["text"], ":fire:")

	require.NoError(t, n.Escalate(context.Background(), "dead letter"))
	assert.Equal(t, ":fire: dead letter", body["text"])
}

func TestSlackNotifier_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewSlackNotifier(srv.URL, srv.Client()).Notify(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestWebhookNotifier_Signs(t *testing.T) {
	var (
		gotSig, gotEvent string
		gotBody          []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotEvent = r.Header.Get(HeaderEvent)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "s3cret", srv.Client())
	require.NoError(t, n.Notify(context.Background(), testAlert()))

	assert.Equal(t, "usage_limit_exceeded", gotEvent)
	assert.Equal(t, "sha256="+Sign(gotBody, "s3cret"), gotSig)

	var decoded struct {
		Event string       `json:"event"`
		Alert alerts.Alert `json:"alert"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "alert.triggered", decoded.Event)
	assert.Equal(t, "alrt_1", decoded.Alert.ID)
}

func TestWebhookNotifier_NoSecretNoSignature(t *testing.T) {
	var hasSig bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasSig = r.Header[HeaderSignature]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookNotifier(srv.URL, "", srv.Client()).Notify(context.Background(), testAlert()))
	assert.False(t, hasSig)
}

func TestEmailNotifier(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	send := func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}
	n := NewEmailNotifier(EmailConfig{
		Host: "smtp.example.com", Port: 587, From: "alerts@example.com", To: []string{"ops@example.com"},
	}, send)

	require.NoError(t, n.Notify(context.Background(), testAlert()))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.True(t, strings.Contains(gotMsg, "Subject: [CRITICAL] Usage limit exceeded"))
	assert.Contains(t, gotMsg, "User: u1")
}

func TestEmailNotifier_Errors(t *testing.T) {
	n := NewEmailNotifier(EmailConfig{Host: "smtp.example.com", Port: 25}, nil)
	assert.Error(t, n.Notify(context.Background(), testAlert()), "no recipients")

	failing := NewEmailNotifier(EmailConfig{Host: "h", Port: 25, To: []string{"x@y"}},
		func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") })
	err := failing.Notify(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestSMSNotifier_AlwaysSucceeds(t *testing.T) {
	assert.NoError(t, NewSMSNotifier(testLogger).Notify(context.Background(), testAlert()))
}
