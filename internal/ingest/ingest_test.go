package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscrm/usagewatch/internal/retry"
	"github.com/nexuscrm/usagewatch/internal/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	testLogger = slog.New(slog.DiscardHandler)
	testNow    = time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
)

func testVerifier() *Verifier {
	v := NewVerifier("whsec_test", 300*time.Second)
	v.now = func() time.Time { return testNow }
	return v
}

// ---------------------------------------------------------------------------
// Verifier
// ---------------------------------------------------------------------------

func TestVerifySignature(t *testing.T) {
	v := testVerifier()
	body := []byte(`{"user_id":"u1"}`)
	sig := v.Sign(body)

	assert.NoError(t, v.VerifySignature(body, sig))
	assert.ErrorIs(t, v.VerifySignature([]byte(`{"user_id":"u2"}`), sig), ErrInvalidSignature)
	assert.ErrorIs(t, v.VerifySignature(body, ""), ErrInvalidSignature)
	assert.ErrorIs(t, v.VerifySignature(body, sig[len("sha256="):]), ErrInvalidSignature, "prefix required")
	assert.ErrorIs(t, v.VerifySignature(body, "sha256=zz"), ErrInvalidSignature)
	assert.ErrorIs(t, NewVerifier("other", 0).VerifySignature(body, sig), ErrInvalidSignature)
}

func TestVerifyTimestamp(t *testing.T) {
	v := testVerifier()
	ts := func(d time.Duration) string { return strconv.FormatInt(testNow.Add(d).Unix(), 10) }

	assert.NoError(t, v.VerifyTimestamp(""), "absent is valid")
	assert.NoError(t, v.VerifyTimestamp(ts(0)))
	assert.NoError(t, v.VerifyTimestamp(ts(-300*time.Second)))
	assert.NoError(t, v.VerifyTimestamp(ts(299*time.Second)))
	assert.ErrorIs(t, v.VerifyTimestamp(ts(-301*time.Second)), ErrStaleTimestamp)
	assert.ErrorIs(t, v.VerifyTimestamp(ts(10*time.Minute)), ErrStaleTimestamp)
	assert.ErrorIs(t, v.VerifyTimestamp("yesterday"), ErrStaleTimestamp)
}

// ---------------------------------------------------------------------------
// Extract
// ---------------------------------------------------------------------------

func validPayload() map[string]any {
	return map[string]any{
		"user_id":           "u1",
		"agent_id":          "nexus",
		"session_id":        "s1",
		"tokens_used":       1200,
		"response_time_ms":  850,
		"timestamp":         "2026-03-20T11:59:00Z",
		"subscription_tier": "pro",
		"organization_id":   "org_1",
		"context":           map[string]any{"channel": "chat", "turns": 3},
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestExtract_Valid(t *testing.T) {
	ev, err := Extract(mustJSON(t, validPayload()))
	require.NoError(t, err)

	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "NEXUS", ev.AgentID)
	assert.Equal(t, int64(1200), ev.TokensUsed)
	assert.Equal(t, int64(850), ev.ResponseTimeMs)
	assert.Equal(t, time.Date(2026, 3, 20, 11, 59, 0, 0, time.UTC), ev.Timestamp)
	assert.Equal(t, usage.TierPro, ev.Tier)
	assert.Equal(t, "org_1", ev.OrganizationID)
	assert.Equal(t, int64(3), ev.Context["turns"])
	assert.Empty(t, ev.ID)
}

func TestExtract_Defaults(t *testing.T) {
	p := validPayload()
	delete(p, "subscription_tier")
	p["timestamp"] = "2026-03-20T09:00:00+02:00"
	ev, err := Extract(mustJSON(t, p))
	require.NoError(t, err)
	assert.Equal(t, usage.TierEssential, ev.Tier)
	assert.Equal(t, time.Date(2026, 3, 20, 7, 0, 0, 0, time.UTC), ev.Timestamp)

	p["subscription_tier"] = "platinum"
	p["timestamp"] = "2026-03-20T09:00:00"
	ev, err = Extract(mustJSON(t, p))
	require.NoError(t, err)
	assert.Equal(t, usage.TierEssential, ev.Tier, "unknown tier falls back")
	assert.Equal(t, time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC), ev.Timestamp, "naive is UTC")
}

func TestExtract_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(p map[string]any)
		field string
	}{
		{"missing user", func(p map[string]any) { delete(p, "user_id") }, "user_id"},
		{"missing timestamp", func(p map[string]any) { delete(p, "timestamp") }, "timestamp"},
		{"null session", func(p map[string]any) { p["session_id"] = nil }, "session_id"},
		{"negative tokens", func(p map[string]any) { p["tokens_used"] = -1 }, "tokens_used"},
		{"negative latency", func(p map[string]any) { p["response_time_ms"] = -5 }, "response_time_ms"},
		{"tokens not numeric", func(p map[string]any) { p["tokens_used"] = "lots" }, "tokens_used"},
		{"bad timestamp", func(p map[string]any) { p["timestamp"] = "20/03/2026" }, "timestamp"},
		{"empty agent", func(p map[string]any) { p["agent_id"] = " " }, "agent_id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := validPayload()
			tc.edit(p)
			_, err := Extract(mustJSON(t, p))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	_, err := Extract([]byte(`[1,2]`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "body", ve.Field)
}

func TestExtract_NumericStrings(t *testing.T) {
	p := validPayload()
	p["user_id"] = 42
	p["tokens_used"] = "300"
	p["response_time_ms"] = 12.9
	ev, err := Extract(mustJSON(t, p))
	require.NoError(t, err)
	assert.Equal(t, "42", ev.UserID)
	assert.Equal(t, int64(300), ev.TokensUsed)
	assert.Equal(t, int64(12), ev.ResponseTimeMs)
}

// ---------------------------------------------------------------------------
// Ingestor
// ---------------------------------------------------------------------------

type flakyStore struct {
	*usage.MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) Append(ctx context.Context, ev *usage.Event) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.MemoryStore.Append(ctx, ev)
}

type recorder struct {
	mu         sync.Mutex
	checked    []string
	broadcasts []*usage.Event
	escalated  []string
}

func (r *recorder) CheckUserUsage(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checked = append(r.checked, userID)
	return nil
}

func (r *recorder) BroadcastUsage(ev *usage.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, ev)
	return 1
}

func (r *recorder) Escalate(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalated = append(r.escalated, text)
	return nil
}

func newTestIngestor(store usage.Store, rec *recorder, dl DeadLetterStore) *Ingestor {
	return NewIngestor(store, testLogger,
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
		WithUsageChecker(rec), WithBroadcaster(rec), WithEscalator(rec),
		WithDeadLetters(dl), WithClock(func() time.Time { return testNow }))
}

func testEvent(agent string, tier usage.Tier) *usage.Event {
	return &usage.Event{
		UserID: "u1", AgentID: agent, SessionID: "s1", TokensUsed: 100,
		ResponseTimeMs: 200, Timestamp: testNow.Add(-time.Minute), Tier: tier,
	}
}

func TestIngest_StoresAndFollowsUp(t *testing.T) {
	store := usage.NewMemoryStore()
	rec := &recorder{}
	in := newTestIngestor(store, rec, NewMemoryDeadLetters())

	res, err := in.Ingest(context.Background(), testEvent("NEXUS", usage.TierEssential))
	require.NoError(t, err)
	in.Wait()

	assert.NotEmpty(t, res.EventID)
	assert.False(t, res.DeadLettered)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, []string{"u1"}, rec.checked)
	require.Len(t, rec.broadcasts, 1)
	assert.Equal(t, res.EventID, rec.broadcasts[0].ID)
}

func TestIngest_AgentNotAllowed(t *testing.T) {
	store := usage.NewMemoryStore()
	in := newTestIngestor(store, &recorder{}, NewMemoryDeadLetters())

	_, err := in.Ingest(context.Background(), testEvent("CIPHER", usage.TierPro))
	assert.ErrorIs(t, err, ErrAgentNotAllowed)
	assert.Equal(t, 0, store.Len())

	_, err = in.Ingest(context.Background(), testEvent("HELIX", usage.TierPrime))
	assert.NoError(t, err, "wildcard tier")
}

func TestIngest_RetriesThenSucceeds(t *testing.T) {
	store := &flakyStore{MemoryStore: usage.NewMemoryStore(), failures: 2}
	rec := &recorder{}
	in := newTestIngestor(store, rec, NewMemoryDeadLetters())

	res, err := in.Ingest(context.Background(), testEvent("NEXUS", usage.TierEssential))
	require.NoError(t, err)
	in.Wait()
	assert.False(t, res.DeadLettered)
	assert.Equal(t, 3, store.calls)
	assert.Empty(t, rec.escalated)
}

func TestIngest_DeadLettersAfterRetries(t *testing.T) {
	store := &flakyStore{MemoryStore: usage.NewMemoryStore(), failures: 10}
	rec := &recorder{}
	dl := NewMemoryDeadLetters()
	in := newTestIngestor(store, rec, dl)

	res, err := in.Ingest(context.Background(), testEvent("NEXUS", usage.TierEssential))
	require.NoError(t, err)
	in.Wait()

	assert.True(t, res.DeadLettered)
	assert.Equal(t, RetryAfterSeconds, res.RetryAfter)
	assert.Equal(t, 3, store.calls)
	assert.Empty(t, rec.checked, "no follow-up for unstored events")
	assert.Empty(t, rec.broadcasts)
	require.Len(t, rec.escalated, 1)
	assert.Contains(t, rec.escalated[0], "Retry count: 3")

	pending, err := dl.Pending(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.EventID, pending[0].ID)
	assert.Equal(t, 3, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "connection reset")

	// Storage recovers; replay lands the event once.
	store.failures = 0
	n, err := in.ReplayDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())

	pending, _ = dl.Pending(context.Background(), 0)
	assert.Empty(t, pending)
}

func TestIngest_InvalidEventNotRetried(t *testing.T) {
	store := &flakyStore{MemoryStore: usage.NewMemoryStore()}
	in := newTestIngestor(store, &recorder{}, NewMemoryDeadLetters())

	ev := testEvent("NEXUS", usage.TierEssential)
	ev.SessionID = ""
	_, err := in.Ingest(context.Background(), ev)
	assert.ErrorIs(t, err, usage.ErrInvalidEvent)
	assert.Equal(t, 1, store.calls)
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func newTestRouter(store usage.Store, rec *recorder) *gin.Engine {
	in := newTestIngestor(store, rec, NewMemoryDeadLetters())
	h := NewHandler(in, testVerifier(), testLogger)
	r := gin.New()
	h.RegisterRoutes(r.Group(""))
	h.RegisterAdminRoutes(r.Group(""), func(c *gin.Context) { c.Next() })
	return r
}

func signedRequest(v *Verifier, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/agent-usage/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, v.Sign(body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(testNow.Unix(), 10))
	return req
}

func TestHandler_ReceiveEvent(t *testing.T) {
	store := usage.NewMemoryStore()
	r := newTestRouter(store, &recorder{})
	body := mustJSON(t, validPayload())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(testVerifier(), body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.NotEmpty(t, resp["event_id"])
	assert.Equal(t, 1, store.Len())
}

func TestHandler_RejectsBadSignature(t *testing.T) {
	store := usage.NewMemoryStore()
	r := newTestRouter(store, &recorder{})
	body := mustJSON(t, validPayload())

	req := signedRequest(NewVerifier("wrong", 0), body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = signedRequest(testVerifier(), body)
	req.Header.Del(HeaderSignature)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = signedRequest(testVerifier(), body)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(testNow.Add(-time.Hour).Unix(), 10))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "timestamp")

	assert.Equal(t, 0, store.Len())
}

func TestHandler_ValidationAndTier(t *testing.T) {
	r := newTestRouter(usage.NewMemoryStore(), &recorder{})

	p := validPayload()
	p["tokens_used"] = -3
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(testVerifier(), mustJSON(t, p)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	p = validPayload()
	p["agent_id"] = "quantum"
	w = httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(testVerifier(), mustJSON(t, p)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Agent QUANTUM not allowed for tier pro")
}

func TestHandler_DeadLetterReturns202(t *testing.T) {
	store := &flakyStore{MemoryStore: usage.NewMemoryStore(), failures: 100}
	r := newTestRouter(store, &recorder{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(testVerifier(), mustJSON(t, validPayload())))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.InDelta(t, RetryAfterSeconds, resp["retry_after"], 0)

	store.mu.Lock()
	store.failures = 0
	store.mu.Unlock()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/agent-usage/dead-letters/replay", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"replayed":1}`, w.Body.String())
}
