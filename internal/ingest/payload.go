package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nexuscrm/usagewatch/internal/usage"
)

// ValidationError reports a rejected payload field.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ingest: %s: %s", e.Field, e.Reason)
}

var requiredFields = []string{"user_id", "agent_id", "session_id", "tokens_used", "response_time_ms", "timestamp"}

// Naive timestamps are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Extract decodes a webhook body into a usage event. The event has no ID;
// the tier defaults to essential and unknown tiers fall back to it.
func Extract(body []byte) (*usage.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, &ValidationError{Field: "body", Reason: "must be a JSON object"}
	}

	for _, f := range requiredFields {
		if v, ok := raw[f]; !ok || v == nil {
			return nil, &ValidationError{Field: f, Reason: "is required"}
		}
	}

	ev := &usage.Event{}
	var err error
	if ev.UserID, err = stringField(raw, "user_id"); err != nil {
		return nil, err
	}
	agent, err := stringField(raw, "agent_id")
	if err != nil {
		return nil, err
	}
	ev.AgentID = strings.ToUpper(agent)
	if ev.SessionID, err = stringField(raw, "session_id"); err != nil {
		return nil, err
	}
	if ev.TokensUsed, err = countField(raw, "tokens_used"); err != nil {
		return nil, err
	}
	if ev.ResponseTimeMs, err = countField(raw, "response_time_ms"); err != nil {
		return nil, err
	}
	if ev.Timestamp, err = timeField(raw, "timestamp"); err != nil {
		return nil, err
	}

	ev.Tier = usage.TierEssential
	if s, ok := raw["subscription_tier"].(string); ok && s != "" {
		if t, known := usage.ParseTier(s); known {
			ev.Tier = t
		}
	}
	ev.ContactID, _ = optionalString(raw, "contact_id")
	ev.OrganizationID, _ = optionalString(raw, "organization_id")
	if ctx, ok := raw["context"].(map[string]any); ok && len(ctx) > 0 {
		ev.Context = normalizeNumbers(ctx).(map[string]any)
	}
	return ev, nil
}

func stringField(raw map[string]any, name string) (string, error) {
	s, ok := optionalString(raw, name)
	if !ok || strings.TrimSpace(s) == "" {
		return "", &ValidationError{Field: name, Reason: "must be a non-empty string"}
	}
	return strings.TrimSpace(s), nil
}

// optionalString accepts strings and numbers, the latter as their decimal text.
func optionalString(raw map[string]any, name string) (string, bool) {
	switch v := raw[name].(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	}
	return "", false
}

// countField reads a non-negative integer given as a JSON number or a
// numeric string. Fractions are truncated.
func countField(raw map[string]any, name string) (int64, error) {
	var s string
	switch v := raw[name].(type) {
	case json.Number:
		s = v.String()
	case string:
		s = strings.TrimSpace(v)
	default:
		return 0, &ValidationError{Field: name, Reason: "must be an integer"}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64 {
			return 0, &ValidationError{Field: name, Reason: "must be an integer"}
		}
		n = int64(f)
	}
	if n < 0 {
		return 0, &ValidationError{Field: name, Reason: "must not be negative"}
	}
	return n, nil
}

func timeField(raw map[string]any, name string) (time.Time, error) {
	s, ok := raw[name].(string)
	if !ok {
		return time.Time{}, &ValidationError{Field: name, Reason: "must be an ISO-8601 string"}
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &ValidationError{Field: name, Reason: "must be an ISO-8601 timestamp"}
}

// normalizeNumbers turns json.Number leaves into int64 or float64 so the
// context serializes the same way it arrived.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	}
	return v
}
