package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the usage watch API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer token for a fronting proxy
	Actor  string // Recorded on alerts acknowledged or resolved through MCP
}

// Client is a pure HTTP client for the usage watch API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	if cfg.Actor == "" {
		cfg.Actor = "mcp"
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func daysQuery(days int) url.Values {
	q := url.Values{}
	if days > 0 {
		q.Set("days", strconv.Itoa(days))
	}
	return q
}

// UsageMetrics fetches aggregated usage for a window. Empty arguments use
// the API defaults.
func (c *Client) UsageMetrics(ctx context.Context, start, end, userID, tier string) (json.RawMessage, error) {
	q := url.Values{}
	for k, v := range map[string]string{"start": start, "end": end, "user_id": userID, "tier": tier} {
		if v != "" {
			q.Set(k, v)
		}
	}
	return c.doRequest(ctx, http.MethodGet, "/analytics/usage", q, nil)
}

// Anomalies runs anomaly detection over the trailing days.
func (c *Client) Anomalies(ctx context.Context, days int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/analytics/anomalies", daysQuery(days), nil)
}

// UserInsight returns the health score of one user.
func (c *Client) UserInsight(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/analytics/users/"+url.PathEscape(userID)+"/insight", nil, nil)
}

// AgentPerformance summarizes one agent over the trailing days.
func (c *Client) AgentPerformance(ctx context.Context, agentID string, days int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/analytics/agents/"+url.PathEscape(agentID)+"/performance", daysQuery(days), nil)
}

// ExecutiveSummary returns the dashboard summary.
func (c *Client) ExecutiveSummary(ctx context.Context, days int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/analytics/summary", daysQuery(days), nil)
}

// ActiveAlerts lists unresolved alerts, newest first.
func (c *Client) ActiveAlerts(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/alerts", q, nil)
}

// AcknowledgeAlert marks an alert as seen.
func (c *Client) AcknowledgeAlert(ctx context.Context, alertID string) (json.RawMessage, error) {
	path := "/alerts/" + url.PathEscape(alertID) + "/acknowledge"
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"actor": c.cfg.Actor})
}

// ResolveAlert closes an alert.
func (c *Client) ResolveAlert(ctx context.Context, alertID string) (json.RawMessage, error) {
	path := "/alerts/" + url.PathEscape(alertID) + "/resolve"
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"actor": c.cfg.Actor})
}
