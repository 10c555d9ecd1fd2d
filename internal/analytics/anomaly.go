package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nexuscrm/usagewatch/internal/traces"
	"github.com/nexuscrm/usagewatch/internal/usage"
)

// AnomalyType names the metric and direction of an anomaly.
type AnomalyType string

const (
	InteractionSpike AnomalyType = "interaction_spike"
	InteractionDrop  AnomalyType = "interaction_drop"
	TokenSpike       AnomalyType = "token_spike"
	TokenDrop        AnomalyType = "token_drop"
)

// Anomaly is one (agent, day, metric) outlier.
type Anomaly struct {
	Type        AnomalyType `json:"type"`
	AgentID     string      `json:"agent_id"`
	Date        time.Time   `json:"date"`
	Value       float64     `json:"value"`
	Expected    float64     `json:"expected"`
	ZScore      float64     `json:"z_score"`
	Severity    string      `json:"severity"` // medium or high
	Description string      `json:"description"`
}

// DetectAnomalies scans per-agent daily totals over the trailing lookbackDays.
// Agents with fewer than MinDays days of data are skipped. Interactions and
// tokens are tested independently, so an agent may appear several times.
func (e *Engine) DetectAnomalies(ctx context.Context, lookbackDays int) ([]Anomaly, error) {
	if lookbackDays <= 0 {
		lookbackDays = 7
	}
	ctx, span := traces.StartSpan(ctx, "analytics.DetectAnomalies", traces.LookbackDays(lookbackDays))
	var err error
	defer func() { traces.End(span, err) }()

	since := e.now().UTC().AddDate(0, 0, -lookbackDays)
	var totals []usage.DailyAgentTotal
	totals, err = e.store.DailyAgentTotals(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("daily agent totals: %w", err)
	}

	// totals are ordered by agent then day
	var out []Anomaly
	for start := 0; start < len(totals); {
		end := start
		for end < len(totals) && totals[end].AgentID == totals[start].AgentID {
			end++
		}
		out = append(out, e.agentAnomalies(totals[start:end])...)
		start = end
	}
	if out == nil {
		out = []Anomaly{}
	}
	return out, nil
}

func (e *Engine) agentAnomalies(days []usage.DailyAgentTotal) []Anomaly {
	if len(days) < e.anomaly.MinDays {
		return nil
	}

	interactions := make([]float64, len(days))
	tokens := make([]float64, len(days))
	for i, d := range days {
		interactions[i] = float64(d.Interactions)
		tokens[i] = float64(d.Tokens)
	}

	var out []Anomaly
	out = append(out, e.seriesAnomalies(days, interactions, "interactions", InteractionSpike, InteractionDrop)...)
	out = append(out, e.seriesAnomalies(days, tokens, "tokens", TokenSpike, TokenDrop)...)
	return out
}

func (e *Engine) seriesAnomalies(days []usage.DailyAgentTotal, values []float64, metric string, spike, drop AnomalyType) []Anomaly {
	mean, sd := meanStddev(values)
	if sd == 0 {
		return nil
	}

	var out []Anomaly
	for i, v := range values {
		z := math.Abs(v-mean) / sd
		if z <= e.anomaly.FlagZ {
			continue
		}
		a := Anomaly{
			Type:     drop,
			AgentID:  days[i].AgentID,
			Date:     days[i].Day,
			Value:    v,
			Expected: mean,
			ZScore:   z,
			Severity: "medium",
		}
		if v > mean {
			a.Type = spike
		}
		if z > e.anomaly.HighSeverityZ {
			a.Severity = "high"
		}
		direction := "below"
		if v > mean {
			direction = "above"
		}
		a.Description = fmt.Sprintf("%s %s on %s: %.0f vs expected %.1f (%.1f standard deviations %s mean)",
			a.AgentID, metric, a.Date.Format("2006-01-02"), v, mean, z, direction)
		out = append(out, a)
	}
	return out
}

// meanStddev returns the mean and sample (n-1) standard deviation.
func meanStddev(values []float64) (float64, float64) {
	n := float64(len(values))
	if n < 2 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / (n - 1))
}
