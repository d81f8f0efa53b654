// Package analytics generates operational insights from generation request
// metadata: traffic spikes, provider error rates, and periodic usage reports
// for the admin dashboard.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InsightType categorizes the kind of insight generated.
type InsightType string

const (
	InsightTrafficSpike InsightType = "traffic_spike"
	InsightErrorRate    InsightType = "error_rate"
)

// Severity indicates the urgency of an insight.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SpikeThreshold is the multiple of the rolling average at which a day's
// traffic counts as a spike.
const SpikeThreshold = 2.0

// criticalSpikeMultiple escalates a spike from warning to critical.
const criticalSpikeMultiple = 5.0

// errorRateThreshold is the failure share above which a tool's recent
// traffic produces an insight.
const errorRateThreshold = 0.10

// Insight represents an actionable alert for the admin dashboard.
type Insight struct {
	ID          string      `json:"id"`
	Type        InsightType `json:"type"`
	Severity    Severity    `json:"severity"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Tool        string      `json:"tool"`
	CreatedAt   time.Time   `json:"created_at"`
}

// InsightsEngine generates usage insights from the request metadata table.
type InsightsEngine struct {
	pool *pgxpool.Pool
}

// NewInsightsEngine creates a new InsightsEngine. A nil pool is tolerated;
// every method then returns empty results.
func NewInsightsEngine(pool *pgxpool.Pool) *InsightsEngine {
	return &InsightsEngine{pool: pool}
}

func spikeSeverity(multiple float64) Severity {
	if multiple >= criticalSpikeMultiple {
		return SeverityCritical
	}
	return SeverityWarning
}

// DetectTrafficSpikes identifies days where a tool's request volume exceeds
// its 7-day rolling average by SpikeThreshold. Sudden guest traffic spikes
// usually mean quota probing or a viral referral, both worth a look.
func (e *InsightsEngine) DetectTrafficSpikes(ctx context.Context) ([]Insight, error) {
	if e.pool == nil {
		return nil, nil
	}

	rows, err := e.pool.Query(ctx, `
		WITH daily_counts AS (
			SELECT
				DATE(timestamp) AS day,
				tool,
				COUNT(*) AS request_count
			FROM generation_requests
			WHERE timestamp > NOW() - INTERVAL '14 days'
			GROUP BY DATE(timestamp), tool
		),
		rolling_avg AS (
			SELECT
				day,
				tool,
				request_count,
				AVG(request_count) OVER (
					PARTITION BY tool
					ORDER BY day
					ROWS BETWEEN 7 PRECEDING AND 1 PRECEDING
				) AS avg_count
			FROM daily_counts
		)
		SELECT day, tool, request_count, avg_count
		FROM rolling_avg
		WHERE request_count > avg_count * $1
		  AND avg_count > 0
		ORDER BY day DESC
		LIMIT 20
	`, SpikeThreshold)
	if err != nil {
		return nil, fmt.Errorf("detecting traffic spikes: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var day time.Time
		var tool string
		var count int64
		var avg float64

		if err := rows.Scan(&day, &tool, &count, &avg); err != nil {
			return nil, fmt.Errorf("scanning spike row: %w", err)
		}

		multiple := float64(count) / avg
		insights = append(insights, Insight{
			ID:       fmt.Sprintf("spike-%s-%s", tool, day.Format("2006-01-02")),
			Type:     InsightTrafficSpike,
			Severity: spikeSeverity(multiple),
			Title:    fmt.Sprintf("Traffic spike on %s tool", tool),
			Description: fmt.Sprintf(
				"On %s, the %s tool served %d requests, %.1fx the 7-day rolling average of %.1f.",
				day.Format("Jan 2"), tool, count, multiple, avg,
			),
			Tool:      tool,
			CreatedAt: time.Now(),
		})
	}

	return insights, rows.Err()
}

// DetectErrorRates flags tools whose failure share over the last 24 hours
// exceeds errorRateThreshold. A sustained rate near 100% across tools means
// the upstream provider is down and the circuit breaker is doing the work.
func (e *InsightsEngine) DetectErrorRates(ctx context.Context) ([]Insight, error) {
	if e.pool == nil {
		return nil, nil
	}

	rows, err := e.pool.Query(ctx, `
		SELECT
			tool,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status_code >= 500) AS failures
		FROM generation_requests
		WHERE timestamp > NOW() - INTERVAL '24 hours'
		GROUP BY tool
		HAVING COUNT(*) >= 10
	`)
	if err != nil {
		return nil, fmt.Errorf("detecting error rates: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var tool string
		var total, failures int64

		if err := rows.Scan(&tool, &total, &failures); err != nil {
			return nil, fmt.Errorf("scanning error rate row: %w", err)
		}

		rate := float64(failures) / float64(total)
		if rate < errorRateThreshold {
			continue
		}
		severity := SeverityWarning
		if rate >= 0.5 {
			severity = SeverityCritical
		}
		insights = append(insights, Insight{
			ID:       fmt.Sprintf("errors-%s", tool),
			Type:     InsightErrorRate,
			Severity: severity,
			Title:    fmt.Sprintf("Elevated failure rate on %s tool", tool),
			Description: fmt.Sprintf(
				"In the last 24 hours, %d of %d %s requests failed (%.0f%%).",
				failures, total, tool, rate*100,
			),
			Tool:      tool,
			CreatedAt: time.Now(),
		})
	}

	return insights, rows.Err()
}

// Report is a summary of generation traffic over a time period.
type Report struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	TotalRequests int64     `json:"total_requests"`
	GuestRequests int64     `json:"guest_requests"`
	UserRequests  int64     `json:"user_requests"`
	UniqueUsers   int64     `json:"unique_users"`
	FailedCount   int64     `json:"failed_count"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
}

// GenerateReport creates a traffic summary for a given time period.
func (e *InsightsEngine) GenerateReport(ctx context.Context, from, to time.Time) (*Report, error) {
	if e.pool == nil {
		return nil, nil
	}

	report := Report{From: from, To: to}
	err := e.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE guest),
			COUNT(*) FILTER (WHERE NOT guest),
			COUNT(DISTINCT user_id),
			COUNT(*) FILTER (WHERE status_code >= 500),
			COALESCE(AVG(latency_ms), 0)
		FROM generation_requests
		WHERE timestamp >= $1 AND timestamp <= $2
	`, from, to).Scan(
		&report.TotalRequests,
		&report.GuestRequests,
		&report.UserRequests,
		&report.UniqueUsers,
		&report.FailedCount,
		&report.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("generating report: %w", err)
	}

	return &report, nil
}
