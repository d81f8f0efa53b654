package database

import (
	"context"
	"fmt"
	"time"

	"github.com/postpulse/postpulse/pkg/models"
)

// InsertGeneration stores a generation request record.
func (db *DB) InsertGeneration(ctx context.Context, req *models.GenerationRequest) error {
	var userID *string
	if req.UserID != "" {
		userID = &req.UserID
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO generation_requests (
			id, tool, user_id, guest, model, latency_ms, status_code, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, req.ID, req.Tool, userID, req.Guest, req.Model,
		req.LatencyMs, req.StatusCode, req.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting generation request: %w", err)
	}
	return nil
}

// GetUsageSummary returns per-tool aggregate request data for a period.
func (db *DB) GetUsageSummary(ctx context.Context, from, to time.Time) ([]models.UsageSummary, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT tool,
		       COUNT(*) AS total_requests,
		       COUNT(*) FILTER (WHERE guest) AS guest_requests,
		       COUNT(*) FILTER (WHERE NOT guest) AS user_requests,
		       COALESCE(AVG(latency_ms), 0) AS avg_latency_ms
		FROM generation_requests
		WHERE timestamp >= $1 AND timestamp <= $2
		GROUP BY tool
		ORDER BY total_requests DESC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	defer rows.Close()

	var results []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Tool, &s.TotalRequests, &s.GuestRequests, &s.UserRequests, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scanning usage summary: %w", err)
		}
		results = append(results, s)
	}
	return results, rows.Err()
}
