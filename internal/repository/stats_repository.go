package repository

import (
	"context"
	"time"

	"github.com/opsledger/be-validation-workflow/internal/database"
	"github.com/opsledger/be-validation-workflow/internal/errors"
)

// StatsRepository computes reporting aggregates from request history.
// All periods are half-open ranges [from, to).
type StatsRepository struct {
	db *database.DB
}

// NewStatsRepository creates a new StatsRepository.
func NewStatsRepository(db *database.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// UsageStats aggregates how requests opened in the period resolved: counts per
// terminal level, auto-approvals and the overall auto-approval rate.
func (r *StatsRepository) UsageStats(ctx context.Context, workspaceID string, from, to time.Time) (*ThresholdUsageStats, error) {
	stats := &ThresholdUsageStats{
		WorkspaceID:     workspaceID,
		From:            from,
		To:              to,
		ResolvedByLevel: make(map[Level]int),
	}

	query := `
		SELECT status, current_level, COUNT(*)
		FROM validation_requests
		WHERE workspace_id = $1
		  AND created_at >= $2
		  AND created_at < $3
		GROUP BY status, current_level
	`

	rows, err := r.db.Query(ctx, query, workspaceID, from, to)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to compute usage stats")
	}
	defer rows.Close()

	for rows.Next() {
		var status, level string
		var count int
		if err := rows.Scan(&status, &level, &count); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan usage stats")
		}

		stats.TotalRequests += count
		switch status {
		case StatusAutoApproved:
			stats.AutoApproved += count
		case StatusApproved:
			stats.ResolvedByLevel[Level(level)] += count
		case StatusRejected:
			stats.Rejected += count
		default:
			stats.StillOpen += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read usage stats")
	}

	if stats.TotalRequests > 0 {
		stats.AutoApproveRate = float64(stats.AutoApproved) / float64(stats.TotalRequests)
	}
	return stats, nil
}

// ValidatorStats summarizes one validator's decisions in the period: decision
// counts, average response time against request open time, and an entity-type
// breakdown.
func (r *StatsRepository) ValidatorStats(ctx context.Context, workspaceID, validatorID string, from, to time.Time) (*ValidatorStats, error) {
	stats := &ValidatorStats{
		WorkspaceID:  workspaceID,
		ValidatorID:  validatorID,
		From:         from,
		To:           to,
		ByEntityType: make(map[string]int),
	}

	query := `
		SELECT v.decision, req.entity_type,
		       EXTRACT(EPOCH FROM (v.created_at - req.created_at))
		FROM validations v
		JOIN validation_requests req ON req.id = v.request_id
		WHERE req.workspace_id = $1
		  AND v.validated_by = $2
		  AND v.created_at >= $3
		  AND v.created_at < $4
	`

	rows, err := r.db.Query(ctx, query, workspaceID, validatorID, from, to)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to compute validator stats")
	}
	defer rows.Close()

	var totalSeconds float64
	var total int
	for rows.Next() {
		var decision, entityType string
		var seconds float64
		if err := rows.Scan(&decision, &entityType, &seconds); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan validator stats")
		}

		switch decision {
		case DecisionApproved:
			stats.Approved++
		case DecisionRejected:
			stats.Rejected++
		}
		stats.ByEntityType[entityType]++
		totalSeconds += seconds
		total++
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read validator stats")
	}

	if total > 0 {
		stats.AvgResponseSeconds = totalSeconds / float64(total)
	}
	return stats, nil
}
