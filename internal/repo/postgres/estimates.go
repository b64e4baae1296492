package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/testpulse/testpulse/internal/domain"
)

const estimateDurationQuery = `SELECT COALESCE(AVG(duration_ms), 0)::bigint, COUNT(*)
		 FROM (
			SELECT duration_ms
			FROM test_runs
			WHERE kind = $1 AND scope_key = $2
			  AND status IN ('passed', 'failed')
			  AND duration_ms > 0
			ORDER BY ended_at DESC
			LIMIT $3
		 ) recent`

// Estimator averages the durations of the most recent finished runs.
type Estimator struct {
	db     DB
	window int
}

func NewEstimator(db DB, window int) *Estimator {
	if db == nil {
		return nil
	}
	if window <= 0 {
		window = 5
	}
	return &Estimator{db: db, window: window}
}

func (e *Estimator) Estimate(ctx context.Context, kind domain.Kind, scopeKey string) (time.Duration, bool, error) {
	if e == nil || e.db == nil {
		return 0, false, fmt.Errorf("estimator not initialized")
	}
	var avgMs, count int64
	if err := e.db.QueryRowContext(ctx, estimateDurationQuery, string(kind), scopeKey, e.window).Scan(&avgMs, &count); err != nil {
		return 0, false, fmt.Errorf("estimate duration: %w", err)
	}
	if count == 0 || avgMs <= 0 {
		return 0, false, nil
	}
	return time.Duration(avgMs) * time.Millisecond, true, nil
}
