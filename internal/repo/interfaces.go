package repo

import (
	"context"
	"errors"
	"time"

	"github.com/testpulse/testpulse/internal/domain"
)

var ErrNotFound = errors.New("not found")

type RunFilter struct {
	Kind   domain.Kind
	Status domain.RunStatus
	Limit  int
}

// RunPatch updates selected columns of a running record. Nil fields are left
// unchanged.
type RunPatch struct {
	Status     *domain.RunStatus
	TotalTests *int
	Error      *string
}

// RunStore persists one record per execution.
type RunStore interface {
	CreateRun(ctx context.Context, run domain.RunRecord) error
	UpdateRun(ctx context.Context, id string, patch RunPatch) error
	FinalizeRun(ctx context.Context, id string, outcome domain.Outcome, endedAt time.Time) error
	GetRun(ctx context.Context, id string) (domain.RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.RunRecord, error)
	// AbandonRunning marks every record still in running state as abandoned.
	AbandonRunning(ctx context.Context, endedAt time.Time) (int64, error)
}

// DurationEstimator derives an expected duration from finished runs of the
// same kind and scope. ok is false when there is no history.
type DurationEstimator interface {
	Estimate(ctx context.Context, kind domain.Kind, scopeKey string) (d time.Duration, ok bool, err error)
}
