package admission

import (
	"errors"
	"time"

	"github.com/testpulse/testpulse/internal/registry"
)

var (
	ErrLaunchFailed = errors.New("executor launch failed")
	ErrNotFound     = errors.New("execution not found")
	ErrForbidden    = errors.New("administrative operation denied")
	ErrInvalidEvent = errors.New("invalid progress event")
)

const ConflictCode = "ALREADY_RUNNING"

// Conflict is the machine-readable detail of a rejected start.
type Conflict struct {
	Code                     string    `json:"code"`
	CurrentExecutionID       string    `json:"currentExecutionId"`
	StartedAt                time.Time `json:"startedAt"`
	EstimatedTimeRemainingMs int64     `json:"estimatedTimeRemainingMs"`
}

// ConflictFromError extracts the rejection detail from a RequestStart error.
func ConflictFromError(err error) (Conflict, bool) {
	var conflict *registry.ConflictError
	if !errors.As(err, &conflict) {
		return Conflict{}, false
	}
	return Conflict{
		Code:                     ConflictCode,
		CurrentExecutionID:       conflict.Existing.ID,
		StartedAt:                conflict.Existing.StartedAt,
		EstimatedTimeRemainingMs: conflict.Remaining.Milliseconds(),
	}, true
}
