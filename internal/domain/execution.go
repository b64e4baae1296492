package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind partitions executions for admission purposes.
type Kind string

const (
	KindRunAll   Kind = "run_all"
	KindRunGroup Kind = "run_group"
	KindRerun    Kind = "rerun"
)

// RunAllScope is the fixed scope key shared by every run_all request, so at
// most one of them can be active.
const RunAllScope = "*"

var ErrInvalidScope = errors.New("invalid scope")

func (k Kind) Valid() bool {
	switch k {
	case KindRunAll, KindRunGroup, KindRerun:
		return true
	default:
		return false
	}
}

// NormalizeScope returns the registry key for kind. run_all ignores scope;
// run_group needs a file path and rerun needs a test id.
func NormalizeScope(kind Kind, scope string) (string, error) {
	scope = strings.TrimSpace(scope)
	switch kind {
	case KindRunAll:
		return RunAllScope, nil
	case KindRunGroup, KindRerun:
		if scope == "" {
			return "", fmt.Errorf("%w: %s requires a scope key", ErrInvalidScope, kind)
		}
		return scope, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidScope, kind)
	}
}

// ActiveExecution is one in-flight execution held by the registry.
type ActiveExecution struct {
	ID                  string    `json:"id"`
	Kind                Kind      `json:"kind"`
	ScopeKey            string    `json:"scopeKey"`
	StartedAt           time.Time `json:"startedAt"`
	EstimatedDurationMs int64     `json:"estimatedDurationMs,omitempty"`
	TriggeredBy         string    `json:"triggeredBy,omitempty"`
}

func (e ActiveExecution) EstimatedDuration() time.Duration {
	return time.Duration(e.EstimatedDurationMs) * time.Millisecond
}

// Remaining is max(0, estimate - elapsed). fallback replaces a missing estimate.
func (e ActiveExecution) Remaining(now time.Time, fallback time.Duration) time.Duration {
	estimate := e.EstimatedDuration()
	if estimate <= 0 {
		estimate = fallback
	}
	remaining := estimate - now.Sub(e.StartedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Key is the (kind, scope) pair that the registry keeps unique.
type Key struct {
	Kind     Kind
	ScopeKey string
}

func (e ActiveExecution) Key() Key {
	return Key{Kind: e.Kind, ScopeKey: e.ScopeKey}
}
