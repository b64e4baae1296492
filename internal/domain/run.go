package domain

import (
	"errors"
	"strings"
	"time"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunPassed    RunStatus = "passed"
	RunFailed    RunStatus = "failed"
	RunAbandoned RunStatus = "abandoned"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunPassed, RunFailed, RunAbandoned:
		return true
	default:
		return false
	}
}

// RunRecord is the persisted row for one execution.
type RunRecord struct {
	ID           string
	Kind         Kind
	ScopeKey     string
	Status       RunStatus
	TriggeredBy  string
	StartedAt    time.Time
	EndedAt      *time.Time
	TotalTests   int
	PassedTests  int
	FailedTests  int
	SkippedTests int
	DurationMs   int64
	Error        string
}

func (r RunRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if !r.Kind.Valid() {
		return errors.New("run kind is invalid")
	}
	if strings.TrimSpace(r.ScopeKey) == "" {
		return errors.New("scope key is required")
	}
	if strings.TrimSpace(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	return nil
}

// Outcome is what an executor reports when a run finishes.
type Outcome struct {
	Status       RunStatus
	TotalTests   int
	PassedTests  int
	FailedTests  int
	SkippedTests int
	Duration     time.Duration
	Error        string
}
