package executor

import (
	"context"
	"errors"
	"time"

	"github.com/testpulse/testpulse/internal/domain"
)

// Executor launches the process that actually runs the tests.
type Executor interface {
	Kind() string
	// Start returns once the process is launched. onExit is called exactly
	// once, from another goroutine, when it ends.
	Start(ctx context.Context, req LaunchRequest, onExit func(ExitStatus)) (Handle, error)
}

type LaunchRequest struct {
	RunID     string
	Kind      domain.Kind
	ScopeKey  string
	ReportURL string
	Env       map[string]string
}

type Handle struct {
	RunID     string
	PID       int
	StartedAt time.Time
}

type ExitStatus struct {
	RunID    string
	ExitCode int
	Duration time.Duration
	Err      error
}

func (s ExitStatus) Succeeded() bool {
	return s.ExitCode == 0 && s.Err == nil
}

var ErrNoCommand = errors.New("no command configured for kind")
