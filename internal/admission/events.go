package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/testpulse/testpulse/internal/channel"
	"github.com/testpulse/testpulse/internal/domain"
	"github.com/testpulse/testpulse/internal/platform/metrics"
	"github.com/testpulse/testpulse/internal/repo"
)

type EventType string

const (
	EventRunBegin      EventType = "run:begin"
	EventTestStarted   EventType = "test:started"
	EventTestStep      EventType = "test:step"
	EventTestCompleted EventType = "test:completed"
)

// ProgressEvent is one report from the test process about a running execution.
type ProgressEvent struct {
	Type       EventType         `json:"type"`
	TotalTests int               `json:"totalTests,omitempty"`
	TestID     string            `json:"testId,omitempty"`
	Name       string            `json:"name,omitempty"`
	FilePath   string            `json:"filePath,omitempty"`
	Step       string            `json:"step,omitempty"`
	StepIndex  int               `json:"stepIndex,omitempty"`
	StepTotal  int               `json:"stepTotal,omitempty"`
	Status     domain.TestStatus `json:"status,omitempty"`
	DurationMs int64             `json:"durationMs,omitempty"`
}

func (e ProgressEvent) Validate() error {
	switch e.Type {
	case EventRunBegin:
		if e.TotalTests < 0 {
			return fmt.Errorf("%w: totalTests must be >= 0", ErrInvalidEvent)
		}
		return nil
	case EventTestStarted, EventTestStep, EventTestCompleted:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if strings.TrimSpace(e.TestID) == "" {
		return fmt.Errorf("%w: testId is required", ErrInvalidEvent)
	}
	if e.Type == EventTestCompleted && strings.TrimSpace(string(e.Status)) == "" {
		return fmt.Errorf("%w: status is required", ErrInvalidEvent)
	}
	return nil
}

// RecordEvent folds ev into the run's progress and forwards it to observers.
// Events for runs that are no longer active return ErrNotFound.
func (c *Controller) RecordEvent(ctx context.Context, runID string, ev ProgressEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if _, ok := c.registry.Get(runID); !ok {
		return ErrNotFound
	}

	switch ev.Type {
	case EventRunBegin:
		c.progress.SetTotal(runID, ev.TotalTests)
		total := ev.TotalTests
		if err := c.runs.UpdateRun(ctx, runID, repo.RunPatch{TotalTests: &total}); err != nil {
			c.logger.Warn("update run total failed", "run_id", runID, "error", err)
		}

	case EventTestStarted:
		p, ok := c.progress.OnTestStarted(runID, domain.RunningTest{
			TestID:   ev.TestID,
			Name:     ev.Name,
			FilePath: ev.FilePath,
		})
		c.publisher.PublishData(channel.TypeTestStarted, channel.TestStartedData{
			RunID:    runID,
			TestID:   ev.TestID,
			Name:     ev.Name,
			FilePath: ev.FilePath,
			Progress: progressRef(p, ok),
		})

	case EventTestStep:
		p, ok := c.progress.OnTestStep(runID, ev.TestID, ev.Step, ev.StepIndex, ev.StepTotal)
		c.publisher.PublishData(channel.TypeTestStep, channel.TestStepData{
			RunID:     runID,
			TestID:    ev.TestID,
			Step:      ev.Step,
			StepIndex: ev.StepIndex,
			StepTotal: ev.StepTotal,
			Progress:  progressRef(p, ok),
		})

	case EventTestCompleted:
		p, ok := c.progress.OnTestCompleted(runID, ev.TestID, ev.Status, time.Duration(ev.DurationMs)*time.Millisecond)
		metrics.RecordTestResult(string(ev.Status.Bucket()))
		c.publisher.PublishData(channel.TypeTestCompleted, channel.TestCompletedData{
			RunID:      runID,
			TestID:     ev.TestID,
			Status:     ev.Status,
			DurationMs: ev.DurationMs,
			Progress:   progressRef(p, ok),
		})
	}
	return nil
}

// RecordDiscovery announces a finished test discovery.
func (c *Controller) RecordDiscovery(d channel.DiscoveryCompletedData) error {
	if d.TotalTests < 0 || d.TotalFiles < 0 || d.Added < 0 || d.Removed < 0 {
		return fmt.Errorf("%w: discovery counts must be >= 0", ErrInvalidEvent)
	}
	c.publisher.PublishData(channel.TypeDiscoveryCompleted, d)
	c.logger.Info("discovery completed", "tests", d.TotalTests, "files", d.TotalFiles)
	return nil
}

func progressRef(p domain.RunProgress, ok bool) *domain.RunProgress {
	if !ok {
		return nil
	}
	return &p
}
