package domain

import (
	"strings"
	"time"
)

type TestStatus string

const (
	TestPassed      TestStatus = "passed"
	TestFailed      TestStatus = "failed"
	TestSkipped     TestStatus = "skipped"
	TestTimedOut    TestStatus = "timedOut"
	TestInterrupted TestStatus = "interrupted"
)

// Bucket folds reporter statuses into the three counters the dashboard shows.
func (s TestStatus) Bucket() TestStatus {
	switch TestStatus(strings.TrimSpace(string(s))) {
	case TestPassed:
		return TestPassed
	case TestSkipped:
		return TestSkipped
	default:
		return TestFailed
	}
}

type RunningTest struct {
	TestID      string `json:"testId"`
	Name        string `json:"name"`
	FilePath    string `json:"filePath"`
	CurrentStep string `json:"currentStep,omitempty"`
	StepIndex   int    `json:"stepIndex,omitempty"`
	StepTotal   int    `json:"stepTotal,omitempty"`
}

// StepProgress is the current step as a percentage, or 0 when unknown.
func (t RunningTest) StepProgress() int {
	if t.StepTotal <= 0 {
		return 0
	}
	return t.StepIndex * 100 / t.StepTotal
}

// RunProgress is a read-only copy of the aggregator's per-run summary.
type RunProgress struct {
	RunID            string        `json:"runId"`
	TotalTests       int           `json:"totalTests"`
	CompletedTests   int           `json:"completedTests"`
	PassedTests      int           `json:"passedTests"`
	FailedTests      int           `json:"failedTests"`
	SkippedTests     int           `json:"skippedTests"`
	RunningTests     []RunningTest `json:"runningTests"`
	StartTime        time.Time     `json:"startTime"`
	EstimatedEndTime *time.Time    `json:"estimatedEndTime,omitempty"`
}

// Percent is completed/total*100, and 0 when the total is unknown.
func (p RunProgress) Percent() float64 {
	if p.TotalTests <= 0 {
		return 0
	}
	return float64(p.CompletedTests) / float64(p.TotalTests) * 100
}

// ConnectionSnapshot is everything a newly joined observer needs.
type ConnectionSnapshot struct {
	IsRunning  bool                   `json:"isRunning"`
	Executions []ActiveExecution      `json:"executions"`
	Progress   map[string]RunProgress `json:"progress"`
}
