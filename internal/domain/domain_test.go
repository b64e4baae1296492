package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeScope(t *testing.T) {
	scope, err := NormalizeScope(KindRunAll, "ignored")
	require.NoError(t, err)
	assert.Equal(t, RunAllScope, scope)

	scope, err = NormalizeScope(KindRunGroup, " tests/a.spec.ts ")
	require.NoError(t, err)
	assert.Equal(t, "tests/a.spec.ts", scope)

	_, err = NormalizeScope(KindRerun, "")
	assert.True(t, errors.Is(err, ErrInvalidScope))

	_, err = NormalizeScope(Kind("bogus"), "x")
	assert.True(t, errors.Is(err, ErrInvalidScope))
}

func TestActiveExecutionRemaining(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	exec := ActiveExecution{StartedAt: t0, EstimatedDurationMs: 10_000}

	assert.Equal(t, 7*time.Second, exec.Remaining(t0.Add(3*time.Second), time.Minute))
	assert.Equal(t, time.Duration(0), exec.Remaining(t0.Add(15*time.Second), time.Minute))

	exec.EstimatedDurationMs = 0
	assert.Equal(t, 50*time.Second, exec.Remaining(t0.Add(10*time.Second), time.Minute))
}

func TestRunProgressPercent(t *testing.T) {
	assert.Equal(t, 0.0, RunProgress{}.Percent())
	assert.Equal(t, 50.0, RunProgress{TotalTests: 10, CompletedTests: 5}.Percent())
}

func TestTestStatusBucket(t *testing.T) {
	assert.Equal(t, TestPassed, TestPassed.Bucket())
	assert.Equal(t, TestSkipped, TestSkipped.Bucket())
	assert.Equal(t, TestFailed, TestTimedOut.Bucket())
	assert.Equal(t, TestFailed, TestInterrupted.Bucket())
}

func TestRunningTestStepProgress(t *testing.T) {
	assert.Equal(t, 0, RunningTest{StepIndex: 2}.StepProgress())
	assert.Equal(t, 50, RunningTest{StepIndex: 2, StepTotal: 4}.StepProgress())
}
