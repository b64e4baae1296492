package progress

import (
	"sync"
	"time"

	"github.com/testpulse/testpulse/internal/domain"
)

// Aggregator folds per-test events into one RunProgress per tracked run.
// Events for runs it is not tracking are ignored.
type Aggregator struct {
	mu   sync.Mutex
	runs map[string]*run
	now  func() time.Time
}

type run struct {
	summary domain.RunProgress
	running map[string]domain.RunningTest
	order   []string
}

func New(now func() time.Time) *Aggregator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Aggregator{
		runs: make(map[string]*run),
		now:  now,
	}
}

// Begin starts tracking exec. Calling it again for the same id restarts the run.
func (a *Aggregator) Begin(exec domain.ActiveExecution, totalTests int) domain.RunProgress {
	if totalTests < 0 {
		totalTests = 0
	}
	start := exec.StartedAt
	if start.IsZero() {
		start = a.now()
	}
	r := &run{
		summary: domain.RunProgress{
			RunID:      exec.ID,
			TotalTests: totalTests,
			StartTime:  start,
		},
		running: make(map[string]domain.RunningTest),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs[exec.ID] = r
	return r.snapshot()
}

// Finish stops tracking id and returns the final summary.
func (a *Aggregator) Finish(id string) (domain.RunProgress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[id]
	if !ok {
		return domain.RunProgress{}, false
	}
	delete(a.runs, id)
	return r.snapshot(), true
}

// SetTotal raises the expected test count once the executor has discovered it.
// The total never decreases and never drops below the completed count.
func (a *Aggregator) SetTotal(id string, total int) (domain.RunProgress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[id]
	if !ok {
		return domain.RunProgress{}, false
	}
	if total > r.summary.TotalTests {
		r.summary.TotalTests = total
	}
	return r.snapshot(), true
}

func (a *Aggregator) OnTestStarted(id string, test domain.RunningTest) (domain.RunProgress, bool) {
	if test.TestID == "" {
		return domain.RunProgress{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[id]
	if !ok {
		return domain.RunProgress{}, false
	}
	if _, exists := r.running[test.TestID]; !exists {
		r.order = append(r.order, test.TestID)
	}
	r.running[test.TestID] = test
	return r.snapshot(), true
}

func (a *Aggregator) OnTestStep(id, testID, step string, stepIndex, stepTotal int) (domain.RunProgress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[id]
	if !ok {
		return domain.RunProgress{}, false
	}
	test, ok := r.running[testID]
	if !ok {
		return domain.RunProgress{}, false
	}
	test.CurrentStep = step
	test.StepIndex = max(stepIndex, 0)
	test.StepTotal = max(stepTotal, 0)
	r.running[testID] = test
	return r.snapshot(), true
}

// OnTestCompleted counts one finished test. Every call advances the completed
// count by exactly one; if that would pass the total, the total follows.
func (a *Aggregator) OnTestCompleted(id, testID string, status domain.TestStatus, duration time.Duration) (domain.RunProgress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[id]
	if !ok {
		return domain.RunProgress{}, false
	}
	if _, running := r.running[testID]; running {
		delete(r.running, testID)
		r.order = removeID(r.order, testID)
	}

	s := &r.summary
	s.CompletedTests++
	if s.CompletedTests > s.TotalTests {
		s.TotalTests = s.CompletedTests
	}
	switch status.Bucket() {
	case domain.TestPassed:
		s.PassedTests++
	case domain.TestSkipped:
		s.SkippedTests++
	default:
		s.FailedTests++
	}

	now := a.now()
	eta := estimateEnd(now, s.StartTime, s.CompletedTests, s.TotalTests)
	s.EstimatedEndTime = &eta
	return r.snapshot(), true
}

func (a *Aggregator) Get(id string) (domain.RunProgress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[id]
	if !ok {
		return domain.RunProgress{}, false
	}
	return r.snapshot(), true
}

// Percent is 0 for unknown runs and runs without a total.
func (a *Aggregator) Percent(id string) float64 {
	p, ok := a.Get(id)
	if !ok {
		return 0
	}
	return p.Percent()
}

func (a *Aggregator) Snapshot() map[string]domain.RunProgress {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]domain.RunProgress, len(a.runs))
	for id, r := range a.runs {
		out[id] = r.snapshot()
	}
	return out
}

// Reset drops every tracked run.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.runs = make(map[string]*run)
	a.mu.Unlock()
}

func (r *run) snapshot() domain.RunProgress {
	out := r.summary
	out.RunningTests = make([]domain.RunningTest, 0, len(r.order))
	for _, id := range r.order {
		out.RunningTests = append(out.RunningTests, r.running[id])
	}
	if r.summary.EstimatedEndTime != nil {
		eta := *r.summary.EstimatedEndTime
		out.EstimatedEndTime = &eta
	}
	return out
}

// estimateEnd projects the average time per completed test over what is left.
func estimateEnd(now, start time.Time, completed, total int) time.Time {
	pending := total - completed
	if completed <= 0 || pending <= 0 {
		return now
	}
	elapsed := now.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	avg := elapsed / time.Duration(completed)
	return now.Add(avg * time.Duration(pending))
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
