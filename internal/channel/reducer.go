package channel

import (
	"fmt"
	"maps"
	"time"

	"github.com/testpulse/testpulse/internal/domain"
)

// View is an observer's local picture of the coordinator.
type View struct {
	IsRunning  bool
	Executions map[string]domain.ActiveExecution
	Progress   map[string]domain.RunProgress
	RunStatus  map[string]string

	// Refreshes counts messages that ask the observer to reload lists and stats.
	Refreshes       int
	LastRerunTestID string
	LastDiscovery   *DiscoveryCompletedData
	LastSnapshotAt  time.Time
	LastMessageType MessageType
}

func NewView() View {
	return View{
		Executions: make(map[string]domain.ActiveExecution),
		Progress:   make(map[string]domain.RunProgress),
		RunStatus:  make(map[string]string),
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (v View) Clone() View {
	out := v
	out.Executions = maps.Clone(v.Executions)
	out.Progress = make(map[string]domain.RunProgress, len(v.Progress))
	for id, p := range v.Progress {
		p.RunningTests = append([]domain.RunningTest(nil), p.RunningTests...)
		out.Progress[id] = p
	}
	out.RunStatus = maps.Clone(v.RunStatus)
	if v.LastDiscovery != nil {
		d := *v.LastDiscovery
		out.LastDiscovery = &d
	}
	if out.Executions == nil {
		out.Executions = make(map[string]domain.ActiveExecution)
	}
	if out.RunStatus == nil {
		out.RunStatus = make(map[string]string)
	}
	return out
}

// ScopeRunning reports whether an execution holds (kind, scope).
func (v View) ScopeRunning(kind domain.Kind, scope string) bool {
	if kind == domain.KindRunAll {
		scope = domain.RunAllScope
	}
	for _, exec := range v.Executions {
		if exec.Kind == kind && exec.ScopeKey == scope {
			return true
		}
	}
	return false
}

// Reduce applies msg to v. A malformed or unknown message returns an error and
// leaves the view's contents as they were; callers log it and move on.
func Reduce(v *View, msg Message) error {
	v.ensureMaps()

	switch msg.Type {
	case TypeConnectionStatus:
		var snap domain.ConnectionSnapshot
		if err := msg.DecodeData(&snap); err != nil {
			return err
		}
		v.Executions = make(map[string]domain.ActiveExecution, len(snap.Executions))
		for _, exec := range snap.Executions {
			v.Executions[exec.ID] = exec
		}
		v.Progress = make(map[string]domain.RunProgress, len(snap.Progress))
		for id, p := range snap.Progress {
			v.Progress[id] = p
		}
		v.LastSnapshotAt = time.Now().UTC()

	case TypeRunStarted:
		var d RunStartedData
		if err := decodeWithRunID(msg, &d, func() string { return d.RunID }); err != nil {
			return err
		}
		v.Executions[d.RunID] = domain.ActiveExecution{
			ID:                  d.RunID,
			Kind:                d.Kind,
			ScopeKey:            d.ScopeKey,
			StartedAt:           d.StartedAt,
			EstimatedDurationMs: d.EstimatedDurationMs,
		}
		v.RunStatus[d.RunID] = string(domain.RunRunning)

	case TypeRunCompleted:
		var d RunCompletedData
		if err := decodeWithRunID(msg, &d, func() string { return d.RunID }); err != nil {
			return err
		}
		delete(v.Executions, d.RunID)
		freed := d.FreedKey()
		for id, exec := range v.Executions {
			if exec.Key() == freed {
				delete(v.Executions, id)
			}
		}
		delete(v.Progress, d.RunID)
		if d.Status != "" {
			v.RunStatus[d.RunID] = d.Status
		}

	case TypeRunStatus:
		var d RunStatusData
		if err := decodeWithRunID(msg, &d, func() string { return d.RunID }); err != nil {
			return err
		}
		v.RunStatus[d.RunID] = d.Status
		if domain.RunStatus(d.Status).Terminal() {
			delete(v.Executions, d.RunID)
			delete(v.Progress, d.RunID)
		}
		v.Refreshes++

	case TypeTestStarted:
		var d TestStartedData
		if err := decodeWithRunID(msg, &d, func() string { return d.RunID }); err != nil {
			return err
		}
		if d.Progress != nil {
			v.Progress[d.RunID] = *d.Progress
		} else if p, ok := v.Progress[d.RunID]; ok {
			p.RunningTests = append(withoutTest(p.RunningTests, d.TestID), domain.RunningTest{
				TestID: d.TestID, Name: d.Name, FilePath: d.FilePath,
			})
			v.Progress[d.RunID] = p
		}

	case TypeTestStep:
		var d TestStepData
		if err := decodeWithRunID(msg, &d, func() string { return d.RunID }); err != nil {
			return err
		}
		if d.Progress != nil {
			v.Progress[d.RunID] = *d.Progress
		} else if p, ok := v.Progress[d.RunID]; ok {
			running := append([]domain.RunningTest(nil), p.RunningTests...)
			for i := range running {
				if running[i].TestID == d.TestID {
					running[i].CurrentStep = d.Step
					running[i].StepIndex = d.StepIndex
					running[i].StepTotal = d.StepTotal
				}
			}
			p.RunningTests = running
			v.Progress[d.RunID] = p
		}

	case TypeTestCompleted:
		var d TestCompletedData
		if err := decodeWithRunID(msg, &d, func() string { return d.RunID }); err != nil {
			return err
		}
		if d.Progress != nil {
			v.Progress[d.RunID] = *d.Progress
		} else if p, ok := v.Progress[d.RunID]; ok {
			p.RunningTests = withoutTest(p.RunningTests, d.TestID)
			p.CompletedTests++
			if p.CompletedTests > p.TotalTests {
				p.TotalTests = p.CompletedTests
			}
			switch d.Status.Bucket() {
			case domain.TestPassed:
				p.PassedTests++
			case domain.TestSkipped:
				p.SkippedTests++
			default:
				p.FailedTests++
			}
			v.Progress[d.RunID] = p
		}

	case TypeDashboardRefresh:
		var d DashboardRefreshData
		if len(msg.Data) > 0 {
			if err := msg.DecodeData(&d); err != nil {
				return err
			}
		}
		if d.IsRerun {
			v.LastRerunTestID = d.TestID
		}
		v.Refreshes++

	case TypeDiscoveryCompleted:
		var d DiscoveryCompletedData
		if err := msg.DecodeData(&d); err != nil {
			return err
		}
		v.LastDiscovery = &d
		v.Refreshes++

	case TypeProcessStarted, TypeProcessEnded:
		v.Refreshes++

	case TypePing, TypePong:
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	v.IsRunning = len(v.Executions) > 0
	v.LastMessageType = msg.Type
	return nil
}

func (v *View) ensureMaps() {
	if v.Executions == nil {
		v.Executions = make(map[string]domain.ActiveExecution)
	}
	if v.Progress == nil {
		v.Progress = make(map[string]domain.RunProgress)
	}
	if v.RunStatus == nil {
		v.RunStatus = make(map[string]string)
	}
}

func decodeWithRunID(msg Message, v any, runID func() string) error {
	if err := msg.DecodeData(v); err != nil {
		return err
	}
	if runID() == "" {
		return fmt.Errorf("%w: %s without runId", ErrMalformed, msg.Type)
	}
	return nil
}

func withoutTest(tests []domain.RunningTest, testID string) []domain.RunningTest {
	out := make([]domain.RunningTest, 0, len(tests))
	for _, t := range tests {
		if t.TestID != testID {
			out = append(out, t)
		}
	}
	return out
}
