package admission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/testpulse/testpulse/internal/channel"
	"github.com/testpulse/testpulse/internal/domain"
	"github.com/testpulse/testpulse/internal/executor"
	"github.com/testpulse/testpulse/internal/repo"
)

type fakeRunStore struct {
	mu        sync.Mutex
	records   map[string]domain.RunRecord
	createErr error
	abandoned int
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{records: map[string]domain.RunRecord{}}
}

func (s *fakeRunStore) CreateRun(_ context.Context, run domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if err := run.Validate(); err != nil {
		return err
	}
	s.records[run.ID] = run
	return nil
}

func (s *fakeRunStore) UpdateRun(_ context.Context, id string, patch repo.RunPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return repo.ErrNotFound
	}
	if patch.TotalTests != nil {
		rec.TotalTests = *patch.TotalTests
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	s.records[id] = rec
	return nil
}

func (s *fakeRunStore) FinalizeRun(_ context.Context, id string, outcome domain.Outcome, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.EndedAt != nil {
		return repo.ErrNotFound
	}
	rec.Status = outcome.Status
	rec.EndedAt = &endedAt
	rec.TotalTests = outcome.TotalTests
	rec.PassedTests = outcome.PassedTests
	rec.FailedTests = outcome.FailedTests
	rec.SkippedTests = outcome.SkippedTests
	rec.DurationMs = outcome.Duration.Milliseconds()
	rec.Error = outcome.Error
	s.records[id] = rec
	return nil
}

func (s *fakeRunStore) GetRun(_ context.Context, id string) (domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.RunRecord{}, repo.ErrNotFound
	}
	return rec, nil
}

func (s *fakeRunStore) ListRuns(context.Context, repo.RunFilter) ([]domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RunRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeRunStore) AbandonRunning(_ context.Context, endedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.Status == domain.RunRunning && rec.EndedAt == nil {
			rec.Status = domain.RunAbandoned
			rec.EndedAt = &endedAt
			s.records[id] = rec
			n++
		}
	}
	s.abandoned += int(n)
	return n, nil
}

func (s *fakeRunStore) get(id string) domain.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *fakeRunStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fakeExecutor struct {
	mu       sync.Mutex
	startErr error
	launched []executor.LaunchRequest
	onExit   map[string]func(executor.ExitStatus)
	// started, if set, runs after a successful launch and before Start returns.
	started func(executor.LaunchRequest)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{onExit: map[string]func(executor.ExitStatus){}}
}

func (e *fakeExecutor) Kind() string { return "fake" }

func (e *fakeExecutor) Start(_ context.Context, req executor.LaunchRequest, onExit func(executor.ExitStatus)) (executor.Handle, error) {
	e.mu.Lock()
	if e.startErr != nil {
		e.mu.Unlock()
		return executor.Handle{}, e.startErr
	}
	e.launched = append(e.launched, req)
	e.onExit[req.RunID] = onExit
	started := e.started
	e.mu.Unlock()
	if started != nil {
		started(req)
	}
	return executor.Handle{RunID: req.RunID, PID: 4242, StartedAt: time.Now()}, nil
}

// exit simulates the process for runID ending.
func (e *fakeExecutor) exit(runID string, status executor.ExitStatus) {
	e.mu.Lock()
	onExit := e.onExit[runID]
	e.mu.Unlock()
	if onExit == nil {
		panic("no process for " + runID)
	}
	status.RunID = runID
	go onExit(status)
}

type published struct {
	Type channel.MessageType
	Data json.RawMessage
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) PublishData(t channel.MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{Type: t, Data: raw})
}

func (p *fakePublisher) types() []channel.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]channel.MessageType, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (p *fakePublisher) last(t channel.MessageType, v any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.msgs) - 1; i >= 0; i-- {
		if p.msgs[i].Type == t {
			return json.Unmarshal(p.msgs[i].Data, v) == nil
		}
	}
	return false
}

func (p *fakePublisher) reset() {
	p.mu.Lock()
	p.msgs = nil
	p.mu.Unlock()
}

type fakeEstimator struct {
	d   time.Duration
	ok  bool
	err error
}

func (e fakeEstimator) Estimate(context.Context, domain.Kind, string) (time.Duration, bool, error) {
	return e.d, e.ok, e.err
}

var errBoom = errors.New("boom")
