package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testpulse/testpulse/internal/domain"
)

var ErrAlreadyRunning = errors.New("already running")

// ConflictError is returned by TryInsert when the key is already held.
type ConflictError struct {
	Existing  domain.ActiveExecution
	Remaining time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s already running as %s", e.Existing.Kind, e.Existing.ScopeKey, e.Existing.ID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// Meta is the caller-supplied part of a new execution.
type Meta struct {
	EstimatedDuration time.Duration
	TriggeredBy       string
}

// Registry is the in-memory table of active executions. The zero value is not
// usable; construct one with New.
type Registry struct {
	mu    sync.Mutex
	byID  map[string]domain.ActiveExecution
	byKey map[domain.Key]string

	now             func() time.Time
	newID           func() string
	defaultEstimate time.Duration
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(r *Registry) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// WithDefaultEstimate sets the estimate used for remaining time when an
// execution was inserted without one.
func WithDefaultEstimate(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultEstimate = d
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		byID:            make(map[string]domain.ActiveExecution),
		byKey:           make(map[domain.Key]string),
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
		defaultEstimate: time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now is the registry's clock.
func (r *Registry) Now() time.Time {
	return r.now()
}

// TryInsert atomically claims (kind, scopeKey). Exactly one concurrent caller
// wins a given key; the others get a *ConflictError describing the holder.
func (r *Registry) TryInsert(kind domain.Kind, scopeKey string, meta Meta) (domain.ActiveExecution, error) {
	key, err := domain.NormalizeScope(kind, scopeKey)
	if err != nil {
		return domain.ActiveExecution{}, err
	}
	k := domain.Key{Kind: kind, ScopeKey: key}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if id, ok := r.byKey[k]; ok {
		existing := r.byID[id]
		return domain.ActiveExecution{}, &ConflictError{
			Existing:  existing,
			Remaining: existing.Remaining(now, r.defaultEstimate),
		}
	}

	exec := domain.ActiveExecution{
		ID:                  r.newID(),
		Kind:                kind,
		ScopeKey:            key,
		StartedAt:           now,
		EstimatedDurationMs: meta.EstimatedDuration.Milliseconds(),
		TriggeredBy:         meta.TriggeredBy,
	}
	r.byID[exec.ID] = exec
	r.byKey[k] = exec.ID
	return exec, nil
}

// Remove deletes id and reports what was removed. Unknown ids are a no-op.
func (r *Registry) Remove(id string) (domain.ActiveExecution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.byID[id]
	if !ok {
		return domain.ActiveExecution{}, false
	}
	delete(r.byID, id)
	if r.byKey[exec.Key()] == id {
		delete(r.byKey, exec.Key())
	}
	return exec, true
}

func (r *Registry) Get(id string) (domain.ActiveExecution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.byID[id]
	return exec, ok
}

// ForceReset clears the table and returns what it held.
func (r *Registry) ForceReset() []domain.ActiveExecution {
	r.mu.Lock()
	cleared := r.copyLocked()
	r.byID = make(map[string]domain.ActiveExecution)
	r.byKey = make(map[domain.Key]string)
	r.mu.Unlock()

	sortExecutions(cleared)
	return cleared
}

// Snapshot returns a copy ordered by start time.
func (r *Registry) Snapshot() []domain.ActiveExecution {
	r.mu.Lock()
	out := r.copyLocked()
	r.mu.Unlock()

	sortExecutions(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *Registry) copyLocked() []domain.ActiveExecution {
	out := make([]domain.ActiveExecution, 0, len(r.byID))
	for _, exec := range r.byID {
		out = append(out, exec)
	}
	return out
}

func sortExecutions(execs []domain.ActiveExecution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].StartedAt.Before(execs[j].StartedAt)
	})
}
