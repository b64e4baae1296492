package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/testpulse/testpulse/internal/archive"
	"github.com/testpulse/testpulse/internal/channel"
	"github.com/testpulse/testpulse/internal/domain"
	"github.com/testpulse/testpulse/internal/executor"
	"github.com/testpulse/testpulse/internal/platform/auditlog"
	"github.com/testpulse/testpulse/internal/platform/auth"
	"github.com/testpulse/testpulse/internal/platform/metrics"
	"github.com/testpulse/testpulse/internal/progress"
	"github.com/testpulse/testpulse/internal/registry"
	"github.com/testpulse/testpulse/internal/repo"
)

// Publisher is the hub as seen by the controller.
type Publisher interface {
	PublishData(t channel.MessageType, data any)
}

type Deps struct {
	Registry  *registry.Registry
	Progress  *progress.Aggregator
	Runs      repo.RunStore
	Estimator repo.DurationEstimator
	Executor  executor.Executor
	Publisher Publisher
	Archiver  *archive.Archiver
	Admin     auth.AdminPolicy
	Audit     auditlog.QueryRower
	Logger    *slog.Logger
}

type Controller struct {
	cfg       Config
	registry  *registry.Registry
	progress  *progress.Aggregator
	runs      repo.RunStore
	estimator repo.DurationEstimator
	executor  executor.Executor
	publisher Publisher
	archiver  *archive.Archiver
	admin     auth.AdminPolicy
	audit     auditlog.QueryRower
	logger    *slog.Logger

	mu sync.Mutex
	// unannounced holds runs whose run:started is not yet published, with the
	// publishes that must follow it.
	unannounced map[string][]func()
}

func New(cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Registry == nil:
		return nil, errors.New("registry is required")
	case deps.Progress == nil:
		return nil, errors.New("progress aggregator is required")
	case deps.Runs == nil:
		return nil, errors.New("run store is required")
	case deps.Executor == nil:
		return nil, errors.New("executor is required")
	case deps.Publisher == nil:
		return nil, errors.New("publisher is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{
		cfg:         cfg,
		registry:    deps.Registry,
		progress:    deps.Progress,
		runs:        deps.Runs,
		estimator:   deps.Estimator,
		executor:    deps.Executor,
		publisher:   deps.Publisher,
		archiver:    deps.Archiver,
		admin:       deps.Admin,
		audit:       deps.Audit,
		logger:      logger,
		unannounced: make(map[string][]func()),
	}, nil
}

type StartRequest struct {
	Kind        domain.Kind
	ScopeKey    string
	TotalTests  int
	TriggeredBy string
	Env         map[string]string
}

// RequestStart admits and launches a new execution. A rejection is returned
// as a *registry.ConflictError; use ConflictFromError for the detail.
func (c *Controller) RequestStart(ctx context.Context, req StartRequest) (domain.ActiveExecution, error) {
	scope, err := domain.NormalizeScope(req.Kind, req.ScopeKey)
	if err != nil {
		return domain.ActiveExecution{}, err
	}
	estimate := c.estimate(ctx, req.Kind, scope)

	exec, err := c.registry.TryInsert(req.Kind, scope, registry.Meta{
		EstimatedDuration: estimate,
		TriggeredBy:       req.TriggeredBy,
	})
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyRunning) {
			metrics.RecordAdmission(string(req.Kind), "conflict")
			c.logger.Info("start rejected", "kind", req.Kind, "scope_key", scope, "error", err)
		}
		return domain.ActiveExecution{}, err
	}
	metrics.IncActive(string(exec.Kind))
	c.mu.Lock()
	c.unannounced[exec.ID] = nil
	c.mu.Unlock()
	log := c.logger.With("run_id", exec.ID, "kind", exec.Kind, "scope_key", exec.ScopeKey)

	if err := c.runs.CreateRun(ctx, domain.RunRecord{
		ID:          exec.ID,
		Kind:        exec.Kind,
		ScopeKey:    exec.ScopeKey,
		Status:      domain.RunRunning,
		TriggeredBy: exec.TriggeredBy,
		StartedAt:   exec.StartedAt,
	}); err != nil {
		c.release(exec)
		c.dropAnnouncement(exec.ID)
		metrics.RecordAdmission(string(exec.Kind), "store_failed")
		log.Error("create run record failed", "error", err)
		return domain.ActiveExecution{}, fmt.Errorf("create run record: %w", err)
	}

	if tracksProgress(exec.Kind) {
		c.progress.Begin(exec, req.TotalTests)
	}

	launchCtx, cancel := context.WithTimeout(ctx, c.cfg.LaunchTimeout)
	handle, err := c.executor.Start(launchCtx, executor.LaunchRequest{
		RunID:     exec.ID,
		Kind:      exec.Kind,
		ScopeKey:  exec.ScopeKey,
		ReportURL: c.cfg.reportURL(exec.ID),
		Env:       req.Env,
	}, c.onExit(exec))
	cancel()
	if err != nil {
		c.dropAnnouncement(exec.ID)
		c.rollbackLaunch(exec, err)
		return domain.ActiveExecution{}, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	c.publisher.PublishData(channel.TypeRunStarted, channel.RunStartedData{
		RunID:               exec.ID,
		Kind:                exec.Kind,
		ScopeKey:            exec.ScopeKey,
		StartedAt:           exec.StartedAt,
		EstimatedDurationMs: exec.EstimatedDurationMs,
	})
	c.publisher.PublishData(channel.TypeProcessStarted, channel.ProcessData{RunID: exec.ID})
	c.announce(exec.ID)

	metrics.RecordAdmission(string(exec.Kind), "started")
	log.Info("run started", "pid", handle.PID, "estimate_ms", exec.EstimatedDurationMs)
	return exec, nil
}

// Complete releases id and finalizes its record. Missing counts in outcome are
// taken from the aggregated progress.
func (c *Controller) Complete(ctx context.Context, id string, outcome domain.Outcome) error {
	exec, ok := c.registry.Remove(id)
	if !ok {
		return ErrNotFound
	}
	metrics.DecActive(string(exec.Kind))
	now := c.registry.Now()

	final, tracked := c.progress.Finish(id)
	if tracked && outcome.TotalTests == 0 && outcome.PassedTests+outcome.FailedTests+outcome.SkippedTests == 0 {
		outcome.TotalTests = final.TotalTests
		outcome.PassedTests = final.PassedTests
		outcome.FailedTests = final.FailedTests
		outcome.SkippedTests = final.SkippedTests
	}
	if outcome.Duration <= 0 {
		outcome.Duration = now.Sub(exec.StartedAt)
	}
	if !outcome.Status.Terminal() || outcome.Status == domain.RunAbandoned {
		outcome.Status = domain.RunPassed
		if outcome.FailedTests > 0 || outcome.Error != "" {
			outcome.Status = domain.RunFailed
		}
	}
	metrics.RecordCompletion(string(exec.Kind), string(outcome.Status))

	if err := c.runs.FinalizeRun(ctx, id, outcome, now); err != nil {
		c.logger.Error("finalize run record failed", "run_id", id, "error", err)
	}

	completed := channel.RunCompletedData{RunID: id, Kind: exec.Kind, Status: string(outcome.Status)}
	if exec.Kind == domain.KindRerun {
		completed.OriginalTestID = exec.ScopeKey
	} else {
		completed.ScopeKey = exec.ScopeKey
	}
	status := channel.RunStatusData{RunID: id, Status: string(outcome.Status), Error: outcome.Error}
	refresh := channel.DashboardRefreshData{}
	if exec.Kind == domain.KindRerun {
		refresh = channel.DashboardRefreshData{IsRerun: true, TestID: exec.ScopeKey}
	}
	c.afterAnnounce(id, func() {
		c.publisher.PublishData(channel.TypeRunCompleted, completed)
		c.publisher.PublishData(channel.TypeRunStatus, status)
		c.publisher.PublishData(channel.TypeDashboardRefresh, refresh)
	})

	c.logger.Info("run completed", "run_id", id, "kind", exec.Kind, "status", outcome.Status,
		"passed", outcome.PassedTests, "failed", outcome.FailedTests, "skipped", outcome.SkippedTests)

	if c.archiver != nil {
		final.RunID = id
		c.archiver.UploadAsync(archive.Report{
			RunID:       id,
			Kind:        exec.Kind,
			ScopeKey:    exec.ScopeKey,
			Status:      outcome.Status,
			TriggeredBy: exec.TriggeredBy,
			StartedAt:   exec.StartedAt,
			EndedAt:     now,
			DurationMs:  outcome.Duration.Milliseconds(),
			Error:       outcome.Error,
			Progress:    final,
		}, c.cfg.ArchiveTimeout)
	}
	return nil
}

type AuditInfo struct {
	RequestID string
	UserAgent string
	IP        net.IP
}

// ForceReset clears every active execution. Running processes are not
// signalled; their later events are rejected as unknown runs.
func (c *Controller) ForceReset(ctx context.Context, identity auth.Identity, info AuditInfo) ([]domain.ActiveExecution, error) {
	if c.admin == nil || !c.admin.AllowAdmin(identity) {
		return nil, ErrForbidden
	}
	cleared := c.registry.ForceReset()
	c.progress.Reset()
	metrics.ResetActive()

	ids := make([]string, 0, len(cleared))
	for _, exec := range cleared {
		ids = append(ids, exec.ID)
	}

	if n, err := c.runs.AbandonRunning(ctx, c.registry.Now()); err != nil {
		c.logger.Error("abandon running records failed", "error", err)
	} else if n > 0 {
		c.logger.Info("running records abandoned", "count", n)
	}

	if c.audit != nil {
		actor := strings.TrimSpace(identity.Subject)
		if actor == "" {
			actor = "unknown"
		}
		if _, err := auditlog.InsertRegistryReset(ctx, c.audit, auditlog.RegistryReset{
			Actor:       actor,
			RequestID:   info.RequestID,
			IP:          info.IP,
			UserAgent:   info.UserAgent,
			ClearedRuns: ids,
		}); err != nil {
			c.logger.Error("audit registry reset failed", "error", err)
		}
	}

	c.publisher.PublishData(channel.TypeConnectionStatus, c.Snapshot())
	c.logger.Warn("registry reset", "actor", identity.Subject, "cleared", len(ids))
	return cleared, nil
}

// Snapshot is the current state as sent to a newly joined observer.
func (c *Controller) Snapshot() domain.ConnectionSnapshot {
	execs := c.registry.Snapshot()
	all := c.progress.Snapshot()
	out := domain.ConnectionSnapshot{
		IsRunning:  len(execs) > 0,
		Executions: execs,
		Progress:   make(map[string]domain.RunProgress, len(all)),
	}
	for _, exec := range execs {
		if p, ok := all[exec.ID]; ok {
			out.Progress[exec.ID] = p
		}
	}
	return out
}

// Active returns the execution with id if it is still registered.
func (c *Controller) Active(id string) (domain.ActiveExecution, bool) {
	return c.registry.Get(id)
}

func (c *Controller) estimate(ctx context.Context, kind domain.Kind, scope string) time.Duration {
	if c.estimator == nil {
		return c.cfg.DefaultEstimate
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	d, ok, err := c.estimator.Estimate(ctx, kind, scope)
	if err != nil {
		c.logger.Warn("duration estimate failed", "kind", kind, "scope_key", scope, "error", err)
		return c.cfg.DefaultEstimate
	}
	if !ok || d <= 0 {
		return c.cfg.DefaultEstimate
	}
	return d
}

func (c *Controller) release(exec domain.ActiveExecution) {
	if _, ok := c.registry.Remove(exec.ID); ok {
		metrics.DecActive(string(exec.Kind))
	}
	c.progress.Finish(exec.ID)
}

func (c *Controller) rollbackLaunch(exec domain.ActiveExecution, cause error) {
	c.release(exec)
	metrics.RecordAdmission(string(exec.Kind), "launch_failed")
	metrics.RecordErrorDetails("launch", cause)
	c.logger.Error("executor launch failed", "run_id", exec.ID, "kind", exec.Kind, "scope_key", exec.ScopeKey, "error", cause)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
	defer cancel()
	if err := c.runs.FinalizeRun(ctx, exec.ID, domain.Outcome{
		Status: domain.RunFailed,
		Error:  cause.Error(),
	}, c.registry.Now()); err != nil {
		c.logger.Error("mark run failed", "run_id", exec.ID, "error", err)
	}
	c.publisher.PublishData(channel.TypeRunStatus, channel.RunStatusData{
		RunID:  exec.ID,
		Status: string(domain.RunFailed),
		Error:  cause.Error(),
	})
}

// announce marks id as announced and flushes the publishes held back for it.
func (c *Controller) announce(id string) {
	for {
		c.mu.Lock()
		held := c.unannounced[id]
		if len(held) == 0 {
			delete(c.unannounced, id)
			c.mu.Unlock()
			return
		}
		c.unannounced[id] = nil
		c.mu.Unlock()
		for _, publish := range held {
			publish()
		}
	}
}

// dropAnnouncement forgets a run that is never announced, together with
// anything held back for it.
func (c *Controller) dropAnnouncement(id string) {
	c.mu.Lock()
	delete(c.unannounced, id)
	c.mu.Unlock()
}

// afterAnnounce runs publish now if run:started for id is out, and otherwise
// once it is. Observers therefore never see a run end before it starts.
func (c *Controller) afterAnnounce(id string, publish func()) {
	c.mu.Lock()
	if held, pending := c.unannounced[id]; pending {
		c.unannounced[id] = append(held, publish)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	publish()
}

// onExit handles the process ending. process:ended is held back until
// run:started has been published.
func (c *Controller) onExit(exec domain.ActiveExecution) func(executor.ExitStatus) {
	return func(status executor.ExitStatus) {
		exitCode := status.ExitCode
		c.afterAnnounce(exec.ID, func() {
			c.publisher.PublishData(channel.TypeProcessEnded, channel.ProcessData{RunID: exec.ID, ExitCode: &exitCode})
		})

		if _, active := c.registry.Get(exec.ID); !active {
			return
		}
		outcome := domain.Outcome{Duration: status.Duration}
		if p, ok := c.progress.Get(exec.ID); ok {
			outcome.TotalTests = p.TotalTests
			outcome.PassedTests = p.PassedTests
			outcome.FailedTests = p.FailedTests
			outcome.SkippedTests = p.SkippedTests
		}
		outcome.Status = domain.RunPassed
		if !status.Succeeded() || outcome.FailedTests > 0 {
			outcome.Status = domain.RunFailed
		}
		if status.Err != nil {
			outcome.Error = status.Err.Error()
		} else if status.ExitCode != 0 {
			outcome.Error = fmt.Sprintf("process exited with code %d", status.ExitCode)
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
		defer cancel()
		if err := c.Complete(ctx, exec.ID, outcome); err != nil && !errors.Is(err, ErrNotFound) {
			c.logger.Error("auto-complete failed", "run_id", exec.ID, "error", err)
		}
	}
}

func tracksProgress(kind domain.Kind) bool {
	return kind == domain.KindRunAll || kind == domain.KindRunGroup
}
