package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ProcessExecutor runs the configured command as a child process. Children
// are bound to the base context, not to the request that launched them.
type ProcessExecutor struct {
	base   context.Context
	cfg    CommandConfig
	logger *slog.Logger
}

func NewProcessExecutor(base context.Context, cfg CommandConfig, logger *slog.Logger) (*ProcessExecutor, error) {
	if base == nil {
		return nil, errors.New("base context is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ProcessExecutor{base: base, cfg: cfg, logger: logger}, nil
}

func (e *ProcessExecutor) Kind() string {
	return "process"
}

func (e *ProcessExecutor) Start(ctx context.Context, req LaunchRequest, onExit func(ExitStatus)) (Handle, error) {
	if strings.TrimSpace(req.RunID) == "" {
		return Handle{}, errors.New("run id is required")
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	argv, err := e.cfg.Argv(req)
	if err != nil {
		return Handle{}, err
	}

	cmd := exec.CommandContext(e.base, argv[0], argv[1:]...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = append(os.Environ(), e.environ(req)...)

	output, err := e.openLog(req.RunID)
	if err != nil {
		return Handle{}, err
	}
	cmd.Stdout = output
	cmd.Stderr = output

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		_ = output.Close()
		return Handle{}, fmt.Errorf("start %s: %w", argv[0], err)
	}
	handle := Handle{RunID: req.RunID, PID: cmd.Process.Pid, StartedAt: started}
	e.logger.Info("test process started", "run_id", req.RunID, "pid", handle.PID, "command", argv[0])

	go func() {
		waitErr := cmd.Wait()
		_ = output.Close()
		status := ExitStatus{RunID: req.RunID, Duration: time.Since(started)}
		var exitErr *exec.ExitError
		switch {
		case waitErr == nil:
		case errors.As(waitErr, &exitErr):
			status.ExitCode = exitErr.ExitCode()
		default:
			status.ExitCode = -1
			status.Err = waitErr
		}
		e.logger.Info("test process exited", "run_id", req.RunID, "exit_code", status.ExitCode, "duration", status.Duration)
		if onExit != nil {
			onExit(status)
		}
	}()
	return handle, nil
}

func (e *ProcessExecutor) environ(req LaunchRequest) []string {
	merged := make(map[string]string, len(e.cfg.Env)+len(req.Env))
	for k, v := range e.cfg.Env {
		merged[k] = v
	}
	for k, v := range req.Env {
		if isReservedEnvKey(k) {
			continue
		}
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := []string{
		"TESTPULSE_RUN_ID=" + req.RunID,
		"TESTPULSE_RUN_KIND=" + string(req.Kind),
		"TESTPULSE_SCOPE_KEY=" + req.ScopeKey,
		"TESTPULSE_REPORT_URL=" + req.ReportURL,
	}
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

func (e *ProcessExecutor) openLog(runID string) (io.WriteCloser, error) {
	if strings.TrimSpace(e.cfg.LogDir) == "" {
		return nopWriteCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(e.cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.Create(filepath.Join(e.cfg.LogDir, filepath.Base(runID)+".log"))
	if err != nil {
		return nil, fmt.Errorf("create run log: %w", err)
	}
	return f, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
