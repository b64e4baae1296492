package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/testpulse/testpulse/internal/domain"
)

const reportPrefix = "reports/"

// Report is the JSON document stored for each finished run.
type Report struct {
	RunID       string             `json:"runId"`
	Kind        domain.Kind        `json:"kind"`
	ScopeKey    string             `json:"scopeKey"`
	Status      domain.RunStatus   `json:"status"`
	TriggeredBy string             `json:"triggeredBy,omitempty"`
	StartedAt   time.Time          `json:"startedAt"`
	EndedAt     time.Time          `json:"endedAt"`
	DurationMs  int64              `json:"durationMs"`
	Error       string             `json:"error,omitempty"`
	Progress    domain.RunProgress `json:"progress"`
}

func ReportKey(runID string) string {
	return reportPrefix + strings.TrimSpace(runID) + ".json"
}

type Archiver struct {
	store  Store
	logger *slog.Logger
}

func NewArchiver(store Store, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Archiver{store: store, logger: logger}
}

// Upload writes the report and returns its key.
func (a *Archiver) Upload(ctx context.Context, report Report) (string, error) {
	if a == nil || a.store == nil {
		return "", errors.New("archiver not initialized")
	}
	if strings.TrimSpace(report.RunID) == "" {
		return "", errors.New("run id is required")
	}
	body, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	key := ReportKey(report.RunID)
	if err := a.store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	return key, nil
}

// UploadAsync uploads in the background and only logs failures.
func (a *Archiver) UploadAsync(report Report, timeout time.Duration) {
	if a == nil || a.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		key, err := a.Upload(ctx, report)
		if err != nil {
			a.logger.Warn("report archive failed", "run_id", report.RunID, "error", err)
			return
		}
		a.logger.Info("report archived", "run_id", report.RunID, "key", key)
	}()
}

// Open returns the stored report for runID.
func (a *Archiver) Open(ctx context.Context, runID string) (io.ReadCloser, error) {
	if a == nil || a.store == nil {
		return nil, errors.New("archiver not initialized")
	}
	return a.store.Get(ctx, ReportKey(runID))
}
