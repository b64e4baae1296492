package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/testpulse/testpulse/internal/admission"
	"github.com/testpulse/testpulse/internal/archive"
	"github.com/testpulse/testpulse/internal/channel"
	"github.com/testpulse/testpulse/internal/domain"
	"github.com/testpulse/testpulse/internal/platform/auditlog"
	"github.com/testpulse/testpulse/internal/platform/auth"
	"github.com/testpulse/testpulse/internal/platform/httpserver"
	"github.com/testpulse/testpulse/internal/repo"
)

const conflictCode = "TESTS_ALREADY_RUNNING"

type coordinatorAPI struct {
	logger   *slog.Logger
	ctrl     *admission.Controller
	runs     repo.RunStore
	archiver *archive.Archiver
}

func newCoordinatorAPI(logger *slog.Logger, ctrl *admission.Controller, runs repo.RunStore, archiver *archive.Archiver) *coordinatorAPI {
	return &coordinatorAPI{
		logger:   logger,
		ctrl:     ctrl,
		runs:     runs,
		archiver: archiver,
	}
}

func (api *coordinatorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/runs", api.handleStartRun)
	mux.HandleFunc("GET /api/runs", api.handleListRuns)
	mux.HandleFunc("GET /api/runs/active", api.handleActiveRuns)
	mux.HandleFunc("GET /api/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("GET /api/runs/{run_id}/report", api.handleGetReport)
	mux.HandleFunc("POST /api/runs/{run_id}/events", api.handleRunEvent)
	mux.HandleFunc("POST /api/runs/{run_id}/complete", api.handleCompleteRun)
	mux.HandleFunc("POST /api/discovery", api.handleDiscovery)
	mux.HandleFunc("POST /api/admin/reset", api.handleReset)
}

type startRunRequest struct {
	Kind       domain.Kind       `json:"kind"`
	ScopeKey   string            `json:"scopeKey,omitempty"`
	TotalTests int               `json:"totalTests,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

type conflictResponse struct {
	Code                   string    `json:"code"`
	Message                string    `json:"message"`
	CurrentRunID           string    `json:"currentRunId"`
	EstimatedTimeRemaining int64     `json:"estimatedTimeRemaining"`
	StartedAt              time.Time `json:"startedAt"`
}

type runResponse struct {
	ID           string           `json:"id"`
	Kind         domain.Kind      `json:"kind"`
	ScopeKey     string           `json:"scopeKey"`
	Status       domain.RunStatus `json:"status"`
	TriggeredBy  string           `json:"triggeredBy,omitempty"`
	StartedAt    time.Time        `json:"startedAt"`
	EndedAt      *time.Time       `json:"endedAt,omitempty"`
	TotalTests   int              `json:"totalTests"`
	PassedTests  int              `json:"passedTests"`
	FailedTests  int              `json:"failedTests"`
	SkippedTests int              `json:"skippedTests"`
	DurationMs   int64            `json:"durationMs,omitempty"`
	Error        string           `json:"error,omitempty"`
}

type completeRunRequest struct {
	Status       domain.RunStatus `json:"status,omitempty"`
	TotalTests   int              `json:"totalTests,omitempty"`
	PassedTests  int              `json:"passedTests,omitempty"`
	FailedTests  int              `json:"failedTests,omitempty"`
	SkippedTests int              `json:"skippedTests,omitempty"`
	DurationMs   int64            `json:"durationMs,omitempty"`
	Error        string           `json:"error,omitempty"`
}

func (api *coordinatorAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.TotalTests < 0 {
		api.writeError(w, r, http.StatusBadRequest, "total_tests_invalid")
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())

	exec, err := api.ctrl.RequestStart(r.Context(), admission.StartRequest{
		Kind:        req.Kind,
		ScopeKey:    req.ScopeKey,
		TotalTests:  req.TotalTests,
		TriggeredBy: identity.Subject,
		Env:         req.Env,
	})
	if err != nil {
		if conflict, ok := admission.ConflictFromError(err); ok {
			api.writeJSON(w, http.StatusConflict, conflictResponse{
				Code:                   conflictCode,
				Message:                conflictMessage(req.Kind),
				CurrentRunID:           conflict.CurrentExecutionID,
				EstimatedTimeRemaining: conflict.EstimatedTimeRemainingMs,
				StartedAt:              conflict.StartedAt,
			})
			return
		}
		switch {
		case errors.Is(err, domain.ErrInvalidScope):
			api.writeError(w, r, http.StatusBadRequest, "invalid_scope")
		case errors.Is(err, admission.ErrLaunchFailed):
			api.writeError(w, r, http.StatusBadGateway, "launch_failed")
		default:
			api.logger.Error("start run failed", "request_id", r.Header.Get(httpserver.HeaderRequestID), "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	api.writeJSON(w, http.StatusAccepted, exec)
}

func conflictMessage(kind domain.Kind) string {
	switch kind {
	case domain.KindRerun:
		return "This test is already being rerun"
	case domain.KindRunGroup:
		return "Tests in this file are already running"
	default:
		return "Tests are already running"
	}
}

func (api *coordinatorAPI) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, api.ctrl.Snapshot())
}

func (api *coordinatorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		Kind:   domain.Kind(strings.TrimSpace(r.URL.Query().Get("kind"))),
		Status: domain.RunStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:  clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		api.writeError(w, r, http.StatusBadRequest, "kind_invalid")
		return
	}
	records, err := api.runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.logger.Error("list runs failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]runResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toRunResponse(rec))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *coordinatorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	rec, err := api.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get run failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	resp := map[string]any{"run": toRunResponse(rec)}
	if _, active := api.ctrl.Active(runID); active {
		if p, ok := api.ctrl.Snapshot().Progress[runID]; ok {
			resp["progress"] = p
		}
	}
	api.writeJSON(w, http.StatusOK, resp)
}

func (api *coordinatorAPI) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if api.archiver == nil {
		api.writeError(w, r, http.StatusNotImplemented, "archive_disabled")
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	body, err := api.archiver.Open(r.Context(), runID)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("open report failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusBadGateway, "archive_unavailable")
		return
	}
	defer func() { _ = body.Close() }()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func (api *coordinatorAPI) handleRunEvent(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	var ev admission.ProgressEvent
	if err := decodeJSON(r, &ev); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := api.ctrl.RecordEvent(r.Context(), runID, ev); err != nil {
		switch {
		case errors.Is(err, admission.ErrInvalidEvent):
			api.writeError(w, r, http.StatusBadRequest, "invalid_event")
		case errors.Is(err, admission.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "run_not_active")
		default:
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *coordinatorAPI) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	var req completeRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Status != "" && req.Status != domain.RunPassed && req.Status != domain.RunFailed {
		api.writeError(w, r, http.StatusBadRequest, "status_invalid")
		return
	}
	err := api.ctrl.Complete(r.Context(), runID, domain.Outcome{
		Status:       req.Status,
		TotalTests:   req.TotalTests,
		PassedTests:  req.PassedTests,
		FailedTests:  req.FailedTests,
		SkippedTests: req.SkippedTests,
		Duration:     time.Duration(req.DurationMs) * time.Millisecond,
		Error:        strings.TrimSpace(req.Error),
	})
	if err != nil {
		if errors.Is(err, admission.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_active")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *coordinatorAPI) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	var req channel.DiscoveryCompletedData
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := api.ctrl.RecordDiscovery(req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_event")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *coordinatorAPI) handleReset(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	cleared, err := api.ctrl.ForceReset(r.Context(), identity, admission.AuditInfo{
		RequestID: requestID,
		UserAgent: r.UserAgent(),
		IP:        auditlog.RemoteIP(r.RemoteAddr),
	})
	if err != nil {
		if errors.Is(err, admission.ErrForbidden) {
			api.writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func toRunResponse(rec domain.RunRecord) runResponse {
	return runResponse{
		ID:           rec.ID,
		Kind:         rec.Kind,
		ScopeKey:     rec.ScopeKey,
		Status:       rec.Status,
		TriggeredBy:  rec.TriggeredBy,
		StartedAt:    rec.StartedAt,
		EndedAt:      rec.EndedAt,
		TotalTests:   rec.TotalTests,
		PassedTests:  rec.PassedTests,
		FailedTests:  rec.FailedTests,
		SkippedTests: rec.SkippedTests,
		DurationMs:   rec.DurationMs,
		Error:        rec.Error,
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *coordinatorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *coordinatorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get(httpserver.HeaderRequestID),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
