package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/testpulse/testpulse/internal/domain"
	"github.com/testpulse/testpulse/internal/repo"
)

const (
	insertRunQuery = `INSERT INTO test_runs (
			run_id,
			kind,
			scope_key,
			status,
			triggered_by,
			started_at,
			total_tests,
			passed_tests,
			failed_tests,
			skipped_tests,
			duration_ms
		) VALUES ($1,$2,$3,$4,$5,$6,0,0,0,0,0)`

	updateRunQuery = `UPDATE test_runs
		 SET status = COALESCE($2, status),
			 total_tests = COALESCE($3, total_tests),
			 error = COALESCE($4, error)
		 WHERE run_id = $1 AND ended_at IS NULL`

	finalizeRunQuery = `UPDATE test_runs
		 SET status = $2,
			 ended_at = $3,
			 total_tests = $4,
			 passed_tests = $5,
			 failed_tests = $6,
			 skipped_tests = $7,
			 duration_ms = $8,
			 error = $9
		 WHERE run_id = $1 AND ended_at IS NULL`

	selectRunColumns = `run_id, kind, scope_key, status, triggered_by, started_at, ended_at,
			total_tests, passed_tests, failed_tests, skipped_tests, duration_ms, error`

	selectRunQuery = `SELECT ` + selectRunColumns + `
		 FROM test_runs
		 WHERE run_id = $1`

	abandonRunningQuery = `UPDATE test_runs
		 SET status = 'abandoned', ended_at = $1
		 WHERE status = 'running' AND ended_at IS NULL`
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		insertRunQuery,
		strings.TrimSpace(run.ID),
		string(run.Kind),
		run.ScopeKey,
		string(run.Status),
		nullIfEmpty(run.TriggeredBy),
		normalizeTime(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) UpdateRun(ctx context.Context, id string, patch repo.RunPatch) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	var status, runErr sql.NullString
	var total sql.NullInt64
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}
	if patch.TotalTests != nil {
		total = sql.NullInt64{Int64: int64(*patch.TotalTests), Valid: true}
	}
	if patch.Error != nil {
		runErr = sql.NullString{String: *patch.Error, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, updateRunQuery, id, status, total, runErr)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return requireAffected(res)
}

func (s *RunStore) FinalizeRun(ctx context.Context, id string, outcome domain.Outcome, endedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if !outcome.Status.Terminal() {
		return fmt.Errorf("final status %q is not terminal", outcome.Status)
	}
	res, err := s.db.ExecContext(
		ctx,
		finalizeRunQuery,
		id,
		string(outcome.Status),
		normalizeTime(endedAt),
		outcome.TotalTests,
		outcome.PassedTests,
		outcome.FailedTests,
		outcome.SkippedTests,
		outcome.Duration.Milliseconds(),
		nullIfEmpty(outcome.Error),
	)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return requireAffected(res)
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.RunRecord, error) {
	if s == nil || s.db == nil {
		return domain.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.RunRecord{}, fmt.Errorf("run id is required")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery, id))
	if err != nil {
		return domain.RunRecord{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	query, args := buildListRunsQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (s *RunStore) AbandonRunning(ctx context.Context, endedAt time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(ctx, abandonRunningQuery, normalizeTime(endedAt))
	if err != nil {
		return 0, fmt.Errorf("abandon running: %w", err)
	}
	return res.RowsAffected()
}

func buildListRunsQuery(filter repo.RunFilter) (string, []any) {
	query := `SELECT ` + selectRunColumns + ` FROM test_runs`
	var where []string
	var args []any
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY started_at DESC, run_id DESC LIMIT $%d", len(args))
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.RunRecord, error) {
	var run domain.RunRecord
	var kind, status string
	var triggeredBy, runErr sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(&run.ID, &kind, &run.ScopeKey, &status, &triggeredBy, &run.StartedAt, &endedAt,
		&run.TotalTests, &run.PassedTests, &run.FailedTests, &run.SkippedTests, &run.DurationMs, &runErr); err != nil {
		return domain.RunRecord{}, err
	}
	run.Kind = domain.Kind(kind)
	run.Status = domain.RunStatus(status)
	run.StartedAt = run.StartedAt.UTC()
	if triggeredBy.Valid {
		run.TriggeredBy = triggeredBy.String
	}
	if runErr.Valid {
		run.Error = runErr.String
	}
	if endedAt.Valid {
		ended := endedAt.Time.UTC()
		run.EndedAt = &ended
	}
	return run, nil
}
