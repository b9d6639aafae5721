package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/settleload/pkg/types"
)

// unmarshalJSON unmarshals a JSON column and logs corruption without failing
// the query.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	// WAL mode lets the HTTP API read history while a run is being persisted.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		backend TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		config TEXT NOT NULL,
		generated INTEGER DEFAULT 0,
		settled INTEGER DEFAULT 0,
		rejected INTEGER DEFAULT 0,
		workers_finished INTEGER DEFAULT 0,
		commits INTEGER DEFAULT 0,
		commit_failures INTEGER DEFAULT 0,
		throughput REAL DEFAULT 0,
		report_count INTEGER DEFAULT 0,
		error_message TEXT,
		verification TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS throughput_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		window_successes INTEGER NOT NULL,
		cumulative_successes INTEGER NOT NULL,
		elapsed_seconds REAL NOT NULL,
		throughput REAL NOT NULL,
		window_throughput REAL NOT NULL,
		batch_ref TEXT,
		batch_height INTEGER DEFAULT 0,
		batch_tx_count INTEGER DEFAULT 0,
		commit_error TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_reports_run ON throughput_reports(run_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a run.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *types.RunSummary) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	status := run.Status
	if status == "" {
		status = types.PhaseRunning
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, backend, status, started_at, config)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.Backend, string(status), run.StartedAt.UTC(), string(configJSON))
	return errors.Wrapf(err, "create run %s", run.ID)
}

// CompleteRun stores the final counters and status of a run.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, run *types.RunSummary) error {
	completedAt := time.Now().UTC()
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UTC()
	}

	var verification sql.NullString
	if run.Verification != nil {
		data, err := json.Marshal(run.Verification)
		if err != nil {
			return errors.Wrap(err, "failed to marshal verification")
		}
		verification = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			completed_at = ?,
			generated = ?,
			settled = ?,
			rejected = ?,
			workers_finished = ?,
			commits = ?,
			commit_failures = ?,
			throughput = ?,
			report_count = ?,
			error_message = ?,
			verification = ?
		WHERE id = ?
	`, string(run.Status), completedAt,
		run.Counters.Generated, run.Counters.Settled, run.Counters.Rejected,
		run.Counters.WorkersFinished, run.Counters.Commits, run.Counters.CommitFailures,
		run.Throughput, run.ReportCount, nullString(run.ErrorMessage), verification, run.ID)
	if err != nil {
		return errors.Wrapf(err, "complete run %s", run.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Newf("run not found: %s", run.ID)
	}
	return nil
}

const runColumns = `id, backend, status, started_at, completed_at, config,
	generated, settled, rejected, workers_finished, commits, commit_failures,
	throughput, report_count, error_message, verification`

// GetRun retrieves a single run by ID.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*types.RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get run %s", id)
	}
	return run, nil
}

// ListRuns returns a page of runs, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*types.HistoryResponse, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, errors.Wrap(err, "count runs")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	runs := []types.RunSummary{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &types.HistoryResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and its reports.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

// BulkInsertReports inserts reports in a single transaction.
func (s *SQLiteStorage) BulkInsertReports(ctx context.Context, runID string, reports []types.ThroughputReport) error {
	if len(reports) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO throughput_reports (run_id, seq, timestamp_ms, window_successes, cumulative_successes,
			elapsed_seconds, throughput, window_throughput, batch_ref, batch_height, batch_tx_count, commit_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range reports {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, runID, r.Seq, r.Timestamp.UnixMilli(), r.WindowSuccesses, r.CumulativeSuccesses,
			r.ElapsedSeconds, r.Throughput, r.WindowThroughput, nullString(r.BatchRef), int64(r.BatchHeight),
			r.BatchTxCount, nullString(r.CommitError))
		if err != nil {
			return errors.Wrapf(err, "insert report %d of run %s", r.Seq, runID)
		}
	}

	return tx.Commit()
}

// GetReports returns a run's reports ordered by sequence number.
func (s *SQLiteStorage) GetReports(ctx context.Context, runID string) ([]types.ThroughputReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, timestamp_ms, window_successes, cumulative_successes, elapsed_seconds,
			throughput, window_throughput, batch_ref, COALESCE(batch_height, 0), COALESCE(batch_tx_count, 0), commit_error
		FROM throughput_reports
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "reports of run %s", runID)
	}
	defer rows.Close()

	reports := []types.ThroughputReport{}
	for rows.Next() {
		var (
			r           types.ThroughputReport
			tsMs        int64
			height      int64
			batchRef    sql.NullString
			commitError sql.NullString
		)
		if err := rows.Scan(&r.Seq, &tsMs, &r.WindowSuccesses, &r.CumulativeSuccesses, &r.ElapsedSeconds,
			&r.Throughput, &r.WindowThroughput, &batchRef, &height, &r.BatchTxCount, &commitError); err != nil {
			return nil, err
		}
		r.RunID = runID
		r.Timestamp = time.UnixMilli(tsMs).UTC()
		r.BatchHeight = uint64(height)
		r.BatchRef = batchRef.String
		r.CommitError = commitError.String
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.RunSummary, error) {
	var (
		run         types.RunSummary
		status      string
		completedAt sql.NullTime
		configJSON  sql.NullString
		errorMsg    sql.NullString
		verifyJSON  sql.NullString
	)
	err := row.Scan(&run.ID, &run.Backend, &status, &run.StartedAt, &completedAt, &configJSON,
		&run.Counters.Generated, &run.Counters.Settled, &run.Counters.Rejected,
		&run.Counters.WorkersFinished, &run.Counters.Commits, &run.Counters.CommitFailures,
		&run.Throughput, &run.ReportCount, &errorMsg, &verifyJSON)
	if err != nil {
		return nil, err
	}

	run.Status = types.RunPhase(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if errorMsg.Valid {
		run.ErrorMessage = errorMsg.String
	}
	if configJSON.Valid && configJSON.String != "" {
		unmarshalJSON(configJSON.String, &run.Config, "config", run.ID)
	}
	if verifyJSON.Valid && verifyJSON.String != "" {
		run.Verification = &types.VerificationResult{}
		unmarshalJSON(verifyJSON.String, run.Verification, "verification", run.ID)
	}
	return &run, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
