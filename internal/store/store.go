package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/autograder/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		student_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		failed_stage TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, name)
	);

	CREATE TABLE IF NOT EXISTS reports (
		run_id TEXT PRIMARY KEY,
		student_name TEXT NOT NULL DEFAULT '',
		total_score REAL NOT NULL DEFAULT 0,
		max_score REAL NOT NULL DEFAULT 0,
		report TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS memo (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exam_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StartRun records a new run.
func (s *Store) StartRun(ctx context.Context, run model.Run) error {
	status := run.Status
	if status == "" {
		status = model.RunRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, student_name, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.StudentName, status, run.StartedAt,
	)
	return err
}

// FinishRun marks a run completed and stores its report card.
func (s *Store) FinishRun(ctx context.Context, runID string, report model.ReportCard) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		model.RunCompleted, s.now().UTC(), runID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO reports (run_id, student_name, total_score, max_score, report)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET student_name = ?, total_score = ?, max_score = ?, report = ?`,
		runID, report.StudentName, report.TotalScore, report.MaxScore, string(data),
		report.StudentName, report.TotalScore, report.MaxScore, string(data),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// FailRun marks a run failed at the given stage.
func (s *Store) FailRun(ctx context.Context, runID, stage, kind string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, failed_stage = ?, error_kind = ?, finished_at = ? WHERE id = ?`,
		model.RunFailed, stage, kind, s.now().UTC(), runID,
	)
	return err
}

// GetRun returns a run by ID, or nil if it does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	err := s.db.QueryRowContext(ctx,
		`SELECT id, student_name, status, failed_stage, error_kind, started_at, finished_at FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.StudentName, &r.Status, &r.FailedStage, &r.ErrorKind, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns the most recent runs first. A limit of zero or less returns all runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	query := `SELECT id, student_name, status, failed_stage, error_kind, started_at, finished_at FROM runs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.StudentName, &r.Status, &r.FailedStage, &r.ErrorKind, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SaveArtifact stores a stage artifact, replacing an earlier one with the same name.
func (s *Store) SaveArtifact(ctx context.Context, runID, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, name, data, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, name) DO UPDATE SET data = ?, created_at = ?`,
		runID, name, data, s.now().UTC(), data, s.now().UTC(),
	)
	return err
}

// GetArtifact returns a stage artifact, or nil if it does not exist.
func (s *Store) GetArtifact(ctx context.Context, runID, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM artifacts WHERE run_id = ? AND name = ?`, runID, name,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

// ListArtifacts returns the artifact names stored for a run.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM artifacts WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// GetReport returns the report card of a completed run, or nil if there is none.
func (s *Store) GetReport(ctx context.Context, runID string) (*model.ReportCard, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM reports WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var card model.ReportCard
	if err := json.Unmarshal([]byte(data), &card); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", runID, err)
	}
	return &card, nil
}

// ListReports returns every stored report with its run, oldest first.
func (s *Store) ListReports(ctx context.Context) ([]model.StoredReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.student_name, r.started_at, r.finished_at, p.report
		 FROM reports p JOIN runs r ON r.id = p.run_id
		 ORDER BY r.started_at, r.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reports []model.StoredReport
	for rows.Next() {
		var sr model.StoredReport
		var data string
		if err := rows.Scan(&sr.RunID, &sr.StudentName, &sr.StartedAt, &sr.FinishedAt, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &sr.Report); err != nil {
			return nil, fmt.Errorf("decode report %s: %w", sr.RunID, err)
		}
		reports = append(reports, sr)
	}
	return reports, rows.Err()
}

// RunCount returns the number of runs in the database.
func (s *Store) RunCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&count)
	return count, err
}
