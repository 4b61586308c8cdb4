// Package runlog records training runs, their per-epoch metrics and the
// post-training evaluation in a SQLite database.
package runlog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Brownie44l1/snapcheck/internal/nn"
	"github.com/Brownie44l1/snapcheck/internal/training"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates a ledger written by an incompatible version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one training invocation.
type Run struct {
	ID           string
	Preset       string
	CorrectDir   string
	IncorrectDir string
	Samples      int
	Status       string
	Error        string
	BundleDir    string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Store is the ledger database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: ledger has version %d, expected %d (delete %s to start over)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// StartRun inserts r as running with a fresh id and returns it.
func (s *Store) StartRun(ctx context.Context, r Run) (*Run, error) {
	r.ID = uuid.NewString()
	r.Status = StatusRunning
	r.StartedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, preset, correct_dir, incorrect_dir, samples, status, started_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Preset, r.CorrectDir, r.IncorrectDir, r.Samples, r.Status, r.StartedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &r, nil
}

// SetSamples records the assembled dataset size.
func (s *Store) SetSamples(ctx context.Context, runID string, n int) error {
	return s.update(ctx, "UPDATE runs SET samples = ? WHERE id = ?", n, runID)
}

// FinishRun marks the run succeeded, or failed when runErr is non-nil.
func (s *Store) FinishRun(ctx context.Context, runID, bundleDir string, runErr error) error {
	status, msg := StatusSucceeded, sql.NullString{}
	if runErr != nil {
		status = StatusFailed
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	return s.update(ctx,
		"UPDATE runs SET status = ?, error_message = ?, bundle_dir = ?, finished_at = ? WHERE id = ?",
		status, msg, nullableString(bundleDir), time.Now().UTC().Format(timeLayout), runID)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RecordEpoch appends one epoch's metrics to a run.
func (s *Store) RecordEpoch(ctx context.Context, runID string, m nn.EpochMetrics) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO epochs (run_id, epoch, loss, accuracy, val_loss, val_accuracy, train_samples, val_samples, elapsed_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, m.Epoch, m.Loss, m.Accuracy, nullableFloat(m.ValidationLoss), nullableFloat(m.ValidationAccuracy),
		m.TrainSamples, m.ValidationSamples, m.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert epoch: %w", err)
	}
	return nil
}

// Recorder binds a run id so the store can be handed to a trainer.
func (s *Store) Recorder(runID string) training.EpochRecorder {
	return runRecorder{store: s, runID: runID}
}

type runRecorder struct {
	store *Store
	runID string
}

func (r runRecorder) RecordEpoch(ctx context.Context, m nn.EpochMetrics) error {
	return r.store.RecordEpoch(ctx, r.runID, m)
}

// RecordEvaluations stores the evaluation of a run in one transaction.
func (s *Store) RecordEvaluations(ctx context.Context, runID string, threshold float32, evals []training.Evaluation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin evaluation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO evaluations (run_id, position, source_name, score, expected, predicted, threshold)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare evaluation insert: %w", err)
	}
	defer stmt.Close()
	for i, e := range evals {
		if _, err := stmt.ExecContext(ctx, runID, i, e.SourceName, e.Score, e.Expected, e.Predicted, threshold); err != nil {
			return fmt.Errorf("insert evaluation %s: %w", e.SourceName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit evaluations: %w", err)
	}
	return nil
}

const runColumns = `id, preset, correct_dir, incorrect_dir, samples, status, error_message, bundle_dir, started_at, finished_at`

// Run fetches one run.
func (s *Store) Run(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

// Runs lists the most recent runs first. limit <= 0 lists all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM runs ORDER BY started_at DESC, rowid DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r                 Run
		errMsg, bundleDir sql.NullString
		started           string
		finished          sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Preset, &r.CorrectDir, &r.IncorrectDir, &r.Samples, &r.Status,
		&errMsg, &bundleDir, &started, &finished); err != nil {
		return nil, err
	}
	r.Error = errMsg.String
	r.BundleDir = bundleDir.String
	r.StartedAt, _ = time.Parse(timeLayout, started)
	if finished.Valid {
		r.FinishedAt, _ = time.Parse(timeLayout, finished.String)
	}
	return &r, nil
}

// Epochs returns a run's epoch metrics in order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]nn.EpochMetrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, loss, accuracy, val_loss, val_accuracy, train_samples, val_samples, elapsed_ms
        FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("query epochs: %w", err)
	}
	defer rows.Close()
	var out []nn.EpochMetrics
	for rows.Next() {
		var (
			m         nn.EpochMetrics
			vl, va    sql.NullFloat64
			elapsedMS int64
		)
		if err := rows.Scan(&m.Epoch, &m.Loss, &m.Accuracy, &vl, &va, &m.TrainSamples, &m.ValidationSamples, &elapsedMS); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		if vl.Valid {
			m.ValidationLoss = &vl.Float64
		}
		if va.Valid {
			m.ValidationAccuracy = &va.Float64
		}
		m.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, m)
	}
	return out, rows.Err()
}

// Evaluations returns a run's evaluation rows in sample order.
func (s *Store) Evaluations(ctx context.Context, runID string) ([]training.Evaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_name, score, expected, predicted FROM evaluations WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()
	var out []training.Evaluation
	for rows.Next() {
		var e training.Evaluation
		if err := rows.Scan(&e.SourceName, &e.Score, &e.Expected, &e.Predicted); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
