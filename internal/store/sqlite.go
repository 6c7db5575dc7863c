package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/vbin/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    target      TEXT NOT NULL,
    version     INTEGER NOT NULL,
    host        TEXT NOT NULL,
    args        TEXT,
    status      TEXT NOT NULL,
    exit_code   INTEGER,
    error_kind  TEXT,
    error       TEXT,
    duration_ms INTEGER,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const runColumns = `id, target, version, host, args, status, exit_code,
	error_kind, error, duration_ms, started_at, finished_at`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createRunsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	args, err := json.Marshal(r.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Target, int64(r.Version), r.Host, string(args), r.Status, r.ExitCode,
		r.ErrorKind, r.Error, r.DurationMS, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	r := &model.Run{}
	var (
		version   int64
		args      sql.NullString
		errorKind sql.NullString
		errMsg    sql.NullString
	)
	if err := row.Scan(
		&r.ID, &r.Target, &version, &r.Host, &args, &r.Status, &r.ExitCode,
		&errorKind, &errMsg, &r.DurationMS, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	r.Version = model.Version(version)
	r.ErrorKind = errorKind.String
	r.Error = errMsg.String
	if args.Valid && args.String != "" && args.String != "null" {
		if err := json.Unmarshal([]byte(args.String), &r.Args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}
	return r, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by started_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// FinishRun records the outcome of a running run. The stored status must be
// able to transition to r.Status.
func (s *SQLiteStore) FinishRun(ctx context.Context, r *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", r.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	if !model.ValidTransition(current, r.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, r.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET version = ?, status = ?, exit_code = ?, error_kind = ?, error = ?,
			duration_ms = ?, finished_at = ? WHERE id = ?`,
		int64(r.Version), r.Status, r.ExitCode, r.ErrorKind, r.Error, r.DurationMS, r.FinishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return tx.Commit()
}

// GetRunStats returns aggregate run statistics.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus:  make(map[string]int),
		CountByVersion: make(map[string]int),
		CountByKind:    make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM runs",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	if err := s.countBy(ctx, "status", func(k string, n int) { stats.CountByStatus[k] = n }); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "version", func(k string, n int) { stats.CountByVersion[k] = n }); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "error_kind", func(k string, n int) {
		if k != "" {
			stats.CountByKind[k] = n
		}
	}); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy groups runs by column. column is always a literal from this file.
func (s *SQLiteStore) countBy(ctx context.Context, column string, add func(string, int)) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT COALESCE(CAST("+column+" AS TEXT), ''), COUNT(*) FROM runs GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count runs by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		add(key, n)
	}
	return rows.Err()
}
