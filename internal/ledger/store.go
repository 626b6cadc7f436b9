package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	started_at    TEXT NOT NULL,
	finished_at   TEXT,
	status        TEXT NOT NULL,
	world_size    INTEGER NOT NULL,
	config_json   TEXT,
	error         TEXT
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	name          TEXT NOT NULL,
	path          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	global_step   INTEGER NOT NULL,
	epoch         REAL NOT NULL,
	best_metric   REAL,
	created_at    TEXT NOT NULL,
	pruned_at     TEXT,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS metric_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	step          INTEGER NOT NULL,
	key           TEXT NOT NULL,
	value         REAL NOT NULL,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE INDEX IF NOT EXISTS idx_metric_log_run_key ON metric_log(run_id, key, step);
`
// #endregion schema

// ErrUnknownRun is returned when a run ID has no row.
var ErrUnknownRun = errors.New("ledger: unknown run")

// #region store-struct
// Store records runs and the checkpoints they produced in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}
// #endregion store-struct

// #region constructor
// Open opens a SQLite database and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}
// #endregion constructor

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for the metric sink.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #region runs
// StartRun inserts a new running run and returns it.
func (s *Store) StartRun(worldSize int, configJSON string) (Run, error) {
	run := Run{
		RunID:     uuid.New().String(),
		StartedAt: s.now(),
		Status:    StatusRunning,
		WorldSize: worldSize,
		Config:    configJSON,
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, started_at, status, world_size, config_json) VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.StartedAt.Format(time.RFC3339Nano), string(run.Status), run.WorldSize, nullIfEmpty(configJSON),
	)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinishRun sets the terminal status of a run. runErr may be nil.
func (s *Store) FinishRun(runID string, status Status, runErr error) error {
	var msg string
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE run_id = ?`,
		string(status), s.now().Format(time.RFC3339Nano), nullIfEmpty(msg), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrUnknownRun)
	}
	return nil
}

// Runs lists runs newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT run_id, started_at, finished_at, status, world_size, config_json, error
		 FROM runs ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                   Run
			started             string
			finished, cfg, rerr sql.NullString
			status              string
		)
		if err := rows.Scan(&r.RunID, &started, &finished, &status, &r.WorldSize, &cfg, &rerr); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished.Valid {
			t, _ := time.Parse(time.RFC3339Nano, finished.String)
			r.FinishedAt = &t
		}
		r.Status = Status(status)
		r.Config = cfg.String
		r.Error = rerr.String
		out = append(out, r)
	}
	return out, rows.Err()
}
// #endregion runs

// #region checkpoints
// RecordCheckpoint stores one saved checkpoint. An emergency checkpoint
// replaces the previous emergency row for the same path.
func (s *Store) RecordCheckpoint(e CheckpointEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// A path that is written again supersedes its earlier rows.
	if _, err := tx.Exec(
		`UPDATE checkpoints SET pruned_at = ? WHERE path = ? AND pruned_at IS NULL`,
		e.CreatedAt.Format(time.RFC3339Nano), e.Path,
	); err != nil {
		return fmt.Errorf("supersede checkpoint: %w", err)
	}

	var best any
	if e.BestMetric != nil {
		best = *e.BestMetric
	}
	if _, err := tx.Exec(
		`INSERT INTO checkpoints (run_id, name, path, kind, global_step, epoch, best_metric, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Name, e.Path, string(e.Kind), e.GlobalStep, e.Epoch, best, e.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkPruned flags every live row for path as deleted by retention.
func (s *Store) MarkPruned(path string) error {
	_, err := s.db.Exec(
		`UPDATE checkpoints SET pruned_at = ? WHERE path = ? AND pruned_at IS NULL`,
		s.now().Format(time.RFC3339Nano), path,
	)
	if err != nil {
		return fmt.Errorf("mark pruned: %w", err)
	}
	return nil
}

// Checkpoints lists checkpoints in creation order. An empty runID lists all
// runs. Pruned rows are included only when includePruned is set.
func (s *Store) Checkpoints(runID string, includePruned bool) ([]CheckpointEntry, error) {
	q := `SELECT run_id, name, path, kind, global_step, epoch, best_metric, created_at, pruned_at
	      FROM checkpoints WHERE (? = '' OR run_id = ?)`
	if !includePruned {
		q += ` AND pruned_at IS NULL`
	}
	q += ` ORDER BY id ASC`

	rows, err := s.db.Query(q, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointEntry
	for rows.Next() {
		var (
			e       CheckpointEntry
			kind    string
			best    sql.NullFloat64
			created string
			pruned  sql.NullString
		)
		if err := rows.Scan(&e.RunID, &e.Name, &e.Path, &kind, &e.GlobalStep, &e.Epoch, &best, &created, &pruned); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		e.Kind = Kind(kind)
		if best.Valid {
			v := best.Float64
			e.BestMetric = &v
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		e.Pruned = pruned.Valid
		out = append(out, e)
	}
	return out, rows.Err()
}
// #endregion checkpoints

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
