package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFilename は SQLite ストアのデータベースファイル名です。
const SQLiteFilename = "openclaw-jobs.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS oc_jobs (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  message TEXT NOT NULL,
  model TEXT NOT NULL,
  status TEXT NOT NULL,
  result TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  artifact_path TEXT NOT NULL DEFAULT '',
  attempt INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS oc_jobs_updated_at ON oc_jobs (updated_at);
`

const sqliteColumns = `id, thread_id, message, model, status, result, error_message, artifact_path, attempt, created_at, updated_at`

// SQLiteStore はジョブを SQLite の oc_jobs テーブルに保存します。
type SQLiteStore struct {
	cfg storeConfig
	db  *sql.DB
	mu  sync.Mutex
}

// OpenSQLiteStore はデータベースを開き、スキーマを作成します。
func OpenSQLiteStore(path string, opts ...StoreOption) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;", sqliteSchema} {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}
	if err := migrateAttemptColumn(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{cfg: newStoreConfig(opts), db: db}, nil
}

// Create はジョブを queued で作成し、保持上限を超えた古いジョブを削除します。
func (s *SQLiteStore) Create(ctx context.Context, in NewJob) (*Record, error) {
	record := s.cfg.newRecord(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO oc_jobs (`+sqliteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.ThreadID, record.Message, record.Model, string(record.Status),
		record.Result, record.Error, record.ArtifactPath, record.Attempt,
		record.CreatedAt.UnixNano(), record.UpdatedAt.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM oc_jobs WHERE id NOT IN (
		   SELECT id FROM oc_jobs ORDER BY updated_at DESC, rowid DESC LIMIT ?
		 )`, MaxRetainedJobs,
	); err != nil {
		return nil, fmt.Errorf("trim jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return record.clone(), nil
}

// Get はジョブ情報を取得します。
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM oc_jobs WHERE id = ?`, id)
	return scanRecord(row)
}

// Update は1トランザクション内で読み出し・書き換え・保存を行います。
func (s *SQLiteStore) Update(ctx context.Context, id string, mutate Mutator) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM oc_jobs WHERE id = ?`, id))
	if err != nil || current == nil {
		return nil, err
	}
	next, changed := s.cfg.applyMutator(current, mutate)
	if !changed {
		return next, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE oc_jobs SET thread_id = ?, message = ?, model = ?, status = ?, result = ?,
		   error_message = ?, artifact_path = ?, attempt = ?, updated_at = ? WHERE id = ?`,
		next.ThreadID, next.Message, next.Model, string(next.Status), next.Result,
		next.Error, next.ArtifactPath, next.Attempt, next.UpdatedAt.UnixNano(), id,
	); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

// List は updatedAt が新しい順にジョブを返します。
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 || limit > MaxRetainedJobs {
		limit = MaxRetainedJobs
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM oc_jobs ORDER BY updated_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Close はデータベースを閉じます。
func (s *SQLiteStore) Close() error { return s.db.Close() }

// migrateAttemptColumn は attempt 列がない古いテーブルに列を追加します。
func migrateAttemptColumn(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA table_info(oc_jobs)`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == "attempt" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = db.Exec(`ALTER TABLE oc_jobs ADD COLUMN attempt INTEGER NOT NULL DEFAULT 0`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r                  Record
		status             string
		createdNs, updated int64
	)
	err := row.Scan(&r.ID, &r.ThreadID, &r.Message, &r.Model, &status,
		&r.Result, &r.Error, &r.ArtifactPath, &r.Attempt, &createdNs, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if r.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(0, createdNs).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return &r, nil
}
