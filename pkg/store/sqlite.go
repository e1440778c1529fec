package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLitePersister keeps task state in a local SQLite database
type SQLitePersister struct {
	sqlTasks
	path string
}

// NewSQLitePersister opens (or creates) the database at dbPath
func NewSQLitePersister(dbPath string) (*SQLitePersister, error) {
	// WAL for concurrent readers while workers write, immediate transactions
	// to take the write lock up front.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	p := &SQLitePersister{
		sqlTasks: sqlTasks{db: db, placeholder: func(int) string { return "?" }},
		path:     dbPath,
	}
	if err := p.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (p *SQLitePersister) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		batch_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		source_path TEXT NOT NULL,
		output_target TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		sequence INTEGER NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		write_failures INTEGER NOT NULL DEFAULT 0,
		assigned_credential TEXT,
		source_hash TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		not_before DATETIME,
		last_error TEXT,
		result TEXT,
		transitions TEXT,
		version INTEGER NOT NULL,
		PRIMARY KEY (batch_id, task_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_batch_status ON tasks(batch_id, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_batch_sequence ON tasks(batch_id, sequence);
	`
	_, err := p.db.Exec(schema)
	return err
}

// Path returns the database file
func (p *SQLitePersister) Path() string {
	return p.path
}
