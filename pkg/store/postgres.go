package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/psantana5/ffbatch/pkg/retry"
)

// PostgresPersister keeps task state in PostgreSQL, for batches whose
// progress is inspected from other hosts.
type PostgresPersister struct {
	sqlTasks
}

// NewPostgresPersister connects and ensures the schema exists
func NewPostgresPersister(config Config) (*PostgresPersister, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := retry.Do(ctx, retry.DefaultConfig(), func() error { return db.PingContext(ctx) }); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &PostgresPersister{
		sqlTasks: sqlTasks{db: db, placeholder: func(n int) string { return fmt.Sprintf("$%d", n) }},
	}
	if err := p.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (p *PostgresPersister) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		batch_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		source_path TEXT NOT NULL,
		output_target TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		sequence BIGINT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		write_failures INTEGER NOT NULL DEFAULT 0,
		assigned_credential TEXT,
		source_hash TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		not_before TIMESTAMPTZ,
		last_error JSONB,
		result JSONB,
		transitions JSONB,
		version BIGINT NOT NULL,
		PRIMARY KEY (batch_id, task_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_batch_status ON tasks(batch_id, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_batch_sequence ON tasks(batch_id, sequence);
	`
	_, err := p.db.Exec(schema)
	return err
}
