package store

import (
	"context"
	"fmt"
	"time"

	"github.com/psantana5/ffbatch/pkg/models"
)

// Persister is the durable backing of a task store.
// Both SQLite and PostgreSQL implement this interface.
type Persister interface {
	// SaveTasks upserts task revisions. A row is only replaced by a
	// revision with a higher version.
	SaveTasks(ctx context.Context, tasks []models.VideoTask) error
	// LoadTasks returns every task of a batch ordered by sequence
	LoadTasks(ctx context.Context, batchID string) ([]models.VideoTask, error)
	// CountByStatus returns the per-status breakdown of a batch
	CountByStatus(ctx context.Context, batchID string) (models.TaskCounts, error)
	Close() error
}

// Config holds store configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

// NewPersister creates a persister based on configuration. The memory type
// returns a nil persister.
func NewPersister(config Config) (Persister, error) {
	switch config.Type {
	case "", "memory":
		return nil, nil
	case "sqlite":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			return nil, fmt.Errorf("sqlite store requires a path")
		}
		return NewSQLitePersister(path)
	case "postgres", "postgresql":
		return NewPostgresPersister(config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
