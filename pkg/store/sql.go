package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/ffbatch/pkg/models"
)

var taskColumns = []string{
	"batch_id", "task_id", "source_path", "output_target", "priority", "sequence",
	"status", "retry_count", "write_failures", "assigned_credential", "source_hash",
	"created_at", "started_at", "completed_at", "not_before",
	"last_error", "result", "transitions", "version",
}

// sqlTasks holds the SQL shared by the SQLite and PostgreSQL persisters
type sqlTasks struct {
	db          *sql.DB
	placeholder func(n int) string
}

func (s *sqlTasks) upsertQuery() string {
	marks := make([]string, len(taskColumns))
	for i := range taskColumns {
		marks[i] = s.placeholder(i + 1)
	}
	updates := make([]string, 0, len(taskColumns))
	for _, c := range taskColumns[2:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return fmt.Sprintf(`
		INSERT INTO tasks (%s) VALUES (%s)
		ON CONFLICT (batch_id, task_id) DO UPDATE SET %s
		WHERE excluded.version > tasks.version`,
		strings.Join(taskColumns, ", "), strings.Join(marks, ", "), strings.Join(updates, ", "))
}

func (s *sqlTasks) SaveTasks(ctx context.Context, tasks []models.VideoTask) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.upsertQuery())
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range tasks {
		args, err := taskArgs(&tasks[i])
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to upsert task %s: %w", tasks[i].TaskID, err)
		}
	}
	return tx.Commit()
}

func (s *sqlTasks) LoadTasks(ctx context.Context, batchID string) ([]models.VideoTask, error) {
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE batch_id = %s ORDER BY sequence",
		strings.Join(taskColumns, ", "), s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.VideoTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *sqlTasks) CountByStatus(ctx context.Context, batchID string) (models.TaskCounts, error) {
	var counts models.TaskCounts
	query := fmt.Sprintf("SELECT status, COUNT(*) FROM tasks WHERE batch_id = %s GROUP BY status", s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return counts, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		for i := 0; i < n; i++ {
			counts.Add(models.TaskStatus(status))
		}
	}
	return counts, rows.Err()
}

func (s *sqlTasks) Close() error {
	return s.db.Close()
}

func taskArgs(t *models.VideoTask) ([]interface{}, error) {
	lastErr, err := marshalNullable(t.LastError)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal last_error: %w", err)
	}
	result, err := marshalNullable(t.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	transitions, err := json.Marshal(t.Transitions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transitions: %w", err)
	}

	return []interface{}{
		t.BatchID, t.TaskID, t.SourcePath, t.OutputTarget, t.Priority, t.Sequence,
		string(t.Status), t.RetryCount, t.WriteFailures, t.AssignedCredential, t.SourceHash,
		t.CreatedAt.UTC(), nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.NotBefore),
		lastErr, result, string(transitions), t.Version,
	}, nil
}

func scanTask(rows *sql.Rows) (models.VideoTask, error) {
	var t models.VideoTask
	var status string
	var assigned, sourceHash, lastErr, result, transitions sql.NullString
	var startedAt, completedAt, notBefore sql.NullTime

	err := rows.Scan(&t.BatchID, &t.TaskID, &t.SourcePath, &t.OutputTarget, &t.Priority, &t.Sequence,
		&status, &t.RetryCount, &t.WriteFailures, &assigned, &sourceHash,
		&t.CreatedAt, &startedAt, &completedAt, &notBefore,
		&lastErr, &result, &transitions, &t.Version)
	if err != nil {
		return t, fmt.Errorf("failed to scan task: %w", err)
	}

	t.Status = models.TaskStatus(status)
	t.AssignedCredential = assigned.String
	t.SourceHash = sourceHash.String
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	t.NotBefore = timePtr(notBefore)

	if lastErr.Valid && lastErr.String != "" {
		t.LastError = &models.TaskError{}
		if err := json.Unmarshal([]byte(lastErr.String), t.LastError); err != nil {
			return t, fmt.Errorf("failed to unmarshal last_error of %s: %w", t.TaskID, err)
		}
	}
	if result.Valid && result.String != "" {
		t.Result = &models.Result{}
		if err := json.Unmarshal([]byte(result.String), t.Result); err != nil {
			return t, fmt.Errorf("failed to unmarshal result of %s: %w", t.TaskID, err)
		}
	}
	if transitions.Valid && transitions.String != "" && transitions.String != "null" {
		if err := json.Unmarshal([]byte(transitions.String), &t.Transitions); err != nil {
			return t, fmt.Errorf("failed to unmarshal transitions of %s: %w", t.TaskID, err)
		}
	}
	return t, nil
}

func marshalNullable(v interface{}) (sql.NullString, error) {
	switch x := v.(type) {
	case *models.TaskError:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *models.Result:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
