package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/ffbatch/pkg/fsutil"
	"github.com/psantana5/ffbatch/pkg/logging"
	"github.com/psantana5/ffbatch/pkg/models"
)

// ErrNoOutputTarget is returned for a task without an output path
var ErrNoOutputTarget = errors.New("task has no output target")

// Config controls how results are written
type Config struct {
	// Backup renames an existing file aside instead of overwriting it
	Backup bool
	// FileMode of written results
	FileMode os.FileMode
}

// FileSink writes each result's content to the task's output target
type FileSink struct {
	cfg    Config
	now    func() time.Time
	logger *logging.Logger
}

// NewFileSink creates a file sink
func NewFileSink(cfg Config, logger *logging.Logger) *FileSink {
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &FileSink{cfg: cfg, now: time.Now, logger: logger.WithComponent("result-sink")}
}

// Store writes the result atomically. A crash mid-write leaves either the
// previous file or nothing, never a truncated report.
func (s *FileSink) Store(ctx context.Context, task models.VideoTask, result models.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := task.OutputTarget
	if result.OutputPath != "" {
		path = result.OutputPath
	}
	if path == "" {
		return fmt.Errorf("%w: %s", ErrNoOutputTarget, task.TaskID)
	}

	if err := checkFrontMatter(result.Content); err != nil {
		s.logger.Warn("Result front matter is malformed", logging.Fields{"task_id": task.TaskID, "error": err.Error()})
	}

	if s.cfg.Backup && fsutil.NonEmptyFile(path) {
		backup := fmt.Sprintf("%s.bak-%s", path, s.now().Format("20060102-150405"))
		if err := os.Rename(path, backup); err != nil {
			return fmt.Errorf("backup %s: %w", path, err)
		}
		s.logger.Info("Existing result backed up", logging.Fields{"path": path, "backup": backup})
	}

	if err := fsutil.WriteFileAtomic(path, result.Content, s.cfg.FileMode); err != nil {
		return fmt.Errorf("write result of %s: %w", task.TaskID, err)
	}
	s.logger.Debug("Result written", logging.Fields{"task_id": task.TaskID, "path": path, "bytes": len(result.Content)})
	return nil
}

// Exists reports whether the task's output is already on disk
func (s *FileSink) Exists(task models.VideoTask) bool {
	return task.OutputTarget != "" && fsutil.NonEmptyFile(task.OutputTarget)
}

// checkFrontMatter parses a leading YAML block delimited by --- lines
func checkFrontMatter(content []byte) error {
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return nil
	}
	rest := content[4:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return errors.New("front matter is not closed")
	}
	var meta map[string]interface{}
	if err := yaml.Unmarshal(rest[:end], &meta); err != nil {
		return fmt.Errorf("front matter: %w", err)
	}
	return nil
}

// OutputPath derives the report path of a source inside dir
func OutputPath(dir, source, ext string) string {
	base := filepath.Base(source)
	stem := base[:len(base)-len(filepath.Ext(base))]
	return filepath.Join(dir, stem+ext)
}
