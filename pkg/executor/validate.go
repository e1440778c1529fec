package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/psantana5/ffbatch/pkg/credentials"
	"github.com/psantana5/ffbatch/pkg/fsutil"
	"github.com/psantana5/ffbatch/pkg/models"
)

// SupportedExtensions are the video containers accepted by default
var SupportedExtensions = []string{".mp4", ".mov", ".avi", ".mkv", ".webm", ".m4v"}

// Executor runs one attempt of a task
type Executor interface {
	Execute(ctx context.Context, task models.VideoTask, lease credentials.Lease) (models.Result, error)
}

// ValidatingExecutor rejects inputs that can never succeed before a request
// is spent on them
type ValidatingExecutor struct {
	next       Executor
	extensions map[string]bool
	maxBytes   int64
}

// NewValidatingExecutor wraps next. A maxBytes of 0 disables the size check.
func NewValidatingExecutor(next Executor, extensions []string, maxBytes int64) *ValidatingExecutor {
	if len(extensions) == 0 {
		extensions = SupportedExtensions
	}
	set := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		set[normalizeExt(ext)] = true
	}
	return &ValidatingExecutor{next: next, extensions: set, maxBytes: maxBytes}
}

// Supported reports whether path has an accepted extension
func (v *ValidatingExecutor) Supported(path string) bool {
	return v.extensions[normalizeExt(filepath.Ext(path))]
}

// Execute validates the source then delegates
func (v *ValidatingExecutor) Execute(ctx context.Context, task models.VideoTask, lease credentials.Lease) (models.Result, error) {
	if err := v.Validate(task); err != nil {
		return models.Result{}, err
	}
	return v.next.Execute(ctx, task, lease)
}

// Validate checks the task's source file
func (v *ValidatingExecutor) Validate(task models.VideoTask) error {
	if !v.Supported(task.SourcePath) {
		return models.NewTaskError(models.ErrorUnsupportedInput, "unsupported format %q", filepath.Ext(task.SourcePath))
	}

	info, err := os.Stat(task.SourcePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.NewTaskError(models.ErrorUnsupportedInput, "file not found: %s", task.SourcePath)
		}
		return models.WrapTaskError(models.ErrorUnknown, err)
	}
	if !info.Mode().IsRegular() {
		return models.NewTaskError(models.ErrorUnsupportedInput, "not a regular file: %s", task.SourcePath)
	}
	if info.Size() == 0 {
		return models.NewTaskError(models.ErrorUnsupportedInput, "file is empty: %s", task.SourcePath)
	}
	if v.maxBytes > 0 && info.Size() > v.maxBytes {
		return models.NewTaskError(models.ErrorUnsupportedInput, "file too large: %d bytes", info.Size())
	}

	if task.SourceHash != "" {
		sum, err := fsutil.HashFile(task.SourcePath)
		if err != nil {
			return models.WrapTaskError(models.ErrorUnknown, err)
		}
		if sum != task.SourceHash {
			return models.NewTaskError(models.ErrorUnsupportedInput, "source changed since the batch was seeded: %s", task.SourcePath)
		}
	}
	return nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
