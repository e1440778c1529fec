package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/psantana5/ffbatch/internal/cgroups"
	"github.com/psantana5/ffbatch/pkg/credentials"
	"github.com/psantana5/ffbatch/pkg/logging"
	"github.com/psantana5/ffbatch/pkg/models"
)

// Exit codes an analysis command may use to report a classified failure.
// They follow sysexits(3) where a matching code exists.
const (
	ExitUnsupportedInput  = 65 // EX_DATAERR
	ExitSourceMissing     = 66 // EX_NOINPUT
	ExitQuotaExhausted    = 69 // EX_UNAVAILABLE
	ExitNetwork           = 75 // EX_TEMPFAIL
	ExitCredentialInvalid = 77 // EX_NOPERM
)

// DefaultSecretEnv carries the credential secret to the command
const DefaultSecretEnv = "FFBATCH_API_KEY"

// Config describes the analysis command
type Config struct {
	Command string
	// Args may contain {source}, {output}, {task} and {batch} placeholders.
	Args      []string
	SecretEnv string
	Env       []string
	// MaxOutputBytes bounds the report read from stdout, 0 means unlimited.
	MaxOutputBytes int
	// KillGrace is how long the process group gets after cancellation
	KillGrace time.Duration
	// Limits caps each analysis process through cgroup v2 when available
	Limits     cgroups.Limits
	CgroupRoot string
}

// CommandExecutor runs one external process per task attempt and takes its
// stdout as the report
type CommandExecutor struct {
	cfg     Config
	cgroups *cgroups.Manager
	logger  *logging.Logger
}

// NewCommandExecutor creates an executor for cfg
func NewCommandExecutor(cfg Config, logger *logging.Logger) (*CommandExecutor, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("executor command is required")
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("executor command %q: %w", cfg.Command, err)
	}
	if cfg.SecretEnv == "" {
		cfg.SecretEnv = DefaultSecretEnv
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &CommandExecutor{
		cfg:     cfg,
		cgroups: cgroups.New(cfg.CgroupRoot, logger),
		logger:  logger.WithComponent("executor"),
	}, nil
}

// Execute runs the command for task with the lease's secret in its environment
func (e *CommandExecutor) Execute(ctx context.Context, task models.VideoTask, lease credentials.Lease) (models.Result, error) {
	start := time.Now()
	args := expandArgs(e.cfg.Args, task)

	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	// Own process group so a timeout kills helpers spawned by the command too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = e.cfg.KillGrace
	cmd.Env = append(append(os.Environ(), e.cfg.Env...),
		e.cfg.SecretEnv+"="+lease.Secret,
		"FFBATCH_TASK_ID="+task.TaskID,
		"FFBATCH_BATCH_ID="+task.BatchID,
	)

	var stdout, stderr bytes.Buffer
	report := &limitedWriter{w: &stdout, n: e.cfg.MaxOutputBytes}
	cmd.Stdout = report
	cmd.Stderr = &stderr

	e.logger.Debug("Starting analysis", logging.Fields{
		"task_id":    task.TaskID,
		"credential": lease.ID,
		"command":    e.cfg.Command,
	})

	err := cmd.Start()
	if err == nil {
		release := e.cgroups.Apply(task.BatchID+"-"+task.TaskID, cmd.Process.Pid, e.cfg.Limits)
		err = cmd.Wait()
		release()
	}
	elapsed := time.Since(start)
	if err != nil {
		return models.Result{}, e.classify(ctx, task, err, stderr.String())
	}

	if report.truncated {
		return models.Result{}, models.NewTaskError(models.ErrorUnsupportedInput,
			"report exceeds limit of %d bytes", e.cfg.MaxOutputBytes)
	}
	if stdout.Len() == 0 {
		return models.Result{}, models.NewTaskError(models.ErrorUnknown, "command produced no output")
	}

	return models.Result{
		OutputPath:     task.OutputTarget,
		Bytes:          int64(stdout.Len()),
		ProcessingTime: elapsed,
		Content:        stdout.Bytes(),
	}, nil
}

func (e *CommandExecutor) classify(ctx context.Context, task models.VideoTask, err error, stderr string) error {
	msg := lastLine(stderr)
	if msg == "" {
		msg = err.Error()
	}

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.WrapTaskError(models.ErrorProcessingTimeout, fmt.Errorf("%s: %w", msg, ctx.Err()))
		}
		return ctx.Err()
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// the command was checked at construction, so a start failure here
		// is environmental (fork limits, binary being replaced) and retried
		e.logger.Warn("Analysis command failed to start", logging.Fields{
			"task_id": task.TaskID,
			"error":   err.Error(),
		})
		return models.WrapTaskError(models.ErrorUnknown, fmt.Errorf("start analysis command: %w", err))
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		e.logger.Warn("Analysis killed by signal", logging.Fields{
			"task_id": task.TaskID,
			"signal":  status.Signal().String(),
		})
		return models.NewTaskError(models.ErrorNetwork, "killed by %s: %s", status.Signal(), msg)
	}

	if kind, ok := kindForExit(exitErr.ExitCode()); ok {
		return models.NewTaskError(kind, "%s", msg)
	}
	return models.NewTaskError(models.ClassifyMessage(msg), "exit status %d: %s", exitErr.ExitCode(), msg)
}

// limitedWriter keeps at most n bytes (0 means unlimited) and drops the
// rest, so a runaway command cannot grow the buffer without bound
type limitedWriter struct {
	w         io.Writer
	n         int
	written   int
	truncated bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return l.w.Write(p)
	}
	room := l.n - l.written
	if len(p) > room {
		l.truncated = true
		if room > 0 {
			l.w.Write(p[:room])
			l.written += room
		}
		// report the full length so the command is not sent EPIPE
		return len(p), nil
	}
	n, err := l.w.Write(p)
	l.written += n
	return n, err
}

func kindForExit(code int) (models.ErrorKind, bool) {
	switch code {
	case ExitUnsupportedInput, ExitSourceMissing:
		return models.ErrorUnsupportedInput, true
	case ExitQuotaExhausted:
		return models.ErrorQuotaExhausted, true
	case ExitNetwork:
		return models.ErrorNetwork, true
	case ExitCredentialInvalid:
		return models.ErrorCredentialInvalid, true
	}
	return "", false
}

func expandArgs(args []string, task models.VideoTask) []string {
	r := strings.NewReplacer(
		"{source}", task.SourcePath,
		"{output}", task.OutputTarget,
		"{task}", task.TaskID,
		"{batch}", task.BatchID,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
