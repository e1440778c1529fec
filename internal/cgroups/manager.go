// Package cgroups puts analysis processes into a cgroup v2 group with CPU
// and memory ceilings. Everything here is best effort: a limit that cannot
// be applied is logged and the process runs unconstrained.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/psantana5/ffbatch/pkg/logging"
)

// DefaultRoot is the cgroup v2 mount point
const DefaultRoot = "/sys/fs/cgroup"

// Limits is what may be written to a group
type Limits struct {
	CPUMax    string // "quota period" or "max"
	MemoryMax int64  // bytes, 0 = no limit
}

// Empty reports whether no limit is set
func (l Limits) Empty() bool {
	return l.CPUMax == "" && l.MemoryMax <= 0
}

// Validate rejects values the kernel would refuse
func (l Limits) Validate() error {
	if l.MemoryMax < 0 {
		return fmt.Errorf("invalid memory limit: %d", l.MemoryMax)
	}
	if l.CPUMax == "" || l.CPUMax == "max" {
		return nil
	}
	fields := strings.Fields(l.CPUMax)
	if len(fields) < 1 || len(fields) > 2 {
		return fmt.Errorf("invalid cpu max %q: want \"quota [period]\"", l.CPUMax)
	}
	for _, f := range fields {
		if f == "max" {
			continue
		}
		if n, err := strconv.ParseInt(f, 10, 64); err != nil || n <= 0 {
			return fmt.Errorf("invalid cpu max %q: want \"quota [period]\"", l.CPUMax)
		}
	}
	return nil
}

// Manager creates, joins and deletes groups under parent
type Manager struct {
	root   string
	parent string
	logger *logging.Logger
}

// New creates a manager rooted at root (DefaultRoot when empty). Groups live
// under root/ffbatch.
func New(root string, logger *logging.Logger) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		root:   root,
		parent: filepath.Join(root, "ffbatch"),
		logger: logger.WithComponent("cgroups"),
	}
}

// Supported reports whether root is a cgroup v2 hierarchy
func (m *Manager) Supported() bool {
	_, err := os.Stat(filepath.Join(m.root, "cgroup.controllers"))
	return err == nil
}

// Apply moves pid into a fresh group carrying limits. The returned release
// removes the group once the process has exited; it is never nil.
func (m *Manager) Apply(name string, pid int, limits Limits) (release func()) {
	release = func() {}
	if limits.Empty() {
		return release
	}
	if !m.Supported() {
		m.logger.Debug("cgroup v2 not available, running without limits")
		return release
	}

	path, err := m.create(name)
	if err != nil {
		m.logger.Warn("Failed to create cgroup", logging.Fields{"group": name, "error": err.Error()})
		return release
	}
	release = func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("Failed to remove cgroup", logging.Fields{"path": path, "error": err.Error()})
		}
	}

	if err := write(path, limits); err != nil {
		m.logger.Warn("Failed to write cgroup limits", logging.Fields{"group": name, "error": err.Error()})
	}
	if err := os.WriteFile(filepath.Join(path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		m.logger.Warn("Failed to move process into cgroup", logging.Fields{"group": name, "pid": pid, "error": err.Error()})
	}
	return release
}

func (m *Manager) create(name string) (string, error) {
	if name == "" {
		name = fmt.Sprintf("unnamed-%d", os.Getpid())
	}
	path := filepath.Join(m.parent, sanitize(name))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func write(path string, limits Limits) error {
	var errs []error
	if limits.CPUMax != "" {
		if err := os.WriteFile(filepath.Join(path, "cpu.max"), []byte(limits.CPUMax), 0o644); err != nil {
			errs = append(errs, err)
		}
	}
	if limits.MemoryMax > 0 {
		if err := os.WriteFile(filepath.Join(path, "memory.max"), []byte(strconv.FormatInt(limits.MemoryMax, 10)), 0o644); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}
