package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/ffbatch/pkg/logging"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/store"
)

// Config controls when checkpoints are taken and how many are kept
type Config struct {
	Dir              string
	EveryCompletions int           // save after this many terminal tasks, 0 disables
	Interval         time.Duration // save at least this often, 0 disables
	Keep             int           // newest checkpoints retained per batch, 0 keeps all
}

// DefaultConfig returns the checkpoint settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Dir:              "./checkpoints",
		EveryCompletions: 10,
		Interval:         60 * time.Second,
		Keep:             5,
	}
}

// TaskSource yields a consistent copy of every task
type TaskSource interface {
	Snapshot() []models.VideoTask
}

// CredentialSource yields a copy of every credential
type CredentialSource interface {
	Snapshot() []models.Credential
}

// Manager writes checkpoints of one batch
type Manager struct {
	cfg     Config
	batchID string
	tasks   TaskSource
	creds   CredentialSource
	gate    *Gate
	state   func() models.BatchState

	saveMu   sync.Mutex
	last     models.CheckpointInfo
	lastAt   time.Time
	saves    int64
	failures int64

	completions atomic.Int64
	trigger     chan struct{}
	onSave      func(models.CheckpointInfo)

	now    func() time.Time
	logger *logging.Logger
}

// NewManager creates a checkpoint manager. state is called while the gate is
// held exclusively and must not block on anything a worker holds.
func NewManager(cfg Config, batchID string, tasks TaskSource, creds CredentialSource, gate *Gate, state func() models.BatchState, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	if gate == nil {
		gate = &Gate{}
	}
	return &Manager{
		cfg:     cfg,
		batchID: batchID,
		tasks:   tasks,
		creds:   creds,
		gate:    gate,
		state:   state,
		trigger: make(chan struct{}, 1),
		now:     time.Now,
		logger:  logger.WithComponent("checkpoint").WithField("batch_id", batchID),
	}
}

// SetClock overrides the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	m.now = now
}

// OnSave installs a hook called after every successful save
func (m *Manager) OnSave(fn func(models.CheckpointInfo)) {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	m.onSave = fn
}

// Gate returns the consistency gate workers must apply outcomes under
func (m *Manager) Gate() *Gate {
	return m.gate
}

// OnTaskEvent counts terminal tasks and requests a save once enough have
// accumulated. It never writes itself: it runs on the worker's stack, which
// may still be inside Gate.Apply.
func (m *Manager) OnTaskEvent(ev store.Event) {
	if ev.Previous == "" || (ev.Task.Status != models.TaskStatusCompleted && ev.Task.Status != models.TaskStatusFailed) {
		return
	}
	n := m.completions.Add(1)
	if m.cfg.EveryCompletions > 0 && n >= int64(m.cfg.EveryCompletions) {
		select {
		case m.trigger <- struct{}{}:
		default:
		}
	}
}

// Save captures the batch and writes it as a new checkpoint
func (m *Manager) Save(reason models.CheckpointReason) (models.CheckpointInfo, error) {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	var (
		tasks []models.VideoTask
		creds []models.Credential
		state models.BatchState
	)
	m.gate.Capture(func() {
		tasks = m.tasks.Snapshot()
		creds = m.creds.Snapshot()
		if m.state != nil {
			state = m.state()
		}
	})

	// counts come from the captured tasks so the record agrees with itself
	state.BatchID = m.batchID
	state.TotalTasks = len(tasks)
	state.TaskCounts = models.TaskCounts{}
	for _, t := range tasks {
		state.TaskCounts.Add(t.Status)
	}

	now := m.now()
	rec := &models.CheckpointRecord{
		Version:      models.CheckpointVersion,
		CheckpointID: uuid.NewString(),
		BatchID:      m.batchID,
		Timestamp:    now,
		Reason:       reason,
		BatchState:   state,
		Tasks:        tasks,
		Credentials:  creds,
	}

	path, err := writeRecord(m.cfg.Dir, rec)
	if err != nil {
		m.failures++
		m.logger.Error("Failed to write checkpoint", logging.Fields{"reason": string(reason), "error": err.Error()})
		return models.CheckpointInfo{}, fmt.Errorf("save checkpoint: %w", err)
	}
	m.completions.Store(0)
	m.saves++

	info := rec.Info(path)
	m.last = info
	m.lastAt = now

	if removed, err := Prune(m.cfg.Dir, m.batchID, m.cfg.Keep); err != nil {
		m.logger.Warn("Failed to prune old checkpoints", logging.Fields{"error": err.Error()})
	} else if len(removed) > 0 {
		m.logger.Debug("Pruned old checkpoints", logging.Fields{"removed": len(removed)})
	}

	if m.onSave != nil {
		m.onSave(info)
	}

	m.logger.Info("Checkpoint saved", logging.Fields{
		"checkpoint_id": rec.CheckpointID,
		"reason":        string(reason),
		"completed":     state.Completed,
		"total":         state.TotalTasks,
	})
	return info, nil
}

// Last returns the most recent checkpoint written by this manager
func (m *Manager) Last() (models.CheckpointInfo, bool) {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	return m.last, m.saves > 0
}

// Stats returns how many saves succeeded and failed
func (m *Manager) Stats() (saves, failures int64) {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	return m.saves, m.failures
}

// Run saves on the interval and completion triggers until ctx is done
func (m *Manager) Run(ctx context.Context) {
	var tick <-chan time.Time
	if m.cfg.Interval > 0 {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			m.saveMu.Lock()
			due := m.saves == 0 || m.now().Sub(m.lastAt) >= m.cfg.Interval
			m.saveMu.Unlock()
			if due {
				m.Save(models.CheckpointInterval)
			}
		case <-m.trigger:
			if m.completions.Load() > 0 {
				m.Save(models.CheckpointCompletions)
			}
		}
	}
}
