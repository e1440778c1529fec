package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/psantana5/ffbatch/pkg/credentials"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/store"
)

// CountSource reports the authoritative per-status task counts
type CountSource interface {
	Counts() models.TaskCounts
}

// Config bounds the rolling completion window
type Config struct {
	WindowSize int           // most recent completions kept
	Horizon    time.Duration // completions older than this do not count toward throughput
}

// DefaultConfig returns the window used when nothing is configured
func DefaultConfig() Config {
	return Config{WindowSize: 50, Horizon: 5 * time.Minute}
}

// CredentialStatus is the per-credential line of a snapshot
type CredentialStatus struct {
	ID            string                  `json:"id"`
	Label         string                  `json:"label,omitempty"`
	Status        models.CredentialStatus `json:"status"`
	Used          int                     `json:"used"`
	Remaining     int                     `json:"remaining"`
	Failures      int                     `json:"consecutive_failures"`
	SuccessRate   float64                 `json:"success_rate"`
	CooldownUntil *time.Time              `json:"cooldown_until,omitempty"`
}

// Snapshot is a point-in-time view of batch progress
type Snapshot struct {
	TotalTasks          int                      `json:"total_tasks"`
	Completed           int                      `json:"completed"`
	Failed              int                      `json:"failed"`
	Cancelled           int                      `json:"cancelled"`
	Running             int                      `json:"running"`
	Pending             int                      `json:"pending"`
	Retries             int                      `json:"retries"`
	ThroughputPerMinute float64                  `json:"throughput_per_minute"`
	ETA                 time.Duration            `json:"eta"`
	ETAKnown            bool                     `json:"eta_known"`
	Elapsed             time.Duration            `json:"elapsed"`
	FailuresByKind      map[models.ErrorKind]int `json:"failures_by_kind,omitempty"`
	PerCredential       []CredentialStatus       `json:"per_credential"`
}

// PercentComplete returns the share of tasks in a terminal state
func (s Snapshot) PercentComplete() float64 {
	if s.TotalTasks == 0 {
		return 0
	}
	done := s.Completed + s.Failed + s.Cancelled
	return float64(done) / float64(s.TotalTasks) * 100
}

type sample struct {
	at       time.Time
	duration time.Duration
}

// Monitor aggregates task and credential events into progress statistics.
// Its observers do constant work under a private lock and never call back
// into the store or registry.
type Monitor struct {
	cfg    Config
	counts CountSource

	mu          sync.RWMutex
	window      []sample
	retries     int
	failures    map[models.ErrorKind]int
	creds       map[string]CredentialStatus
	order       map[string]int
	started     time.Time
	parallelism func() int
	now         func() time.Time
}

// NewMonitor creates a monitor reading counts from counts
func NewMonitor(cfg Config, counts CountSource) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultConfig().Horizon
	}
	return &Monitor{
		cfg:      cfg,
		counts:   counts,
		failures: make(map[models.ErrorKind]int),
		creds:    make(map[string]CredentialStatus),
		order:    make(map[string]int),
		started:  time.Now(),
		now:      time.Now,
	}
}

// SetClock overrides the time source and restarts the elapsed timer
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.started = now()
}

// SetParallelism installs the function reporting how many workers run
func (m *Monitor) SetParallelism(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parallelism = fn
}

// SeedCredentials records the initial state of every credential
func (m *Monitor) SeedCredentials(creds []models.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range creds {
		m.setCredentialLocked(c)
	}
}

// OnTaskEvent is a store.Observer
func (m *Monitor) OnTaskEvent(ev store.Event) {
	if ev.Previous == "" {
		// seeded or restored, not work done in this run
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case ev.Task.Status == models.TaskStatusCompleted:
		m.window = append(m.window, sample{at: ev.At, duration: ev.Task.ProcessingTime()})
		if len(m.window) > m.cfg.WindowSize {
			m.window = m.window[len(m.window)-m.cfg.WindowSize:]
		}
	case ev.Task.Status == models.TaskStatusFailed:
		kind := models.ErrorUnknown
		if ev.Task.LastError != nil {
			kind = ev.Task.LastError.Kind
		}
		m.failures[kind]++
	case ev.Previous == models.TaskStatusRunning && ev.Task.Status == models.TaskStatusPending:
		m.retries++
	}
}

// OnCredentialEvent is a credentials.Observer
func (m *Monitor) OnCredentialEvent(ev credentials.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCredentialLocked(ev.Credential)
}

func (m *Monitor) setCredentialLocked(c models.Credential) {
	if _, ok := m.order[c.ID]; !ok {
		m.order[c.ID] = c.Order
	}
	var until *time.Time
	if c.CooldownUntil != nil {
		v := *c.CooldownUntil
		until = &v
	}
	m.creds[c.ID] = CredentialStatus{
		ID:            c.ID,
		Label:         c.Label,
		Status:        c.Status,
		Used:          c.RequestsUsed,
		Remaining:     c.EstimatedRemaining,
		Failures:      c.ConsecutiveFailures,
		SuccessRate:   c.SuccessRate(),
		CooldownUntil: until,
	}
}

// Snapshot computes the current statistics
func (m *Monitor) Snapshot() Snapshot {
	var counts models.TaskCounts
	if m.counts != nil {
		counts = m.counts.Counts()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	snap := Snapshot{
		TotalTasks: counts.Total(),
		Completed:  counts.Completed,
		Failed:     counts.Failed,
		Cancelled:  counts.Cancelled,
		Running:    counts.Running,
		Pending:    counts.Pending,
		Retries:    m.retries,
		Elapsed:    now.Sub(m.started),
	}

	snap.ThroughputPerMinute = m.throughputLocked(now)
	if mean, ok := m.meanDurationLocked(); ok {
		workers := 1
		if m.parallelism != nil {
			if p := m.parallelism(); p > 0 {
				workers = p
			}
		}
		remaining := counts.Remaining()
		snap.ETA = time.Duration(int64(mean) * int64(remaining) / int64(workers))
		snap.ETAKnown = true
	}

	if len(m.failures) > 0 {
		snap.FailuresByKind = make(map[models.ErrorKind]int, len(m.failures))
		for k, v := range m.failures {
			snap.FailuresByKind[k] = v
		}
	}

	snap.PerCredential = make([]CredentialStatus, 0, len(m.creds))
	for _, c := range m.creds {
		snap.PerCredential = append(snap.PerCredential, c)
	}
	sort.Slice(snap.PerCredential, func(i, j int) bool {
		return m.order[snap.PerCredential[i].ID] < m.order[snap.PerCredential[j].ID]
	})
	return snap
}

// throughputLocked counts window completions inside the horizon. Early in a
// batch the rate is taken over the elapsed time instead.
func (m *Monitor) throughputLocked(now time.Time) float64 {
	span := m.cfg.Horizon
	if elapsed := now.Sub(m.started); elapsed < span {
		span = elapsed
	}
	if span <= 0 {
		return 0
	}
	cutoff := now.Add(-span)
	n := 0
	for _, s := range m.window {
		if !s.at.Before(cutoff) {
			n++
		}
	}
	return float64(n) / span.Minutes()
}

func (m *Monitor) meanDurationLocked() (time.Duration, bool) {
	if len(m.window) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, s := range m.window {
		total += s.duration
	}
	return total / time.Duration(len(m.window)), true
}
