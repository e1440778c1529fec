package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/ffbatch/pkg/credentials"
	"github.com/psantana5/ffbatch/pkg/logging"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/retry"
	"github.com/psantana5/ffbatch/pkg/tracing"
)

// Executor performs one attempt of a task under one credential. It must
// not retry on its own; every retry decision belongs to the pool.
type Executor interface {
	Execute(ctx context.Context, task models.VideoTask, lease credentials.Lease) (models.Result, error)
}

// Sink persists the result of a successful attempt
type Sink interface {
	Store(ctx context.Context, task models.VideoTask, result models.Result) error
}

// TaskQueue is the part of the task store the pool drives
type TaskQueue interface {
	Dequeue(credentialID string) (models.VideoTask, error)
	MarkCompleted(taskID string, result models.Result) (bool, error)
	MarkFailed(taskID string, taskErr *models.TaskError) (bool, error)
	RequeueForRetry(taskID string, priority int, notBefore time.Time) error
	ReleaseToPending(taskID string, priority int) error
	RecordFailure(taskID string, taskErr *models.TaskError) error
	NextReadyAt() (time.Time, bool)
	Wait() <-chan struct{}
}

// CredentialPool is the part of the credential registry the pool drives
type CredentialPool interface {
	Available() []models.Credential
	Claim(id, owner string) (credentials.Lease, error)
	Release(id, owner string)
	IsEligible(id string) bool
	Get(id string) (models.Credential, error)
	ReportOutcome(id string, outcome models.Outcome) (models.Credential, error)
	Suspend(id string, d time.Duration) (models.Credential, error)
	Refresh() int
	EligibleCount() int
	Changed() <-chan struct{}
}

// Applier runs an outcome as one indivisible step with respect to
// checkpoints. checkpoint.Gate implements it.
type Applier interface {
	Apply(fn func())
}

type directApplier struct{}

func (directApplier) Apply(fn func()) { fn() }

// Config holds pool configuration
type Config struct {
	MaxWorkers      int
	TaskTimeout     time.Duration // per attempt, 0 disables
	IdleBackoffMin  time.Duration
	IdleBackoffMax  time.Duration
	ResizeDebounce  time.Duration
	RefreshInterval time.Duration // how often cooldowns are re-examined
	IsolateFor      time.Duration // cooldown applied to a credential a worker isolates
	Limits          retry.Limits
	Policy          retry.Policy
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxWorkers:      4,
		TaskTimeout:     10 * time.Minute,
		IdleBackoffMin:  50 * time.Millisecond,
		IdleBackoffMax:  2 * time.Second,
		ResizeDebounce:  250 * time.Millisecond,
		RefreshInterval: time.Second,
		IsolateFor:      time.Minute,
		Limits:          retry.DefaultLimits(),
		Policy:          retry.DefaultPolicy(),
	}
}

// Options carries optional collaborators
type Options struct {
	Sink    Sink
	Applier Applier
	Budget  *retry.Budget
	Tracer  *tracing.Provider
	Logger  *logging.Logger
	// OnResize is called with the new worker count after every change
	OnResize func(workers int)
}

// WorkerStatus describes one live worker
type WorkerStatus struct {
	ID           string `json:"id"`
	CredentialID string `json:"credential_id"`
	Busy         bool   `json:"busy"`
	TaskID       string `json:"task_id,omitempty"`
	Processed    int64  `json:"processed"`
}

// Stats summarises pool activity
type Stats struct {
	Workers  int   `json:"workers"`
	Busy     int   `json:"busy"`
	Dequeues int64 `json:"dequeues"`
	Attempts int64 `json:"attempts"`
	Isolated int64 `json:"isolated"`
	Spawned  int64 `json:"spawned"`
	Paused   bool  `json:"paused"`
	Eligible int   `json:"eligible"`
}

// Pool runs one worker per eligible credential, capped at MaxWorkers
type Pool struct {
	cfg      Config
	tasks    TaskQueue
	creds    CredentialPool
	exec     Executor
	sink     Sink
	applier  Applier
	budget   *retry.Budget
	tracer   *tracing.Provider
	onResize func(int)
	logger   *logging.Logger

	mu       sync.Mutex
	workers  map[string]*worker // by credential ID
	nextID   int
	started  bool
	stopped  bool
	stopCh   chan struct{}
	kick     chan struct{}
	wg       sync.WaitGroup
	loopDone chan struct{}

	// pauseMu is held shared across the pause check and the dequeue, so
	// once Pause returns no worker can start a new task
	pauseMu  sync.RWMutex
	paused   bool
	resumeCh chan struct{}

	fatal    chan error
	dequeues atomic.Int64
	attempts atomic.Int64
	isolated atomic.Int64
	spawned  atomic.Int64

	now func() time.Time
}

// NewPool creates a pool. Nothing runs until Start.
func NewPool(cfg Config, tasks TaskQueue, creds CredentialPool, exec Executor, opts Options) *Pool {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.IdleBackoffMin <= 0 {
		cfg.IdleBackoffMin = def.IdleBackoffMin
	}
	if cfg.IdleBackoffMax < cfg.IdleBackoffMin {
		cfg.IdleBackoffMax = cfg.IdleBackoffMin
	}
	if cfg.ResizeDebounce <= 0 {
		cfg.ResizeDebounce = def.ResizeDebounce
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	applier := opts.Applier
	if applier == nil {
		applier = directApplier{}
	}
	return &Pool{
		cfg:      cfg,
		tasks:    tasks,
		creds:    creds,
		exec:     exec,
		sink:     opts.Sink,
		applier:  applier,
		budget:   opts.Budget,
		tracer:   opts.Tracer,
		onResize: opts.OnResize,
		logger:   logger.WithComponent("worker-pool"),
		workers:  make(map[string]*worker),
		stopCh:   make(chan struct{}),
		kick:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
		fatal:    make(chan error, 1),
		now:      time.Now,
	}
}

// Start sizes the pool and begins the reconcile loop
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool already started")
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info("Starting worker pool", logging.Fields{
		"max_workers":  p.cfg.MaxWorkers,
		"task_timeout": p.cfg.TaskTimeout.String(),
	})
	p.reconcile()
	go p.reconcileLoop()
	return nil
}

// Stop asks every worker to exit after its current task and waits for
// them, or for ctx to expire
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stopCh)
	}
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		<-p.loopDone
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool stop timed out", logging.Fields{"busy": p.Stats().Busy})
		return ctx.Err()
	}
}

// Pause stops workers from taking new tasks. Tasks in flight finish.
func (p *Pool) Pause() {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.resumeCh = make(chan struct{})
	p.logger.Info("Worker pool paused")
}

// Resume lets workers take tasks again
func (p *Pool) Resume() {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	close(p.resumeCh)
	p.logger.Info("Worker pool resumed")
}

// Paused reports whether the pause gate is closed
func (p *Pool) Paused() bool {
	p.pauseMu.RLock()
	defer p.pauseMu.RUnlock()
	return p.paused
}

// Fatal delivers the first internal state error seen by any worker
func (p *Pool) Fatal() <-chan error {
	return p.fatal
}

// Size returns the number of live workers
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Workers lists the live workers ordered by ID
func (p *Pool) Workers() []WorkerStatus {
	p.mu.Lock()
	out := make([]WorkerStatus, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.status())
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns activity counters
func (p *Pool) Stats() Stats {
	workers := p.Workers()
	busy := 0
	for _, w := range workers {
		if w.Busy {
			busy++
		}
	}
	return Stats{
		Workers:  len(workers),
		Busy:     busy,
		Dequeues: p.dequeues.Load(),
		Attempts: p.attempts.Load(),
		Isolated: p.isolated.Load(),
		Spawned:  p.spawned.Load(),
		Paused:   p.Paused(),
		Eligible: p.creds.EligibleCount(),
	}
}

// Reconcile requests an immediate resize
func (p *Pool) Reconcile() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// reconcileLoop resizes on registry changes, debounced, and on a refresh
// tick so expiring cooldowns bring workers back without outside help
func (p *Pool) reconcileLoop() {
	defer close(p.loopDone)

	refresh := time.NewTicker(p.cfg.RefreshInterval)
	defer refresh.Stop()

	var debounce <-chan time.Time
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.creds.Changed():
			if debounce == nil {
				debounce = time.After(p.cfg.ResizeDebounce)
			}
		case <-p.kick:
			if debounce == nil {
				debounce = time.After(p.cfg.ResizeDebounce)
			}
		case <-debounce:
			debounce = nil
			p.reconcile()
		case <-refresh.C:
			p.reconcile()
		}
	}
}

// reconcile binds idle eligible credentials to new workers until
// workers = clamp(eligible, 1, MaxWorkers). With no eligible credential
// there is nothing to bind and the pool stays empty.
func (p *Pool) reconcile() {
	// registry calls that notify observers stay outside p.mu
	p.creds.Refresh()
	target := clamp(p.creds.EligibleCount(), 1, p.cfg.MaxWorkers)
	available := p.creds.Available()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}

	active := 0
	for id := range p.workers {
		if p.creds.IsEligible(id) {
			active++
		}
	}

	changed := false
	if active < target {
		for _, c := range available {
			if active >= target {
				break
			}
			if _, busy := p.workers[c.ID]; busy {
				continue
			}
			p.nextID++
			owner := fmt.Sprintf("worker-%d", p.nextID)
			lease, err := p.creds.Claim(c.ID, owner)
			if err != nil {
				continue
			}
			w := newWorker(owner, lease)
			p.workers[c.ID] = w
			p.wg.Add(1)
			p.spawned.Add(1)
			active++
			changed = true
			p.logger.Info("Worker started", logging.Fields{"worker": owner, "credential": c.ID})
			go p.run(w)
		}
	}
	size := len(p.workers)
	p.mu.Unlock()

	if changed && p.onResize != nil {
		p.onResize(size)
	}
}

// retire removes a worker and frees its credential
func (p *Pool) retire(w *worker, reason string) {
	p.creds.Release(w.lease.ID, w.id)

	p.mu.Lock()
	if cur, ok := p.workers[w.lease.ID]; ok && cur == w {
		delete(p.workers, w.lease.ID)
	}
	size := len(p.workers)
	p.mu.Unlock()

	p.logger.Info("Worker exited", logging.Fields{
		"worker":     w.id,
		"credential": w.lease.ID,
		"reason":     reason,
		"processed":  w.processed.Load(),
	})
	if p.onResize != nil {
		p.onResize(size)
	}
	p.Reconcile()
	p.wg.Done()
}

func (p *Pool) raiseFatal(err error) {
	select {
	case p.fatal <- err:
	default:
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
