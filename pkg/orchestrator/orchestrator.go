package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/ffbatch/pkg/checkpoint"
	"github.com/psantana5/ffbatch/pkg/credentials"
	"github.com/psantana5/ffbatch/pkg/fsutil"
	"github.com/psantana5/ffbatch/pkg/logging"
	"github.com/psantana5/ffbatch/pkg/metrics"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/progress"
	"github.com/psantana5/ffbatch/pkg/retry"
	"github.com/psantana5/ffbatch/pkg/scheduler"
	"github.com/psantana5/ffbatch/pkg/store"
	"github.com/psantana5/ffbatch/pkg/tracing"
)

var (
	ErrAlreadyStarted = errors.New("batch already started")
	ErrNotStarted     = errors.New("batch not started")
	ErrNoCredentials  = errors.New("no usable credentials")
	ErrNoTasks        = errors.New("batch has no tasks")
	ErrBatchFinished  = errors.New("batch already finished")
	ErrInvalidState   = errors.New("invalid batch state")
)

// StallReasonNoCredential is reported while every credential is ineligible
const StallReasonNoCredential = "no available credential"

// Config holds orchestrator configuration
type Config struct {
	// MaxWorkers overrides Pool.MaxWorkers when positive
	MaxWorkers int
	// FailureThreshold is the failed share of all tasks at or above which
	// the batch ends failed instead of completed. 0 disables.
	FailureThreshold float64
	// SkipExisting completes tasks whose output already exists at seed time
	SkipExisting bool
	// HashSources records each source's digest so later attempts can detect
	// a changed input
	HashSources bool

	StallCheckInterval time.Duration
	StopTimeout        time.Duration

	Pool        scheduler.Config
	Checkpoint  checkpoint.Config
	Credentials credentials.Config
	Progress    progress.Config
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   1.0,
		StallCheckInterval: time.Second,
		StopTimeout:        30 * time.Second,
		Pool:               scheduler.DefaultConfig(),
		Checkpoint:         checkpoint.DefaultConfig(),
		Credentials:        credentials.DefaultConfig(),
		Progress:           progress.DefaultConfig(),
	}
}

// OutputChecker reports whether a task's result is already stored
type OutputChecker interface {
	Exists(task models.VideoTask) bool
}

// Options carries optional collaborators
type Options struct {
	// Sink receives results. When it also implements OutputChecker it is
	// used for SkipExisting.
	Sink      scheduler.Sink
	Persister store.Persister
	Budget    *retry.Budget
	Tracer    *tracing.Provider
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
}

// Status is the batch control surface's view of a batch
type Status struct {
	Batch          models.BatchState        `json:"batch"`
	Progress       progress.Snapshot        `json:"progress"`
	Workers        []scheduler.WorkerStatus `json:"workers"`
	Pool           scheduler.Stats          `json:"pool"`
	NextEligibleAt *time.Time               `json:"next_eligible_at,omitempty"`
	LastCheckpoint *models.CheckpointInfo   `json:"last_checkpoint,omitempty"`
	Health         Health                   `json:"health"`
}

// Health counts conditions that do not stop a batch but deserve a look
type Health struct {
	IgnoredTransitions int64 `json:"ignored_transitions"`
	PersistFailures    int64 `json:"persist_failures"`
	Checkpoints        int64 `json:"checkpoints"`
	CheckpointFailures int64 `json:"checkpoint_failures"`
}

// Orchestrator drives one batch from seeding to a terminal state
type Orchestrator struct {
	cfg    Config
	exec   scheduler.Executor
	opts   Options
	logger *logging.Logger

	mu          sync.Mutex
	state       models.BatchState
	started     bool
	terminating bool

	store       *store.TaskStore
	registry    *credentials.Registry
	checkpoints *checkpoint.Manager
	monitor     *progress.Monitor
	pool        *scheduler.Pool

	workers   atomic.Int64
	events    chan struct{}
	stopRun   context.CancelFunc
	loops     sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	now func() time.Time
}

// New creates an orchestrator around exec. Nothing runs until Start or Restore.
func New(cfg Config, exec scheduler.Executor, opts Options) *Orchestrator {
	def := DefaultConfig()
	if cfg.StallCheckInterval <= 0 {
		cfg.StallCheckInterval = def.StallCheckInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.MaxWorkers > 0 {
		cfg.Pool.MaxWorkers = cfg.MaxWorkers
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Orchestrator{
		cfg:    cfg,
		exec:   exec,
		opts:   opts,
		logger: opts.Logger.WithComponent("orchestrator"),
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start seeds a new batch from specs and runs it with one worker per usable
// secret. It returns the batch ID once the batch is running.
func (o *Orchestrator) Start(ctx context.Context, specs []models.TaskSpec, secrets []string) (string, error) {
	if len(specs) == 0 {
		return "", ErrNoTasks
	}
	if err := o.claimStart(); err != nil {
		return "", err
	}

	now := o.now()
	batchID := models.NewBatchID(now)
	log := o.logger.WithField("batch_id", batchID)

	registry, err := o.newRegistry(secrets)
	if err != nil {
		return "", err
	}

	tasks := o.buildTasks(batchID, specs, now)
	ts := store.New(o.opts.Persister, o.opts.Logger)
	if err := ts.Enqueue(ctx, tasks); err != nil {
		return "", fmt.Errorf("seed task store: %w", err)
	}

	o.mu.Lock()
	o.state = models.BatchState{
		BatchID:    batchID,
		Status:     models.BatchInitializing,
		TotalTasks: len(tasks),
		StartedAt:  now,
	}
	o.mu.Unlock()

	log.Info("Batch seeded", logging.Fields{
		"tasks":       len(tasks),
		"credentials": registry.Len(),
	})
	return batchID, o.launch(ts, registry)
}

// Restore resumes a batch from a checkpoint. Completed tasks are never run
// again; tasks running at checkpoint time start over.
func (o *Orchestrator) Restore(ctx context.Context, batchID, checkpointID string, secrets []string) error {
	rec, err := checkpoint.Load(o.cfg.Checkpoint.Dir, batchID, checkpointID, o.opts.Logger)
	if err != nil {
		return err
	}
	if models.IsTerminalBatch(rec.BatchState.Status) {
		return fmt.Errorf("%w: %s is %s", ErrBatchFinished, batchID, rec.BatchState.Status)
	}
	if err := o.claimStart(); err != nil {
		return err
	}

	registry, err := o.newRegistry(secrets)
	if err != nil {
		return err
	}
	matched := registry.Restore(rec.Credentials)

	ts := store.New(o.opts.Persister, o.opts.Logger)
	reset, err := ts.Restore(ctx, rec.Tasks)
	if err != nil {
		return fmt.Errorf("restore task store: %w", err)
	}

	state := rec.BatchState
	state.Status = models.BatchInitializing
	state.CompletedAt = nil
	state.Stalled = false
	state.StallReason = ""
	state.FatalError = ""
	if state.StartedAt.IsZero() {
		state.StartedAt = o.now()
	}
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()

	o.logger.Info("Batch restored", logging.Fields{
		"batch_id":            batchID,
		"checkpoint_id":       rec.CheckpointID,
		"tasks":               len(rec.Tasks),
		"reset_running":       reset,
		"credentials_matched": matched,
	})
	return o.launch(ts, registry)
}

func (o *Orchestrator) claimStart() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return ErrAlreadyStarted
	}
	o.started = true
	return nil
}

func (o *Orchestrator) newRegistry(secrets []string) (*credentials.Registry, error) {
	registry := credentials.NewRegistry(o.cfg.Credentials, o.opts.Logger)
	for i, secret := range secrets {
		if _, err := registry.Register(secret, fmt.Sprintf("key-%d", i+1)); err != nil {
			o.logger.Warn("Skipping credential", logging.Fields{"index": i + 1, "error": err.Error()})
		}
	}
	if registry.Len() == 0 {
		return nil, ErrNoCredentials
	}
	return registry, nil
}

func (o *Orchestrator) buildTasks(batchID string, specs []models.TaskSpec, now time.Time) []models.VideoTask {
	checker, _ := o.opts.Sink.(OutputChecker)
	tasks := make([]models.VideoTask, 0, len(specs))
	skipped := 0
	for i, spec := range specs {
		t := models.VideoTask{
			TaskID:       spec.TaskID,
			BatchID:      batchID,
			SourcePath:   spec.SourcePath,
			OutputTarget: spec.OutputTarget,
			Priority:     spec.Priority,
			CreatedAt:    now,
		}
		if t.TaskID == "" {
			t.TaskID = fmt.Sprintf("task-%04d", i+1)
		}
		if o.cfg.HashSources {
			if sum, err := fsutil.HashFile(t.SourcePath); err == nil {
				t.SourceHash = sum
			} else {
				o.logger.Warn("Cannot hash source", logging.Fields{"task_id": t.TaskID, "error": err.Error()})
			}
		}
		if o.cfg.SkipExisting && checker != nil && checker.Exists(t) {
			t.Status = models.TaskStatusCompleted
			t.Result = &models.Result{OutputPath: t.OutputTarget, Skipped: true}
			skipped++
		}
		tasks = append(tasks, t)
	}
	if skipped > 0 {
		o.logger.Info("Skipping tasks with existing output", logging.Fields{"skipped": skipped})
	}
	return tasks
}

// launch wires the components around a seeded store and starts the pool
func (o *Orchestrator) launch(ts *store.TaskStore, registry *credentials.Registry) error {
	o.mu.Lock()
	batchID := o.state.BatchID
	o.mu.Unlock()

	monitor := progress.NewMonitor(o.cfg.Progress, ts)
	monitor.SetParallelism(func() int { return int(o.workers.Load()) })
	monitor.SeedCredentials(registry.Snapshot())

	manager := checkpoint.NewManager(o.cfg.Checkpoint, batchID, ts, registry, nil, o.batchState, o.opts.Logger)

	ts.Subscribe(monitor.OnTaskEvent)
	ts.Subscribe(manager.OnTaskEvent)
	ts.Subscribe(o.onTaskEvent)
	registry.Subscribe(monitor.OnCredentialEvent)
	registry.Subscribe(o.onCredentialEvent)

	if m := o.opts.Metrics; m != nil {
		ts.Subscribe(m.OnTaskEvent)
		registry.Subscribe(m.OnCredentialEvent)
		for _, c := range registry.Snapshot() {
			m.SetCredential(c)
		}
		manager.OnSave(func(info models.CheckpointInfo) { m.CheckpointSaved(info.Reason) })
		if err := m.WatchProgress(monitor.Snapshot); err != nil {
			o.logger.Warn("Progress gauges not registered", logging.Fields{"error": err.Error()})
		}
	}

	pool := scheduler.NewPool(o.cfg.Pool, ts, registry, o.exec, scheduler.Options{
		Sink:     o.opts.Sink,
		Applier:  manager.Gate(),
		Budget:   o.opts.Budget,
		Tracer:   o.opts.Tracer,
		Logger:   o.opts.Logger,
		OnResize: o.onResize,
	})

	o.mu.Lock()
	o.store = ts
	o.registry = registry
	o.checkpoints = manager
	o.monitor = monitor
	o.pool = pool
	o.mu.Unlock()

	if counts := ts.Counts(); counts.Remaining() == 0 {
		// nothing left to run, e.g. every output already exists
		o.terminate(o.outcome(counts), "", models.CheckpointFinal)
		return nil
	}

	if err := o.transition(models.BatchRunning); err != nil {
		return err
	}
	if err := pool.Start(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.stopRun = cancel
	o.mu.Unlock()

	o.loops.Add(2)
	go func() {
		defer o.loops.Done()
		manager.Run(runCtx)
	}()
	go func() {
		defer o.loops.Done()
		o.supervise(runCtx)
	}()

	o.logger.Info("Batch running", logging.Fields{
		"batch_id":    batchID,
		"max_workers": o.cfg.Pool.MaxWorkers,
		"eligible":    registry.EligibleCount(),
	})
	o.signal()
	return nil
}

// Pause stops new dequeues and writes a checkpoint. Tasks in flight finish.
func (o *Orchestrator) Pause() error {
	if err := o.transition(models.BatchPaused); err != nil {
		return err
	}
	o.pool.Pause()
	if _, err := o.checkpoints.Save(models.CheckpointPause); err != nil {
		return err
	}
	o.logger.Info("Batch paused")
	return nil
}

// Resume lets workers take tasks again
func (o *Orchestrator) Resume() error {
	if err := o.transition(models.BatchRunning); err != nil {
		return err
	}
	o.pool.Resume()
	o.logger.Info("Batch resumed")
	// completion is only evaluated while running
	o.signal()
	return nil
}

// Cancel cancels every pending task, lets in-flight tasks finish, writes a
// final checkpoint and ends the batch cancelled
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	if !o.started || o.pool == nil {
		o.mu.Unlock()
		return ErrNotStarted
	}
	if o.terminating || models.IsTerminalBatch(o.state.Status) {
		o.mu.Unlock()
		return ErrBatchFinished
	}
	if err := models.ValidateBatchTransition(o.state.Status, models.BatchCancelled); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	o.terminating = true
	o.mu.Unlock()

	// close the pause gate first so no idle worker picks up a task that a
	// finishing worker puts back
	o.pool.Pause()
	cancelled := o.store.CancelPending()
	o.logger.Info("Cancelling batch", logging.Fields{"cancelled_pending": len(cancelled)})
	o.finalize(models.BatchCancelled, "", models.CheckpointCancel)
	return nil
}

// Checkpoint writes a checkpoint on demand
func (o *Orchestrator) Checkpoint() (models.CheckpointInfo, error) {
	o.mu.Lock()
	manager := o.checkpoints
	o.mu.Unlock()
	if manager == nil {
		return models.CheckpointInfo{}, ErrNotStarted
	}
	return manager.Save(models.CheckpointManual)
}

// Status returns the batch state and a progress snapshot
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	if o.store == nil {
		defer o.mu.Unlock()
		return Status{Batch: o.state}
	}
	monitor, pool, registry, manager, ts := o.monitor, o.pool, o.registry, o.checkpoints, o.store
	o.mu.Unlock()

	st := Status{
		Batch:    o.batchState(),
		Progress: monitor.Snapshot(),
		Workers:  pool.Workers(),
		Pool:     pool.Stats(),
		Health: Health{
			IgnoredTransitions: ts.Anomalies(),
			PersistFailures:    ts.PersistFailures(),
		},
	}
	st.Health.Checkpoints, st.Health.CheckpointFailures = manager.Stats()
	if next, ok := registry.NextEligibleAt(); ok {
		st.NextEligibleAt = &next
	}
	if info, ok := manager.Last(); ok {
		st.LastCheckpoint = &info
	}
	return st
}

// BatchID returns the ID of the running batch
func (o *Orchestrator) BatchID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.BatchID
}

// Credentials returns the registry's view of every credential
func (o *Orchestrator) Credentials() []models.Credential {
	o.mu.Lock()
	registry := o.registry
	o.mu.Unlock()
	if registry == nil {
		return nil
	}
	return registry.Snapshot()
}

// Done is closed once the batch reaches a terminal state
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the batch is terminal or ctx is done
func (o *Orchestrator) Wait(ctx context.Context) (models.BatchState, error) {
	select {
	case <-o.done:
		o.loops.Wait()
		return o.batchState(), nil
	case <-ctx.Done():
		return o.batchState(), ctx.Err()
	}
}

// batchState is also the checkpoint state source. It runs while the
// checkpoint gate is held exclusively, so it only takes locks workers never
// hold across Gate.Apply.
func (o *Orchestrator) batchState() models.BatchState {
	o.mu.Lock()
	st := o.state
	ts := o.store
	o.mu.Unlock()

	st.WorkerCount = int(o.workers.Load())
	if ts != nil {
		st.TaskCounts = ts.Counts()
		st.TotalTasks = st.TaskCounts.Total()
	}
	return st
}

func (o *Orchestrator) transition(to models.BatchStatus) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pool == nil {
		return ErrNotStarted
	}
	if o.terminating {
		return ErrBatchFinished
	}
	if err := models.ValidateBatchTransition(o.state.Status, to); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	o.state.Status = to
	return nil
}

func (o *Orchestrator) onTaskEvent(store.Event) {
	o.signal()
}

func (o *Orchestrator) onCredentialEvent(ev credentials.Event) {
	if ev.EligibilityChanged() {
		o.signal()
	}
}

func (o *Orchestrator) onResize(n int) {
	o.workers.Store(int64(n))
	if o.opts.Metrics != nil {
		o.opts.Metrics.SetWorkers(n)
	}
}

func (o *Orchestrator) signal() {
	select {
	case o.events <- struct{}{}:
	default:
	}
}

// supervise reacts to task and credential events: it tracks the stalled
// condition, detects completion and fails the batch on internal errors
func (o *Orchestrator) supervise(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-o.pool.Fatal():
			o.fail(err)
			return
		case <-o.events:
		case <-ticker.C:
		}
		// a fatal error outranks completion
		select {
		case err := <-o.pool.Fatal():
			o.fail(err)
			return
		default:
		}
		if o.evaluate() {
			return
		}
	}
}

// evaluate returns true once the batch has been finished
func (o *Orchestrator) evaluate() bool {
	counts := o.store.Counts()
	_, err := o.registry.Select()
	noCredential := errors.Is(err, credentials.ErrNoneAvailable)
	next, hasNext := o.registry.NextEligibleAt()
	o.setStalled(noCredential && counts.Remaining() > 0, next, hasNext)

	if counts.Total() == 0 || counts.Remaining() > 0 {
		return false
	}

	o.mu.Lock()
	if o.terminating || o.state.Status != models.BatchRunning {
		o.mu.Unlock()
		return false
	}
	o.terminating = true
	o.mu.Unlock()

	o.finalize(o.outcome(counts), "", models.CheckpointFinal)
	return true
}

// outcome picks the terminal status of a batch with no work left
func (o *Orchestrator) outcome(counts models.TaskCounts) models.BatchStatus {
	total := counts.Total()
	if total > 0 && o.cfg.FailureThreshold > 0 && float64(counts.Failed)/float64(total) >= o.cfg.FailureThreshold {
		return models.BatchFailed
	}
	return models.BatchCompleted
}

func (o *Orchestrator) setStalled(stalled bool, next time.Time, hasNext bool) {
	o.mu.Lock()
	if models.IsTerminalBatch(o.state.Status) || o.state.Stalled == stalled {
		o.mu.Unlock()
		return
	}
	o.state.Stalled = stalled
	if stalled {
		o.state.StallReason = StallReasonNoCredential
	} else {
		o.state.StallReason = ""
	}
	o.mu.Unlock()

	if o.opts.Metrics != nil {
		o.opts.Metrics.SetStalled(stalled)
	}
	if stalled {
		fields := logging.Fields{"reason": StallReasonNoCredential}
		if hasNext {
			fields["next_eligible_at"] = next.Format(time.RFC3339)
		}
		o.logger.Warn("Batch stalled", fields)
		return
	}
	o.logger.Info("Batch no longer stalled")
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	if o.terminating {
		o.mu.Unlock()
		return
	}
	o.terminating = true
	o.mu.Unlock()

	o.logger.Error("Batch failed on internal error", logging.Fields{"error": err.Error()})
	o.finalize(models.BatchFailed, err.Error(), models.CheckpointFinal)
}

// terminate ends a batch that never started its pool
func (o *Orchestrator) terminate(to models.BatchStatus, fatal string, reason models.CheckpointReason) {
	o.mu.Lock()
	o.terminating = true
	o.mu.Unlock()
	o.finalize(to, fatal, reason)
}

// finalize stops the pool, moves the batch to a terminal state and writes
// the last checkpoint. The caller must have set terminating.
func (o *Orchestrator) finalize(to models.BatchStatus, fatal string, reason models.CheckpointReason) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StopTimeout)
	if err := o.pool.Stop(ctx); err != nil {
		o.logger.Warn("Workers still busy at shutdown", logging.Fields{"error": err.Error()})
	}
	cancel()

	if to == models.BatchCancelled {
		// tasks requeued by workers that were finishing up
		o.store.CancelPending()
	}

	o.mu.Lock()
	if err := models.ValidateBatchTransition(o.state.Status, to); err != nil {
		o.logger.Error("Unexpected batch transition", logging.Fields{"error": err.Error()})
	}
	now := o.now()
	o.state.Status = to
	o.state.CompletedAt = &now
	o.state.Stalled = false
	o.state.StallReason = ""
	o.state.FatalError = fatal
	startedAt := o.state.StartedAt
	stopRun := o.stopRun
	o.mu.Unlock()

	if stopRun != nil {
		stopRun()
	}
	if _, err := o.checkpoints.Save(reason); err != nil {
		o.logger.Error("Final checkpoint failed", logging.Fields{"error": err.Error()})
	}
	if err := o.store.Close(); err != nil {
		o.logger.Warn("Failed to close task persister", logging.Fields{"error": err.Error()})
	}

	counts := o.store.Counts()
	o.logger.Info("Batch finished", logging.Fields{
		"status":    string(to),
		"completed": counts.Completed,
		"failed":    counts.Failed,
		"cancelled": counts.Cancelled,
		"elapsed":   now.Sub(startedAt).Round(time.Second).String(),
	})
	o.closeOnce.Do(func() { close(o.done) })
}
