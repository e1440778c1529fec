package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/ffbatch/pkg/logging"
	"github.com/psantana5/ffbatch/pkg/models"
)

var (
	// ErrEmpty is returned by Dequeue when no pending task is ready
	ErrEmpty = errors.New("no ready task")
	// ErrTaskNotFound is returned for unknown task IDs
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateTask is returned when enqueueing an ID twice
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrNotEmpty is returned when restoring into a store that already holds tasks
	ErrNotEmpty = errors.New("task store not empty")
)

// Event describes one task transition
type Event struct {
	Task     models.VideoTask
	Previous models.TaskStatus // empty for newly enqueued tasks
	At       time.Time
}

// Observer receives task events synchronously, after the store lock is
// released. Observers must not block.
type Observer func(Event)

// TaskStore owns every task of a batch. It is the only place task state
// changes, and all methods are safe for concurrent use.
type TaskStore struct {
	mu      sync.Mutex
	tasks   map[string]*models.VideoTask
	pending pendingQueue
	seq     int64
	wake    chan struct{}

	enqueueMu sync.Mutex
	persister Persister

	obsMu     sync.RWMutex
	observers []Observer

	persistFailures int64
	anomalies       int64

	now    func() time.Time
	logger *logging.Logger
}

// New creates a task store. A nil persister keeps tasks in memory only.
func New(persister Persister, logger *logging.Logger) *TaskStore {
	if logger == nil {
		logger = logging.Nop()
	}
	return &TaskStore{
		tasks:     make(map[string]*models.VideoTask),
		wake:      make(chan struct{}),
		persister: persister,
		now:       time.Now,
		logger:    logger.WithComponent("task-store"),
	}
}

// SetClock overrides the time source
func (s *TaskStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Enqueue inserts tasks as pending. Tasks are persisted before they become
// visible to Dequeue. A task handed in as completed with a skipped result
// is inserted already completed.
func (s *TaskStore) Enqueue(ctx context.Context, tasks []models.VideoTask) error {
	if len(tasks) == 0 {
		return nil
	}
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	s.mu.Lock()
	now := s.now()
	seen := make(map[string]bool, len(tasks))
	prepared := make([]models.VideoTask, 0, len(tasks))
	seq := s.seq
	for _, t := range tasks {
		if t.TaskID == "" {
			s.mu.Unlock()
			return fmt.Errorf("task without id (source %s)", t.SourcePath)
		}
		if _, exists := s.tasks[t.TaskID]; exists || seen[t.TaskID] {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.TaskID)
		}
		seen[t.TaskID] = true

		seq++
		skipped := t.Status == models.TaskStatusCompleted && t.Result != nil && t.Result.Skipped
		t.Status = models.TaskStatusPending
		t.Sequence = seq
		t.AssignedCredential = ""
		t.StartedAt = nil
		t.CompletedAt = nil
		t.Version = 1
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if skipped {
			// output already present: the task enters the batch finished
			t.Transitions = append(t.Transitions, models.StateTransition{
				From:      models.TaskStatusPending,
				To:        models.TaskStatusCompleted,
				Timestamp: now,
				Reason:    "output already exists",
			})
			t.Status = models.TaskStatusCompleted
			t.CompletedAt = &now
		}
		prepared = append(prepared, t)
	}
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveTasks(ctx, prepared); err != nil {
			return fmt.Errorf("failed to persist tasks: %w", err)
		}
	}

	s.mu.Lock()
	s.seq = seq
	events := make([]Event, 0, len(prepared))
	for i := range prepared {
		t := prepared[i].Clone()
		s.tasks[t.TaskID] = &t
		if t.Status == models.TaskStatusPending {
			s.pending.push(&t)
		}
		events = append(events, Event{Task: t.Clone(), At: now})
	}
	s.signalLocked()
	s.mu.Unlock()

	s.logger.Info("Tasks enqueued", logging.Fields{"count": len(prepared)})
	s.emit(events)
	return nil
}

// Dequeue hands the highest-priority ready task to exactly one caller,
// moving it to running and binding it to credentialID.
func (s *TaskStore) Dequeue(credentialID string) (models.VideoTask, error) {
	s.mu.Lock()
	now := s.now()
	t := s.pending.popReady(now)
	if t == nil {
		s.mu.Unlock()
		return models.VideoTask{}, ErrEmpty
	}
	s.transitionLocked(t, models.TaskStatusRunning, now, "dequeued")
	t.StartedAt = &now
	t.CompletedAt = nil
	t.NotBefore = nil
	t.AssignedCredential = credentialID
	out := t.Clone()
	s.mu.Unlock()

	s.persist(out)
	s.emit([]Event{{Task: out, Previous: models.TaskStatusPending, At: now}})
	return out, nil
}

// MarkCompleted records a successful task. It returns false when the task
// was already terminal.
func (s *TaskStore) MarkCompleted(taskID string, result models.Result) (bool, error) {
	return s.finish(taskID, models.TaskStatusCompleted, func(t *models.VideoTask) {
		r := result
		r.Content = nil
		t.Result = &r
		t.LastError = nil
	}, "completed")
}

// MarkFailed records a permanent failure
func (s *TaskStore) MarkFailed(taskID string, taskErr *models.TaskError) (bool, error) {
	return s.finish(taskID, models.TaskStatusFailed, func(t *models.VideoTask) {
		if taskErr != nil {
			e := *taskErr
			t.LastError = &e
		}
	}, "failed")
}

// MarkCancelled cancels a pending or running task
func (s *TaskStore) MarkCancelled(taskID string) (bool, error) {
	return s.finish(taskID, models.TaskStatusCancelled, nil, "cancelled")
}

func (s *TaskStore) finish(taskID string, to models.TaskStatus, apply func(*models.VideoTask), reason string) (bool, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if models.IsTerminalTask(t.Status) {
		status := t.Status
		s.anomalies++
		s.mu.Unlock()
		s.logger.Warn("Ignoring transition of terminal task", logging.Fields{
			"task_id": taskID,
			"status":  status,
			"attempt": to,
		})
		return false, nil
	}
	if err := models.ValidateTaskTransition(t.Status, to); err != nil {
		s.mu.Unlock()
		return false, models.WrapTaskError(models.ErrorInternalState, fmt.Errorf("task %s: %w", taskID, err))
	}

	now := s.now()
	prev := t.Status
	if prev == models.TaskStatusPending {
		s.pending.remove(taskID)
	}
	s.transitionLocked(t, to, now, reason)
	t.CompletedAt = &now
	if apply != nil {
		apply(t)
	}
	out := t.Clone()
	s.mu.Unlock()

	s.persist(out)
	s.emit([]Event{{Task: out, Previous: prev, At: now}})
	return true, nil
}

// RequeueForRetry returns a running task to pending and counts the retry.
// The task becomes ready again at notBefore (zero means immediately).
func (s *TaskStore) RequeueForRetry(taskID string, priority int, notBefore time.Time) error {
	return s.backToPending(taskID, priority, notBefore, true, "retry")
}

// ReleaseToPending returns a running task to pending without counting a
// retry, used when the failure was the credential's and not the task's.
func (s *TaskStore) ReleaseToPending(taskID string, priority int) error {
	return s.backToPending(taskID, priority, time.Time{}, false, "released")
}

func (s *TaskStore) backToPending(taskID string, priority int, notBefore time.Time, countRetry bool, reason string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status != models.TaskStatusRunning {
		status := t.Status
		s.mu.Unlock()
		if models.IsTerminalTask(status) {
			s.logger.Warn("Ignoring requeue of terminal task", logging.Fields{"task_id": taskID, "status": status})
			return nil
		}
		return models.NewTaskError(models.ErrorInternalState, "requeue of %s task %s", status, taskID)
	}

	now := s.now()
	s.transitionLocked(t, models.TaskStatusPending, now, reason)
	if countRetry {
		t.RetryCount++
	}
	t.Priority = priority
	t.AssignedCredential = ""
	t.StartedAt = nil
	t.NotBefore = nil
	if !notBefore.IsZero() && notBefore.After(now) {
		nb := notBefore
		t.NotBefore = &nb
	}
	s.pending.push(t)
	s.signalLocked()
	out := t.Clone()
	s.mu.Unlock()

	s.persist(out)
	s.emit([]Event{{Task: out, Previous: models.TaskStatusRunning, At: now}})
	return nil
}

// RecordFailure stores the last error of a task that stays in flight
func (s *TaskStore) RecordFailure(taskID string, taskErr *models.TaskError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if taskErr != nil {
		e := *taskErr
		t.LastError = &e
	}
	if taskErr != nil && taskErr.Kind == models.ErrorResultWrite {
		t.WriteFailures++
	}
	t.Version++
	return nil
}

// CancelPending cancels every pending task and returns their IDs
func (s *TaskStore) CancelPending() []string {
	s.mu.Lock()
	now := s.now()
	drained := s.pending.drain()
	ids := make([]string, 0, len(drained))
	events := make([]Event, 0, len(drained))
	snapshot := make([]models.VideoTask, 0, len(drained))
	for _, t := range drained {
		s.transitionLocked(t, models.TaskStatusCancelled, now, "batch cancelled")
		t.CompletedAt = &now
		ids = append(ids, t.TaskID)
		out := t.Clone()
		snapshot = append(snapshot, out)
		events = append(events, Event{Task: out, Previous: models.TaskStatusPending, At: now})
	}
	s.mu.Unlock()

	if len(snapshot) > 0 {
		s.persistMany(snapshot)
		s.logger.Info("Pending tasks cancelled", logging.Fields{"count": len(ids)})
	}
	s.emit(events)
	return ids
}

// Snapshot returns a copy of every task taken at a single point in time,
// ordered by insertion.
func (s *TaskStore) Snapshot() []models.VideoTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *TaskStore) snapshotLocked() []models.VideoTask {
	out := make([]models.VideoTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Counts returns the per-status breakdown
func (s *TaskStore) Counts() models.TaskCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c models.TaskCounts
	for _, t := range s.tasks {
		c.Add(t.Status)
	}
	return c
}

// Len returns the number of tasks
func (s *TaskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Get returns a copy of one task
func (s *TaskStore) Get(taskID string) (models.VideoTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return models.VideoTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t.Clone(), nil
}

// NextReadyAt returns when the next pending task becomes dequeueable
func (s *TaskStore) NextReadyAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.nextReadyAt(s.now())
}

// Restore loads checkpointed tasks into an empty store. Tasks that were
// running when the checkpoint was taken go back to pending; terminal tasks
// stay terminal. When a persister holds a newer completed revision of a task
// that revision wins. It returns how many running tasks were reset.
func (s *TaskStore) Restore(ctx context.Context, tasks []models.VideoTask) (int, error) {
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	durable, err := s.loadDurable(ctx, tasks)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if len(s.tasks) > 0 {
		s.mu.Unlock()
		return 0, ErrNotEmpty
	}
	now := s.now()
	reset, adopted := 0, 0
	restored := make([]models.VideoTask, 0, len(tasks))
	seq := int64(0)
	for _, saved := range tasks {
		t := saved.Clone()
		d, persisted := durable[t.TaskID]
		if persisted && d.Version > t.Version && d.Status == models.TaskStatusCompleted && t.Status != models.TaskStatusCompleted {
			// finished after the checkpoint was taken
			t = d.Clone()
			adopted++
		}
		if t.Status == models.TaskStatusRunning {
			t.Transitions = append(t.Transitions, models.StateTransition{
				From:      models.TaskStatusRunning,
				To:        models.TaskStatusPending,
				Timestamp: now,
				Reason:    "restored from checkpoint",
			})
			t.Status = models.TaskStatusPending
			t.AssignedCredential = ""
			t.StartedAt = nil
			reset++
		}
		// rows written after the checkpoint would otherwise shadow every
		// revision until the in-memory version caught up
		if persisted && d.Version > t.Version {
			t.Version = d.Version
		}
		t.Version++
		if t.Sequence > seq {
			seq = t.Sequence
		}
		restored = append(restored, t)
	}
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveTasks(ctx, restored); err != nil {
			return 0, fmt.Errorf("failed to persist restored tasks: %w", err)
		}
	}

	s.mu.Lock()
	events := make([]Event, 0, len(restored))
	for i := range restored {
		t := restored[i]
		s.tasks[t.TaskID] = &t
		if t.Status == models.TaskStatusPending {
			s.pending.push(&t)
		}
		events = append(events, Event{Task: t.Clone(), At: now})
	}
	s.seq = seq
	s.signalLocked()
	s.mu.Unlock()

	s.logger.Info("Tasks restored", logging.Fields{"count": len(restored), "reset_running": reset, "adopted_completed": adopted})
	s.emit(events)
	return reset, nil
}

// loadDurable returns the persisted revisions of the restored batch keyed by
// task id
func (s *TaskStore) loadDurable(ctx context.Context, tasks []models.VideoTask) (map[string]models.VideoTask, error) {
	if s.persister == nil || len(tasks) == 0 {
		return nil, nil
	}
	rows, err := s.persister.LoadTasks(ctx, tasks[0].BatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted tasks: %w", err)
	}
	out := make(map[string]models.VideoTask, len(rows))
	for _, t := range rows {
		out[t.TaskID] = t
	}
	return out, nil
}

// Wait returns a channel closed the next time a task becomes pending
func (s *TaskStore) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

// Subscribe registers an observer for every future transition
func (s *TaskStore) Subscribe(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// Anomalies returns how many illegal terminal transitions were ignored
func (s *TaskStore) Anomalies() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anomalies
}

// PersistFailures returns how many durable writes failed
func (s *TaskStore) PersistFailures() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistFailures
}

// Close releases the persister
func (s *TaskStore) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

func (s *TaskStore) transitionLocked(t *models.VideoTask, to models.TaskStatus, now time.Time, reason string) {
	t.Transitions = append(t.Transitions, models.StateTransition{
		From:      t.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	t.Status = to
	t.Version++
}

func (s *TaskStore) signalLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *TaskStore) persist(t models.VideoTask) {
	s.persistMany([]models.VideoTask{t})
}

// persistMany writes task revisions through the persister. Writes are
// version guarded, so racing writers never regress a row.
func (s *TaskStore) persistMany(tasks []models.VideoTask) {
	if s.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.persister.SaveTasks(ctx, tasks); err != nil {
		s.mu.Lock()
		s.persistFailures++
		s.mu.Unlock()
		s.logger.Error("Failed to persist task state", logging.Fields{"error": err.Error(), "count": len(tasks)})
	}
}

func (s *TaskStore) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, ev := range events {
		for _, o := range observers {
			o(ev)
		}
	}
}
