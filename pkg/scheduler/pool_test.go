package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffbatch/pkg/credentials"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/retry"
	"github.com/psantana5/ffbatch/pkg/store"
)

// scriptedExecutor records concurrency per credential and delegates the
// outcome of each call to script
type scriptedExecutor struct {
	mu          sync.Mutex
	calls       map[string]int
	inflight    map[string]int
	maxInflight map[string]int
	delay       time.Duration
	started     chan string
	release     chan struct{}
	script      func(task models.VideoTask, credID string, call int) error
}

func newScriptedExecutor(script func(models.VideoTask, string, int) error) *scriptedExecutor {
	return &scriptedExecutor{
		calls:       make(map[string]int),
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
		script:      script,
	}
}

func (e *scriptedExecutor) Execute(ctx context.Context, task models.VideoTask, lease credentials.Lease) (models.Result, error) {
	e.mu.Lock()
	e.calls[lease.ID]++
	call := e.calls[lease.ID]
	e.inflight[lease.ID]++
	if e.inflight[lease.ID] > e.maxInflight[lease.ID] {
		e.maxInflight[lease.ID] = e.inflight[lease.ID]
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inflight[lease.ID]--
		e.mu.Unlock()
	}()

	if e.started != nil {
		e.started <- task.TaskID
	}
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return models.Result{}, ctx.Err()
		}
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return models.Result{}, ctx.Err()
		}
	}

	var err error
	if e.script != nil {
		err = e.script(task, lease.ID, call)
	}
	if err != nil {
		return models.Result{}, err
	}
	return models.Result{OutputPath: task.OutputTarget, Content: []byte("report " + task.TaskID)}, nil
}

func (e *scriptedExecutor) callsFor(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

type recordingSink struct {
	mu     sync.Mutex
	stored map[string]int
	fail   func(taskID string, n int) error
}

func (s *recordingSink) Store(_ context.Context, task models.VideoTask, _ models.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stored == nil {
		s.stored = make(map[string]int)
	}
	if s.fail != nil {
		if err := s.fail(task.TaskID, s.stored[task.TaskID+"#attempt"]); err != nil {
			s.stored[task.TaskID+"#attempt"]++
			return err
		}
	}
	s.stored[task.TaskID]++
	return nil
}

type harness struct {
	store    *store.TaskStore
	registry *credentials.Registry
	ids      []string
	exec     *scriptedExecutor
	sink     *recordingSink
	pool     *Pool
}

func testConfig() Config {
	return Config{
		MaxWorkers:      4,
		TaskTimeout:     2 * time.Second,
		IdleBackoffMin:  5 * time.Millisecond,
		IdleBackoffMax:  20 * time.Millisecond,
		ResizeDebounce:  5 * time.Millisecond,
		RefreshInterval: 10 * time.Millisecond,
		IsolateFor:      time.Hour,
		Limits:          retry.DefaultLimits(),
	}
}

func newHarness(t *testing.T, cfg Config, credCfg credentials.Config, keys int, tasks int, exec *scriptedExecutor) *harness {
	t.Helper()
	h := &harness{
		store:    store.New(nil, nil),
		registry: credentials.NewRegistry(credCfg, nil),
		exec:     exec,
		sink:     &recordingSink{},
	}
	for i := 0; i < keys; i++ {
		c, err := h.registry.Register(fmt.Sprintf("key-%c%c%c%c%c%c%c%c%c%c", 'a'+i, 'a'+i, 'a'+i, 'a'+i, 'a'+i, 'a'+i, 'a'+i, 'a'+i, 'a'+i, 'a'+i), "")
		require.NoError(t, err)
		h.ids = append(h.ids, c.ID)
	}
	in := make([]models.VideoTask, 0, tasks)
	for i := 0; i < tasks; i++ {
		in = append(in, models.VideoTask{
			TaskID:       fmt.Sprintf("task-%02d", i),
			BatchID:      "batch-test",
			SourcePath:   fmt.Sprintf("/videos/%02d.mp4", i),
			OutputTarget: fmt.Sprintf("/reports/%02d.md", i),
		})
	}
	require.NoError(t, h.store.Enqueue(context.Background(), in))

	h.pool = NewPool(cfg, h.store, h.registry, exec, Options{Sink: h.sink})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.pool.Stop(ctx)
	})
	return h
}

func (h *harness) waitDone(t *testing.T) models.TaskCounts {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.store.Counts().Remaining() == 0
	}, 5*time.Second, 5*time.Millisecond)
	return h.store.Counts()
}

func TestPoolProcessesAllTasksOneWorkerPerCredential(t *testing.T) {
	exec := newScriptedExecutor(nil)
	exec.delay = 2 * time.Millisecond
	h := newHarness(t, testConfig(), credentials.DefaultConfig(), 3, 30, exec)

	require.NoError(t, h.pool.Start())
	assert.Equal(t, 3, h.pool.Size())

	counts := h.waitDone(t)
	assert.Equal(t, 30, counts.Completed)

	for _, id := range h.ids {
		assert.LessOrEqual(t, exec.maxInflight[id], 1, "credential %s shared by two workers", id)
	}
	for _, task := range h.store.Snapshot() {
		assert.Equal(t, 1, h.sink.stored[task.TaskID], "task %s stored once", task.TaskID)
		assert.NotEmpty(t, task.AssignedCredential)
	}
	assert.Equal(t, int64(30), h.pool.Stats().Dequeues)
}

func TestPoolSizeCappedByMaxWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 2
	h := newHarness(t, cfg, credentials.DefaultConfig(), 5, 4, newScriptedExecutor(nil))

	require.NoError(t, h.pool.Start())
	assert.Equal(t, 2, h.pool.Size())
	assert.Error(t, h.pool.Start(), "second start")
	h.waitDone(t)
}

func TestUnsupportedInputFailsWithoutRetry(t *testing.T) {
	exec := newScriptedExecutor(func(task models.VideoTask, _ string, _ int) error {
		if task.TaskID == "task-00" {
			return models.NewTaskError(models.ErrorUnsupportedInput, "unsupported codec")
		}
		return nil
	})
	h := newHarness(t, testConfig(), credentials.DefaultConfig(), 1, 5, exec)
	require.NoError(t, h.pool.Start())

	counts := h.waitDone(t)
	assert.Equal(t, 4, counts.Completed)
	assert.Equal(t, 1, counts.Failed)

	failed, err := h.store.Get("task-00")
	require.NoError(t, err)
	assert.Equal(t, 0, failed.RetryCount)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, models.ErrorUnsupportedInput, failed.LastError.Kind)

	cred, err := h.registry.Get(h.ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.CredentialActive, cred.Status, "bad input is not the credential's fault")
}

func TestTransientRetriesThenFails(t *testing.T) {
	exec := newScriptedExecutor(func(task models.VideoTask, _ string, _ int) error {
		if task.TaskID == "task-00" {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	credCfg := credentials.DefaultConfig()
	credCfg.FailureThreshold = 0
	cfg := testConfig()
	cfg.Limits = retry.Limits{MaxRetries: 2, MaxResultWriteRetries: 1}
	h := newHarness(t, cfg, credCfg, 1, 3, exec)
	require.NoError(t, h.pool.Start())

	counts := h.waitDone(t)
	assert.Equal(t, 2, counts.Completed)
	assert.Equal(t, 1, counts.Failed)

	failed, err := h.store.Get("task-00")
	require.NoError(t, err)
	assert.Equal(t, 2, failed.RetryCount)
	assert.Equal(t, models.ErrorNetwork, failed.LastError.Kind)
	assert.Equal(t, 5, exec.callsFor(h.ids[0]), "three attempts of the failing task plus two successes")
}

func TestTimeoutIsTransient(t *testing.T) {
	exec := newScriptedExecutor(nil)
	exec.delay = 200 * time.Millisecond
	cfg := testConfig()
	cfg.TaskTimeout = 20 * time.Millisecond
	cfg.Limits = retry.Limits{MaxRetries: 1, MaxResultWriteRetries: 1}
	credCfg := credentials.DefaultConfig()
	credCfg.FailureThreshold = 0
	h := newHarness(t, cfg, credCfg, 1, 1, exec)
	require.NoError(t, h.pool.Start())

	counts := h.waitDone(t)
	assert.Equal(t, 1, counts.Failed)
	task, err := h.store.Get("task-00")
	require.NoError(t, err)
	assert.Equal(t, models.ErrorProcessingTimeout, task.LastError.Kind)
	assert.Equal(t, 1, task.RetryCount)
}

func TestQuotaExhaustionMovesWorkToOtherCredential(t *testing.T) {
	var exhausted string
	var mu sync.Mutex
	exec := newScriptedExecutor(func(_ models.VideoTask, credID string, call int) error {
		mu.Lock()
		target := exhausted
		mu.Unlock()
		if credID == target {
			if call > 3 {
				return errors.New("429 Too Many Requests: quota exceeded")
			}
			return nil
		}
		// keep the second credential slower so the first reaches its limit
		time.Sleep(3 * time.Millisecond)
		return nil
	})
	exec.delay = time.Millisecond
	h := newHarness(t, testConfig(), credentials.DefaultConfig(), 2, 12, exec)
	mu.Lock()
	exhausted = h.ids[0]
	mu.Unlock()

	require.NoError(t, h.pool.Start())
	counts := h.waitDone(t)
	assert.Equal(t, 12, counts.Completed)
	assert.Zero(t, counts.Failed)

	a, err := h.registry.Get(h.ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.CredentialQuotaExhausted, a.Status)
	assert.Equal(t, 3, a.RequestsUsed)

	for _, task := range h.store.Snapshot() {
		assert.Zero(t, task.RetryCount, "quota failures do not count against the task")
	}
	require.Eventually(t, func() bool { return h.pool.Size() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.pool.Stats().Isolated)
}

func TestResultWriteRetriedOnceThenFails(t *testing.T) {
	exec := newScriptedExecutor(nil)
	h := newHarness(t, testConfig(), credentials.DefaultConfig(), 1, 2, exec)
	h.sink.fail = func(taskID string, n int) error {
		if taskID == "task-00" {
			return errors.New("no space left on device")
		}
		if taskID == "task-01" && n == 0 {
			return errors.New("disk hiccup")
		}
		return nil
	}
	require.NoError(t, h.pool.Start())

	counts := h.waitDone(t)
	assert.Equal(t, 1, counts.Completed)
	assert.Equal(t, 1, counts.Failed)

	failed, _ := h.store.Get("task-00")
	assert.Equal(t, models.ErrorResultWrite, failed.LastError.Kind)
	assert.Equal(t, 2, failed.WriteFailures)
	assert.Equal(t, 0, failed.RetryCount)

	ok, _ := h.store.Get("task-01")
	assert.Equal(t, models.TaskStatusCompleted, ok.Status)
	assert.Equal(t, 4, exec.callsFor(h.ids[0]), "each write failure re-ran the executor")
}

func TestPauseStopsDequeues(t *testing.T) {
	exec := newScriptedExecutor(nil)
	exec.started = make(chan string, 16)
	exec.release = make(chan struct{})
	h := newHarness(t, testConfig(), credentials.DefaultConfig(), 2, 6, exec)
	require.NoError(t, h.pool.Start())

	// both workers mid task
	<-exec.started
	<-exec.started
	h.pool.Pause()
	assert.True(t, h.pool.Paused())
	before := h.pool.Stats().Dequeues
	assert.Equal(t, int64(2), before)

	close(exec.release)
	require.Eventually(t, func() bool { return h.store.Counts().Completed == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, h.pool.Stats().Dequeues, "no dequeue while paused")
	assert.Equal(t, 4, h.store.Counts().Pending)

	h.pool.Resume()
	counts := h.waitDone(t)
	assert.Equal(t, 6, counts.Completed)
}

func TestStalledPoolRecoversWhenCooldownExpires(t *testing.T) {
	var mu sync.Mutex
	quotaHit := false
	exec := newScriptedExecutor(func(_ models.VideoTask, _ string, call int) error {
		mu.Lock()
		defer mu.Unlock()
		if call == 2 && !quotaHit {
			quotaHit = true
			return errors.New("RESOURCE_EXHAUSTED: quota")
		}
		return nil
	})
	credCfg := credentials.DefaultConfig()
	credCfg.QuotaCooldown = 150 * time.Millisecond
	h := newHarness(t, testConfig(), credCfg, 1, 4, exec)
	require.NoError(t, h.pool.Start())

	require.Eventually(t, func() bool { return h.registry.EligibleCount() == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.pool.Size() == 0 }, time.Second, time.Millisecond)

	counts := h.waitDone(t)
	assert.Equal(t, 4, counts.Completed)
	assert.GreaterOrEqual(t, h.pool.Stats().Spawned, int64(2), "a worker was rebound after recovery")
}

func TestInternalStateErrorIsFatal(t *testing.T) {
	exec := newScriptedExecutor(func(models.VideoTask, string, int) error {
		return models.NewTaskError(models.ErrorInternalState, "registry out of sync")
	})
	h := newHarness(t, testConfig(), credentials.DefaultConfig(), 1, 1, exec)
	require.NoError(t, h.pool.Start())

	select {
	case err := <-h.pool.Fatal():
		assert.Equal(t, models.ErrorInternalState, models.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fatal error")
	}
	cred, _ := h.registry.Get(h.ids[0])
	assert.Equal(t, 0, cred.ConsecutiveFailures, "internal errors do not penalize the credential")
}

func TestClamp(t *testing.T) {
	tests := []struct {
		n, lo, hi, want int
	}{
		{0, 1, 4, 1},
		{3, 1, 4, 3},
		{9, 1, 4, 4},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, clamp(tt.n, tt.lo, tt.hi))
		})
	}
}
