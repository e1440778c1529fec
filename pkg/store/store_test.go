package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffbatch/pkg/models"
)

func makeTasks(n int, priority func(i int) int) []models.VideoTask {
	tasks := make([]models.VideoTask, 0, n)
	for i := 0; i < n; i++ {
		p := 0
		if priority != nil {
			p = priority(i)
		}
		tasks = append(tasks, models.VideoTask{
			TaskID:       fmt.Sprintf("task-%02d", i),
			BatchID:      "batch-test",
			SourcePath:   fmt.Sprintf("/videos/%02d.mp4", i),
			OutputTarget: fmt.Sprintf("/out/%02d.md", i),
			Priority:     p,
		})
	}
	return tasks
}

func assertConserved(t *testing.T, s *TaskStore) {
	t.Helper()
	c := s.Counts()
	assert.Equal(t, s.Len(), c.Total(), "pending+running+completed+failed+cancelled == total")
}

func TestEnqueueRejectsDuplicates(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, makeTasks(2, nil)))

	err := s.Enqueue(ctx, makeTasks(1, nil))
	assert.ErrorIs(t, err, ErrDuplicateTask)

	dup := []models.VideoTask{{TaskID: "x"}, {TaskID: "x"}}
	assert.ErrorIs(t, s.Enqueue(ctx, dup), ErrDuplicateTask)
	assert.Equal(t, 2, s.Len())

	assert.Error(t, s.Enqueue(ctx, []models.VideoTask{{SourcePath: "/a.mp4"}}))
}

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	s := New(nil, nil)
	tasks := makeTasks(5, func(i int) int {
		return []int{5, 1, 5, 0, 1}[i]
	})
	require.NoError(t, s.Enqueue(context.Background(), tasks))

	var order []string
	for {
		task, err := s.Dequeue("cred-a")
		if err == ErrEmpty {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusRunning, task.Status)
		assert.NotNil(t, task.StartedAt)
		assert.Equal(t, "cred-a", task.AssignedCredential)
		order = append(order, task.TaskID)
	}
	assert.Equal(t, []string{"task-03", "task-01", "task-04", "task-00", "task-02"}, order)
	assertConserved(t, s)
}

func TestDequeueIsMutuallyExclusive(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Enqueue(context.Background(), makeTasks(200, nil)))

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				task, err := s.Dequeue(fmt.Sprintf("cred-%d", w))
				if err != nil {
					return
				}
				mu.Lock()
				seen[task.TaskID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, 200)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s handed out %d times", id, n)
	}
	assert.Equal(t, 200, s.Counts().Running)
}

func TestNoDoubleCompletion(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Enqueue(context.Background(), makeTasks(1, nil)))
	task, err := s.Dequeue("cred-a")
	require.NoError(t, err)

	ok, err := s.MarkCompleted(task.TaskID, models.Result{OutputPath: "/out/00.md", Bytes: 10})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkFailed(task.TaskID, models.NewTaskError(models.ErrorNetwork, "late failure"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.MarkCompleted(task.TaskID, models.Result{OutputPath: "/elsewhere"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, "/out/00.md", got.Result.OutputPath)
	assert.Nil(t, got.LastError)
	assert.Equal(t, int64(2), s.Anomalies())

	require.NoError(t, s.RequeueForRetry(task.TaskID, 0, time.Time{}), "requeue of terminal task is ignored")
	got, _ = s.Get(task.TaskID)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
}

func TestMarkCompletedOnPendingIsInternalStateError(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Enqueue(context.Background(), makeTasks(1, nil)))

	_, err := s.MarkCompleted("task-00", models.Result{})
	require.Error(t, err)
	assert.Equal(t, models.ErrorInternalState, models.KindOf(err))

	_, err = s.MarkCompleted("missing", models.Result{})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRequeueAndRelease(t *testing.T) {
	s := New(nil, nil)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })
	require.NoError(t, s.Enqueue(context.Background(), makeTasks(2, nil)))

	task, err := s.Dequeue("cred-a")
	require.NoError(t, err)
	require.NoError(t, s.RequeueForRetry(task.TaskID, 3, clock.Add(time.Minute)))

	got, _ := s.Get(task.TaskID)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 3, got.Priority)
	assert.Empty(t, got.AssignedCredential)

	other, err := s.Dequeue("cred-a")
	require.NoError(t, err)
	assert.Equal(t, "task-01", other.TaskID)

	_, err = s.Dequeue("cred-a")
	assert.ErrorIs(t, err, ErrEmpty, "backed-off task is not ready yet")

	next, ok := s.NextReadyAt()
	require.True(t, ok)
	assert.Equal(t, clock.Add(time.Minute), next)

	require.NoError(t, s.ReleaseToPending(other.TaskID, 0))
	got, _ = s.Get(other.TaskID)
	assert.Equal(t, 0, got.RetryCount, "release does not count a retry")

	clock = clock.Add(time.Minute)
	first, err := s.Dequeue("cred-b")
	require.NoError(t, err)
	assert.Equal(t, "task-01", first.TaskID, "priority 0 before priority 3")

	second, err := s.Dequeue("cred-b")
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, second.TaskID)

	err = s.RequeueForRetry("missing", 0, time.Time{})
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assertConserved(t, s)
}

func TestRecordFailureCountsWriteFailures(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Enqueue(context.Background(), makeTasks(1, nil)))
	task, _ := s.Dequeue("cred-a")

	require.NoError(t, s.RecordFailure(task.TaskID, models.NewTaskError(models.ErrorResultWrite, "disk full")))
	require.NoError(t, s.RecordFailure(task.TaskID, models.NewTaskError(models.ErrorNetwork, "reset")))

	got, _ := s.Get(task.TaskID)
	assert.Equal(t, 1, got.WriteFailures)
	assert.Equal(t, models.ErrorNetwork, got.LastError.Kind)
}

func TestCancelPending(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Enqueue(context.Background(), makeTasks(4, nil)))
	running, _ := s.Dequeue("cred-a")

	ids := s.CancelPending()
	assert.Len(t, ids, 3)

	c := s.Counts()
	assert.Equal(t, 3, c.Cancelled)
	assert.Equal(t, 1, c.Running)

	ok, err := s.MarkCancelled(running.TaskID)
	require.NoError(t, err)
	assert.True(t, ok)
	assertConserved(t, s)

	_, err = s.Dequeue("cred-a")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRestoreResetsRunningKeepsCompleted(t *testing.T) {
	src := New(nil, nil)
	require.NoError(t, src.Enqueue(context.Background(), makeTasks(4, nil)))
	done, _ := src.Dequeue("cred-a")
	_, err := src.MarkCompleted(done.TaskID, models.Result{})
	require.NoError(t, err)
	inflight, _ := src.Dequeue("cred-a")

	dst := New(nil, nil)
	reset, err := dst.Restore(context.Background(), src.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	got, _ := dst.Get(inflight.TaskID)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Empty(t, got.AssignedCredential)

	var dequeued []string
	for {
		task, err := dst.Dequeue("cred-b")
		if err != nil {
			break
		}
		dequeued = append(dequeued, task.TaskID)
	}
	assert.ElementsMatch(t, []string{"task-01", "task-02", "task-03"}, dequeued)
	assert.NotContains(t, dequeued, done.TaskID)

	_, err = dst.Restore(context.Background(), src.Snapshot())
	assert.ErrorIs(t, err, ErrNotEmpty)

	require.NoError(t, dst.Enqueue(context.Background(), []models.VideoTask{{TaskID: "late"}}))
	late, _ := dst.Get("late")
	assert.Greater(t, late.Sequence, got.Sequence, "sequence continues after restore")
}

func TestWaitIsSignalledOnNewWork(t *testing.T) {
	s := New(nil, nil)
	ch := s.Wait()
	select {
	case <-ch:
		t.Fatal("no work yet")
	default:
	}

	require.NoError(t, s.Enqueue(context.Background(), makeTasks(1, nil)))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiters were not woken")
	}
}

func TestObserversSeeEveryTransition(t *testing.T) {
	s := New(nil, nil)
	var mu sync.Mutex
	var seen []models.TaskStatus
	s.Subscribe(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Task.Status)
		mu.Unlock()
	})

	require.NoError(t, s.Enqueue(context.Background(), makeTasks(1, nil)))
	task, _ := s.Dequeue("cred-a")
	s.MarkCompleted(task.TaskID, models.Result{})

	assert.Equal(t, []models.TaskStatus{
		models.TaskStatusPending,
		models.TaskStatusRunning,
		models.TaskStatusCompleted,
	}, seen)

	got, _ := s.Get(task.TaskID)
	require.Len(t, got.Transitions, 2)
	assert.Equal(t, models.TaskStatusRunning, got.Transitions[1].From)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Enqueue(context.Background(), makeTasks(2, nil)))

	snap := s.Snapshot()
	snap[0].Status = models.TaskStatusFailed

	got, _ := s.Get(snap[0].TaskID)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, "task-00", snap[0].TaskID, "snapshot ordered by insertion")
}

func TestEnqueueSkippedTasksArriveCompleted(t *testing.T) {
	s := New(nil, nil)
	tasks := makeTasks(3, nil)
	tasks[1].Status = models.TaskStatusCompleted
	tasks[1].Result = &models.Result{OutputPath: "/out/01.md", Skipped: true}
	// completed without a skipped result is treated as a fresh task
	tasks[2].Status = models.TaskStatusCompleted

	require.NoError(t, s.Enqueue(context.Background(), tasks))

	c := s.Counts()
	assert.Equal(t, 1, c.Completed)
	assert.Equal(t, 2, c.Pending)
	assertConserved(t, s)

	skipped, err := s.Get("task-01")
	require.NoError(t, err)
	require.NotNil(t, skipped.CompletedAt)
	require.Len(t, skipped.Transitions, 1)
	assert.Equal(t, "output already exists", skipped.Transitions[0].Reason)

	for i := 0; i < 2; i++ {
		got, err := s.Dequeue("cred-1")
		require.NoError(t, err)
		assert.NotEqual(t, "task-01", got.TaskID)
	}
	_, err = s.Dequeue("cred-1")
	assert.ErrorIs(t, err, ErrEmpty)
}
