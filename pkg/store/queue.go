package store

import (
	"sort"
	"time"

	"github.com/psantana5/ffbatch/pkg/models"
)

// pendingQueue keeps pending tasks ordered by priority, then insertion
// sequence (FIFO within a priority).
type pendingQueue struct {
	items []*models.VideoTask
}

func less(a, b *models.VideoTask) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Sequence < b.Sequence
}

func (q *pendingQueue) push(t *models.VideoTask) {
	i := sort.Search(len(q.items), func(i int) bool { return less(t, q.items[i]) })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = t
}

// popReady removes and returns the first task that may run at now
func (q *pendingQueue) popReady(now time.Time) *models.VideoTask {
	for i, t := range q.items {
		if !t.Ready(now) {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		return t
	}
	return nil
}

func (q *pendingQueue) remove(taskID string) bool {
	for i, t := range q.items {
		if t.TaskID == taskID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// nextReadyAt returns the earliest time a backed-off task becomes ready
func (q *pendingQueue) nextReadyAt(now time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	for _, t := range q.items {
		if t.Ready(now) {
			return now, true
		}
		if t.NotBefore != nil && (!found || t.NotBefore.Before(next)) {
			next = *t.NotBefore
			found = true
		}
	}
	return next, found
}

func (q *pendingQueue) drain() []*models.VideoTask {
	out := q.items
	q.items = nil
	return out
}
