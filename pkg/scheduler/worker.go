package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/psantana5/ffbatch/pkg/credentials"
	"github.com/psantana5/ffbatch/pkg/logging"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/retry"
	"github.com/psantana5/ffbatch/pkg/store"
	"github.com/psantana5/ffbatch/pkg/tracing"
)

// worker is bound to one credential for its whole life
type worker struct {
	id        string
	lease     credentials.Lease
	processed atomic.Int64

	mu      sync.Mutex
	current string
}

func newWorker(id string, lease credentials.Lease) *worker {
	return &worker{id: id, lease: lease}
}

func (w *worker) setCurrent(taskID string) {
	w.mu.Lock()
	w.current = taskID
	w.mu.Unlock()
}

func (w *worker) status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStatus{
		ID:           w.id,
		CredentialID: w.lease.ID,
		Busy:         w.current != "",
		TaskID:       w.current,
		Processed:    w.processed.Load(),
	}
}

// run is the worker loop: pause gate, eligibility, dequeue, attempt
func (p *Pool) run(w *worker) {
	reason := "stopped"
	defer func() { p.retire(w, reason) }()

	backoff := p.cfg.IdleBackoffMin
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if !p.creds.IsEligible(w.lease.ID) {
			reason = "credential ineligible"
			return
		}

		// the store's wake channel is taken before dequeueing so a task
		// enqueued in between is not missed
		wake := p.tasks.Wait()

		p.pauseMu.RLock()
		if p.paused {
			resume := p.resumeCh
			p.pauseMu.RUnlock()
			select {
			case <-resume:
			case <-p.stopCh:
				return
			}
			continue
		}
		task, err := p.tasks.Dequeue(w.lease.ID)
		if err == nil {
			// mark busy before the gate opens so a pause never sees an idle
			// worker that is about to start a task
			w.setCurrent(task.TaskID)
		}
		p.pauseMu.RUnlock()

		if err != nil {
			if !errors.Is(err, store.ErrEmpty) {
				p.logger.Error("Dequeue failed", logging.Fields{"worker": w.id, "error": err.Error()})
			}
			if !p.idle(wake, backoff) {
				return
			}
			backoff *= 2
			if backoff > p.cfg.IdleBackoffMax {
				backoff = p.cfg.IdleBackoffMax
			}
			continue
		}
		p.dequeues.Add(1)
		backoff = p.cfg.IdleBackoffMin

		isolate := p.process(w, task)
		w.setCurrent("")
		w.processed.Add(1)
		if isolate {
			reason = "credential isolated"
			return
		}
	}
}

// idle waits for new work, the backoff, or the next delayed task.
// It returns false when the pool is stopping.
func (p *Pool) idle(wake <-chan struct{}, backoff time.Duration) bool {
	wait := backoff
	if next, ok := p.tasks.NextReadyAt(); ok {
		if d := next.Sub(p.now()); d > 0 && d < wait {
			wait = d
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-p.stopCh:
		return false
	case <-wake:
	case <-timer.C:
	}
	return true
}

// process runs one attempt and applies its outcome. It returns true when
// the worker must give up its credential.
func (p *Pool) process(w *worker, task models.VideoTask) bool {
	p.attempts.Add(1)
	ctx, span := p.tracer.StartSpan(context.Background(), "task.attempt",
		attribute.String("task.id", task.TaskID),
		attribute.String("batch.id", task.BatchID),
		attribute.String("credential.id", w.lease.ID),
		attribute.Int("task.retry_count", task.RetryCount),
	)
	defer span.End()

	log := p.logger.WithFields(logging.Fields{
		"worker":     w.id,
		"task_id":    task.TaskID,
		"credential": w.lease.ID,
	})
	log.Debug("Attempt started", logging.Fields{"source": task.SourcePath, "retry": task.RetryCount})

	execCtx := ctx
	cancel := func() {}
	if p.cfg.TaskTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
	}
	start := time.Now()
	result, err := p.exec.Execute(execCtx, task, w.lease)
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()

	var typed *models.TaskError
	if err != nil && timedOut && !errors.As(err, &typed) {
		// a killed process rarely says it was a timeout
		err = models.WrapTaskError(models.ErrorProcessingTimeout, err)
	}

	if err == nil && p.sink != nil {
		if serr := p.sink.Store(ctx, task, result); serr != nil {
			err = models.WrapTaskError(models.ErrorResultWrite, serr)
		}
	}
	if result.ProcessingTime == 0 {
		result.ProcessingTime = time.Since(start)
	}

	if err == nil {
		p.complete(ctx, log, w, task, result)
		return false
	}
	tracing.SetError(ctx, err)
	return p.fail(ctx, log, w, task, err)
}

func (p *Pool) complete(ctx context.Context, log *logging.Logger, w *worker, task models.VideoTask, result models.Result) {
	var markErr error
	p.applier.Apply(func() {
		_, markErr = p.tasks.MarkCompleted(task.TaskID, result)
		if _, err := p.creds.ReportOutcome(w.lease.ID, models.OutcomeSuccess); err != nil {
			log.Error("Failed to report success", logging.Fields{"error": err.Error()})
		}
	})
	if markErr != nil {
		p.internalError(ctx, log, markErr)
		return
	}
	tracing.SetStatus(ctx, codes.Ok, "completed")
	log.Info("Task completed", logging.Fields{
		"output":          result.OutputPath,
		"processing_time": result.ProcessingTime.String(),
	})
}

// fail reports the outcome to the registry, classifies the error and
// moves the task on. Registry report and task transition happen under one
// Apply so a checkpoint sees both or neither.
func (p *Pool) fail(ctx context.Context, log *logging.Logger, w *worker, task models.VideoTask, err error) bool {
	taskErr := models.AsTaskError(err)
	kind := taskErr.Kind
	outcome := retry.OutcomeFor(kind)

	var (
		decision retry.Decision
		applyErr error
	)
	p.applier.Apply(func() {
		var cred models.Credential
		var cerr error
		if outcome != models.OutcomeNone {
			cred, cerr = p.creds.ReportOutcome(w.lease.ID, outcome)
		} else {
			cred, cerr = p.creds.Get(w.lease.ID)
		}
		if cerr != nil {
			applyErr = models.WrapTaskError(models.ErrorInternalState, cerr)
			return
		}

		if rerr := p.tasks.RecordFailure(task.TaskID, taskErr); rerr != nil {
			applyErr = models.WrapTaskError(models.ErrorInternalState, rerr)
			return
		}
		writeFailures := task.WriteFailures
		if kind == models.ErrorResultWrite {
			writeFailures++
		}

		decision = retry.Classify(retry.Input{
			Kind:                kind,
			RetryCount:          task.RetryCount,
			WriteFailures:       writeFailures,
			ConsecutiveFailures: cred.ConsecutiveFailures,
			CredentialEligible:  cred.Eligible(p.now()),
		}, p.cfg.Limits)

		if decision.Action == retry.RetrySameCredential && decision.Penalize && !p.budget.Allow() {
			decision.Action = retry.FailPermanently
			decision.Reason = "retry budget exhausted"
		}

		switch decision.Action {
		case retry.RetrySameCredential, retry.RetryOtherCredential:
			if decision.Penalize {
				notBefore := p.now().Add(p.cfg.Policy.Backoff(task.RetryCount))
				applyErr = p.tasks.RequeueForRetry(task.TaskID, task.Priority, notBefore)
			} else {
				applyErr = p.tasks.ReleaseToPending(task.TaskID, task.Priority)
			}
		case retry.FailPermanently:
			_, applyErr = p.tasks.MarkFailed(task.TaskID, taskErr)
		}
	})

	if applyErr != nil {
		p.internalError(ctx, log, applyErr)
		return true
	}

	fields := logging.Fields{
		"kind":    string(kind),
		"action":  string(decision.Action),
		"reason":  decision.Reason,
		"retry":   task.RetryCount,
		"error":   taskErr.Message,
		"isolate": decision.Isolate,
	}
	if decision.Action == retry.FailPermanently {
		log.Error("Task failed permanently", fields)
	} else {
		log.Warn("Task attempt failed", fields)
	}

	if decision.Fatal {
		p.internalError(ctx, log, taskErr)
		return true
	}

	if decision.Isolate {
		p.isolated.Add(1)
		if p.creds.IsEligible(w.lease.ID) {
			// still usable on paper; keep it out long enough for the pool
			// not to rebind it immediately
			p.creds.Suspend(w.lease.ID, p.cfg.IsolateFor)
		}
		log.Warn("Worker isolating its credential", logging.Fields{"kind": string(kind)})
	}
	return decision.Isolate
}

// internalError surfaces an invariant violation as a batch level failure
func (p *Pool) internalError(ctx context.Context, log *logging.Logger, err error) {
	tracing.SetError(ctx, err)
	log.Error("Internal state error", logging.Fields{"error": err.Error()})
	if models.KindOf(err) != models.ErrorInternalState {
		err = models.WrapTaskError(models.ErrorInternalState, err)
	}
	p.raiseFatal(err)
}
