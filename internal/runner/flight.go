package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/kiln/internal/model"
)

// awaitInterval is how often Await re-reads tasks driven elsewhere.
const awaitInterval = 250 * time.Millisecond

// Go drives task in a goroutine. The goroutine works on a copy of the task
// and can be stopped with Cancel.
func (r *Runner) Go(task *model.Task, fn Func) {
	ctx, release := r.track(task.ID)
	t := *task
	r.wg.Go(func() {
		defer release()
		if _, err := r.Drive(ctx, &t, fn); err != nil {
			r.log.WithError(err).WithField("task_id", t.ID).Error("failed to drive task")
		}
	})
}

// track registers taskID as in flight. The returned context is cancelled
// by Cancel; release must be called when the task's goroutine exits.
func (r *Runner) track(taskID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	f := &flight{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.inflight[taskID] = f
	r.mu.Unlock()
	tasksInFlight.Inc()

	return ctx, func() {
		cancel(nil)
		r.mu.Lock()
		delete(r.inflight, taskID)
		r.mu.Unlock()
		tasksInFlight.Dec()
		close(f.done)
	}
}

// Cancel stops a task driven by Go. It reports whether the task was in
// flight in this process.
func (r *Runner) Cancel(taskID string) bool {
	r.mu.Lock()
	f, ok := r.inflight[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	f.cancel(ErrCancelled)
	return true
}

// Await blocks until the task is terminal or ctx is done. Tasks driven by
// Go or Follow in this process are waited on directly; others are re-read
// from the store until they end.
func (r *Runner) Await(ctx context.Context, taskID string) (*model.Task, error) {
	r.mu.Lock()
	f, ok := r.inflight[taskID]
	r.mu.Unlock()
	if ok {
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ticker := time.NewTicker(awaitInterval)
	defer ticker.Stop()
	for {
		t, err := r.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("await task: %w", err)
		}
		if model.IsTerminal(t.Status) {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Follow reconciles task with updates from next, called every interval,
// until the task ends or Cancel is called. It is used for backends that
// run tasks remotely and are polled for status.
func (r *Runner) Follow(task *model.Task, every time.Duration, next func(ctx context.Context) (Update, error)) {
	ctx, release := r.track(task.ID)
	t := *task
	r.wg.Go(func() {
		defer release()
		log := r.log.WithFields(logrus.Fields{"task_id": t.ID, "handler": t.Handler})

		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			cur, err := r.store.GetTask(ctx, t.ID)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				log.WithError(err).Warn("failed to read task")
			case model.IsTerminal(cur.Status):
				return
			default:
				u, err := next(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					log.WithError(err).Warn("failed to poll task")
				} else if _, err := r.Reconcile(ctx, cur, u); err != nil {
					log.WithError(err).Error("failed to reconcile task")
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

// Wait blocks until every task started with Go has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
