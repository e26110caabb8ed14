package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// Update is a status report from a backend that runs tasks remotely, either
// polled or pushed through a webhook.
type Update struct {
	Handler string
	Status  string
	Output  []string
	Error   string
}

// MapStatus translates a backend status into a task status.
func MapStatus(status string) (string, bool) {
	switch strings.ToLower(status) {
	case "starting", "processing", model.StatusRunning:
		return model.StatusRunning, true
	case "succeeded", model.StatusCompleted:
		return model.StatusCompleted, true
	case model.StatusFailed:
		return model.StatusFailed, true
	case "canceled", model.StatusCancelled:
		return model.StatusCancelled, true
	}
	return "", false
}

// Reconcile applies a backend update to a task. Updates for tasks that
// already ended are ignored. Completed outputs are moved into storage and
// failed or cancelled tasks are refunded like tasks driven locally.
func (r *Runner) Reconcile(ctx context.Context, task *model.Task, u Update) (*model.Task, error) {
	if model.IsTerminal(task.Status) {
		return task, nil
	}
	status, ok := MapStatus(u.Status)
	if !ok {
		return nil, fmt.Errorf("unknown backend status %q", u.Status)
	}

	if task.Status == model.StatusPending && status != model.StatusFailed && status != model.StatusCancelled {
		task.Performance.WaitTime = time.Since(task.CreatedAt).Seconds()
		task.Status = model.StatusRunning
		if err := r.store.UpdateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("mark running: %w", err)
		}
		r.broker.Publish(eventOf(task))
	}

	switch status {
	case model.StatusCompleted:
		items, err := r.persist(ctx, task.OutputType, model.Output{Files: u.Output})
		if err != nil {
			return r.Settle(ctx, task, model.StatusFailed, fmt.Sprintf("store output: %v", err))
		}
		task.Result = items
		samplesProduced.WithLabelValues(task.Tool).Add(float64(task.Samples()))
		return r.Settle(ctx, task, model.StatusCompleted, "")
	case model.StatusFailed:
		msg := u.Error
		if msg == "" {
			msg = "backend reported failure"
		}
		return r.Settle(ctx, task, model.StatusFailed, msg)
	case model.StatusCancelled:
		return r.Settle(ctx, task, model.StatusCancelled, ErrCancelled.Error())
	}
	return task, nil
}
