// Package replicate runs tools as predictions on a hosted prediction API.
// Tasks are submitted with a webhook when one is configured and polled
// otherwise; every status report goes through runner.Reconcile.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/runner"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/tool"
)

const defaultPollInterval = 2 * time.Second

// Config holds the collaborators of replicate tools.
type Config struct {
	Client *Client
	Runner *runner.Runner
	// WebhookURL receives prediction updates. When empty, tasks are polled.
	WebhookURL   string
	PollInterval time.Duration
}

// Tool runs one hosted model.
type Tool struct {
	spec    *tool.Spec
	client  *Client
	runner  *runner.Runner
	webhook string
	poll    time.Duration
	log     logrus.FieldLogger
}

var _ tool.Tool = (*Tool)(nil)

// Factory returns a tool.Factory for replicate specs.
func Factory(cfg Config, log logrus.FieldLogger) tool.Factory {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return func(spec *tool.Spec) (tool.Tool, error) {
		return &Tool{
			spec:    spec,
			client:  cfg.Client,
			runner:  cfg.Runner,
			webhook: cfg.WebhookURL,
			poll:    poll,
			log:     log.WithFields(logrus.Fields{"component": "replicate", "tool": spec.Key}),
		}, nil
	}
}

func (t *Tool) Spec() *tool.Spec {
	return t.spec
}

func (t *Tool) request(args map[string]any, webhook string) CreateRequest {
	input := make(map[string]any, len(args))
	for k, v := range args {
		if v != nil {
			input[k] = v
		}
	}
	return CreateRequest{Model: t.spec.Model, Version: t.spec.Version, Input: input, Webhook: webhook}
}

// Run creates a prediction and polls it until it finishes.
func (t *Tool) Run(ctx context.Context, args map[string]any) (model.Output, error) {
	p, err := t.client.Create(ctx, t.request(args, ""))
	if err != nil {
		return model.Output{}, t.fail("create prediction", err)
	}

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	for !p.Done() {
		select {
		case <-ctx.Done():
			if err := t.client.Cancel(context.WithoutCancel(ctx), p.ID); err != nil {
				t.log.WithError(err).WithField("prediction", p.ID).Warn("failed to cancel prediction")
			}
			return model.Output{}, context.Cause(ctx)
		case <-ticker.C:
		}
		if p, err = t.client.Get(ctx, p.ID); err != nil {
			return model.Output{}, t.fail("poll prediction", err)
		}
	}

	switch p.Status {
	case "succeeded":
		return model.Output{Files: p.Outputs()}, nil
	case "canceled":
		return model.Output{}, t.fail("prediction was canceled", nil)
	default:
		return model.Output{}, t.fail(p.ErrorMessage(), nil)
	}
}

func (t *Tool) fail(msg string, err error) error {
	if msg == "" {
		msg = "prediction failed"
	}
	return &tool.ExecutionError{Backend: tool.HandlerReplicate, Message: msg, Err: err}
}

// StartTask creates the task's prediction and returns its id. Without a
// webhook the prediction is polled in the background.
func (t *Tool) StartTask(ctx context.Context, task *model.Task) (string, error) {
	p, err := t.client.Create(ctx, t.request(task.Args, t.webhook))
	if err != nil {
		return "", t.fail("create prediction", err)
	}
	t.log.WithFields(logrus.Fields{"task_id": task.ID, "prediction": p.ID}).Info("prediction created")

	if t.webhook == "" {
		task.Handler = p.ID
		t.runner.Follow(task, t.poll, func(ctx context.Context) (runner.Update, error) {
			cur, err := t.client.Get(ctx, p.ID)
			if err != nil {
				return runner.Update{}, err
			}
			return cur.Update(), nil
		})
	}
	return p.ID, nil
}

func (t *Tool) Wait(ctx context.Context, task *model.Task) (*model.Task, error) {
	return t.runner.Await(ctx, task.ID)
}

// Cancel stops polling, cancels the prediction and settles the task. A
// task that already ended is left alone.
func (t *Tool) Cancel(ctx context.Context, task *model.Task) error {
	if model.IsTerminal(task.Status) {
		return nil
	}
	t.runner.Cancel(task.ID)
	if task.Handler != "" {
		if err := t.client.Cancel(ctx, task.Handler); err != nil {
			t.log.WithError(err).WithField("prediction", task.Handler).Warn("failed to cancel prediction")
		}
	}
	_, err := t.runner.Settle(ctx, task, model.StatusCancelled, runner.ErrCancelled.Error())
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle cancelled task: %w", err)
	}
	return nil
}
