package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seantiz/kiln/internal/billing"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/observability"
	"github.com/seantiz/kiln/internal/runner"
	"github.com/seantiz/kiln/internal/schema"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/tool"
)

// Engine accepts tasks and routes them to their tools.
type Engine struct {
	store  store.TaskStore
	tools  *tool.Registry
	ledger *billing.Ledger
	runner *runner.Runner
	log    logrus.FieldLogger
}

// New creates an engine.
func New(s store.TaskStore, tools *tool.Registry, ledger *billing.Ledger, r *runner.Runner, log logrus.FieldLogger) *Engine {
	return &Engine{
		store:  s,
		tools:  tools,
		ledger: ledger,
		runner: r,
		log:    log.WithField("component", "engine"),
	}
}

// Tools returns the specs of all available tools.
func (e *Engine) Tools() []*tool.Spec {
	return e.tools.List()
}

// Tool returns the spec of one tool.
func (e *Engine) Tool(key string) (*tool.Spec, error) {
	t, err := e.tools.Resolve(key)
	if err != nil {
		return nil, err
	}
	return t.Spec(), nil
}

// prepare resolves the tool and validates args against its schema.
func (e *Engine) prepare(key string, args map[string]any) (tool.Tool, map[string]any, error) {
	t, err := e.tools.Resolve(key)
	if err != nil {
		tasksRejected.WithLabelValues("unknown_tool").Inc()
		return nil, nil, err
	}
	valid, err := t.Spec().Schema().Validate(args)
	if err != nil {
		tasksRejected.WithLabelValues("invalid_args").Inc()
		return nil, nil, err
	}
	return t, valid, nil
}

// Quote returns what a task with args would cost, without creating it.
func (e *Engine) Quote(key string, args map[string]any) (float64, error) {
	t, valid, err := e.prepare(key, args)
	if err != nil {
		return 0, err
	}
	return t.Spec().Price(valid)
}

// CreateTask validates args, prices and charges the task, persists it as
// pending and dispatches it. Nothing touches the ledger unless validation,
// pricing and the balance check all pass. If dispatch fails the task ends
// as failed with a full refund; the failed task is returned along with the
// error.
func (e *Engine) CreateTask(ctx context.Context, key string, args map[string]any, user string) (*model.Task, error) {
	ctx, span := observability.StartSpan(ctx, "engine.create_task",
		attribute.String("task.tool", key),
		attribute.String("task.user", user),
	)
	defer span.End()

	t, valid, err := e.prepare(key, args)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	spec := t.Spec()
	price, err := spec.Price(valid)
	if err != nil {
		tasksRejected.WithLabelValues("pricing").Inc()
		return nil, err
	}

	if err := e.ledger.Verify(ctx, user, price); err != nil {
		if errors.Is(err, billing.ErrInsufficientFunds) {
			tasksRejected.WithLabelValues("insufficient_funds").Inc()
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := e.ledger.Spend(ctx, user, price); err != nil {
		return nil, fmt.Errorf("charge task: %w", err)
	}

	task := &model.Task{
		ID:         model.NewID(),
		Tool:       spec.Key,
		OutputType: spec.OutputType,
		Args:       valid,
		User:       user,
		Cost:       price,
		Status:     model.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	log := e.log.WithFields(logrus.Fields{"task_id": task.ID, "tool": task.Tool, "user": user})
	if err := e.store.CreateTask(ctx, task); err != nil {
		if rerr := e.ledger.Refund(context.WithoutCancel(ctx), user, price); rerr != nil {
			log.WithError(rerr).Error("failed to refund unsaved task")
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	tasksCreated.WithLabelValues(task.Tool).Inc()
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.Float64("task.cost", price))
	log.WithField("cost", price).Info("task created")

	handler, err := t.StartTask(ctx, task)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.WithError(err).Warn("failed to dispatch task")
		if _, serr := e.runner.Settle(ctx, task, model.StatusFailed, err.Error()); serr != nil {
			log.WithError(serr).Error("failed to settle undispatched task")
		}
		return task, fmt.Errorf("dispatch task: %w", err)
	}

	if handler != "" {
		if err := e.store.SetTaskHandler(ctx, task.ID, handler); err != nil {
			log.WithError(err).Error("failed to record task handler")
		}
		task.Handler = handler
	}
	return task, nil
}

// GetTask returns a task by id.
func (e *Engine) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return e.store.GetTask(ctx, id)
}

// ListTasks returns a page of a user's tasks, newest first. An empty user
// lists every task.
func (e *Engine) ListTasks(ctx context.Context, user string, limit, offset int) ([]*model.Task, int, error) {
	return e.store.ListTasks(ctx, user, limit, offset)
}

// CancelTask stops a task and refunds the samples it did not produce.
// Cancelling a task that already ended returns it unchanged.
func (e *Engine) CancelTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if model.IsTerminal(task.Status) {
		return task, nil
	}

	t, err := e.tools.Resolve(task.Tool)
	if err != nil {
		// The tool is gone from this deployment; nothing can be running it.
		if _, err := e.runner.Settle(ctx, task, model.StatusCancelled, runner.ErrCancelled.Error()); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return nil, err
		}
	} else if err := t.Cancel(ctx, task); err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}

	e.log.WithFields(logrus.Fields{"task_id": id, "tool": task.Tool}).Info("task cancelled")
	return e.store.GetTask(ctx, id)
}

// HandleWebhook applies a status report pushed by a remote backend to the
// task it belongs to.
func (e *Engine) HandleWebhook(ctx context.Context, u runner.Update) (*model.Task, error) {
	task, err := e.store.GetTaskByHandler(ctx, u.Handler)
	if err != nil {
		return nil, fmt.Errorf("task for handler %s: %w", u.Handler, err)
	}
	e.log.WithFields(logrus.Fields{"task_id": task.ID, "handler": u.Handler, "status": u.Status}).Debug("webhook received")
	return e.runner.Reconcile(ctx, task, u)
}

// Run executes one sample of a tool synchronously, without creating a task
// or charging anyone.
func (e *Engine) Run(ctx context.Context, key string, args map[string]any) (model.Output, error) {
	t, valid, err := e.prepare(key, args)
	if err != nil {
		return model.Output{}, err
	}
	return t.Run(ctx, valid)
}

// Wait blocks until a task ends or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (*model.Task, error) {
	return e.runner.Await(ctx, id)
}

// Shutdown waits for tasks driven in this process to finish.
func (e *Engine) Shutdown() {
	e.runner.Wait()
}

// IsClientError reports whether err was caused by the request rather than
// by kiln or a backend.
func IsClientError(err error) bool {
	var verr *schema.ValidationError
	return errors.As(err, &verr) || errors.Is(err, model.ErrNotFound) || errors.Is(err, billing.ErrInsufficientFunds)
}
