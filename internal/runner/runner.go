package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/observability"
	"github.com/seantiz/kiln/internal/storage"
	"github.com/seantiz/kiln/internal/store"
)

// ErrCancelled is the cancellation cause of tasks stopped through Cancel.
var ErrCancelled = errors.New("task cancelled")

// Func produces the output of one sample from its arguments.
type Func func(ctx context.Context, args map[string]any) (model.Output, error)

// Store is the persistence the runner needs.
type Store interface {
	store.TaskStore
	store.LoraStore
}

// Refunder credits a user's balance.
type Refunder interface {
	Refund(ctx context.Context, user string, amount float64) error
}

// Config holds the runner's collaborators.
type Config struct {
	Store   Store
	Ledger  Refunder
	Storage storage.Store
	// Fs and WorkDir hold remote outputs while they are moved into storage.
	Fs      afero.Fs
	WorkDir string
	Broker  *Broker
}

// Runner drives tasks and keeps track of the ones running in this process.
type Runner struct {
	store   Store
	ledger  Refunder
	files   storage.Store
	fs      afero.Fs
	workDir string
	broker  *Broker
	log     logrus.FieldLogger

	mu       sync.Mutex
	inflight map[string]*flight
	wg       sync.WaitGroup
}

type flight struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// New creates a Runner.
func New(cfg Config, log logrus.FieldLogger) *Runner {
	broker := cfg.Broker
	if broker == nil {
		broker = NewBroker()
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Runner{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		files:    cfg.Storage,
		fs:       fs,
		workDir:  cfg.WorkDir,
		broker:   broker,
		log:      log.WithField("component", "runner"),
		inflight: make(map[string]*flight),
	}
}

// Broker returns the runner's event broker for SSE subscription.
func (r *Runner) Broker() *Broker {
	return r.broker
}

// Drive runs fn once per sample of task and persists every step. The task
// must be pending. Failures of fn end the task as failed, or as cancelled
// when ctx was cancelled with ErrCancelled; either way the user is refunded
// for the samples that produced nothing. Drive returns an error only when
// the task could not be persisted.
func (r *Runner) Drive(ctx context.Context, task *model.Task, fn Func) (*model.Task, error) {
	ctx, span := observability.StartSpan(ctx, "runner.drive",
		attribute.String("task.id", task.ID),
		attribute.String("task.tool", task.Tool),
	)
	defer span.End()
	log := r.log.WithFields(logrus.Fields{"task_id": task.ID, "tool": task.Tool, "user": task.User})

	start := time.Now()
	task.Performance.WaitTime = start.Sub(task.CreatedAt).Seconds()
	task.Status = model.StatusRunning
	if err := r.store.UpdateTask(context.WithoutCancel(ctx), task); err != nil {
		task.Performance.RunTime = time.Since(start).Seconds()
		span.SetStatus(codes.Error, err.Error())
		return task, fmt.Errorf("start task: %w", err)
	}
	r.broker.Publish(eventOf(task))
	log.Info("task running")

	n := task.Samples()
	span.SetAttributes(attribute.Int("task.samples", n))

	var results []model.ResultItem
	for i := 0; i < n; i++ {
		items, err := r.sample(ctx, task, i, fn)
		if err != nil {
			task.Result = results
			status, msg := model.StatusFailed, err.Error()
			if errors.Is(context.Cause(ctx), ErrCancelled) {
				status, msg = model.StatusCancelled, ErrCancelled.Error()
			}
			span.SetStatus(codes.Error, msg)
			log.WithError(err).WithField("samples_done", i).Warn("task stopped")
			return task, r.finish(ctx, task, status, msg, i, n, time.Since(start))
		}
		results = append(results, items...)
		samplesProduced.WithLabelValues(task.Tool).Inc()

		if i < n-1 {
			task.Result = results
			if err := r.store.UpdateTask(context.WithoutCancel(ctx), task); err != nil {
				if errors.Is(err, store.ErrInvalidTransition) {
					// Ended elsewhere; whoever ended it settled the ledger.
					return task, nil
				}
				log.WithError(err).Warn("failed to persist partial result")
			} else {
				r.broker.Publish(eventOf(task))
			}
		}
	}

	task.Result = results
	return task, r.finish(ctx, task, model.StatusCompleted, "", n, n, time.Since(start))
}

// sample runs fn for sample i and moves its outputs into storage.
func (r *Runner) sample(ctx context.Context, task *model.Task, i int, fn Func) ([]model.ResultItem, error) {
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	ctx, span := observability.StartSpan(ctx, "runner.sample", attribute.Int("sample.index", i))
	defer span.End()

	args := task.CloneArgs()
	if seed, ok := offsetSeed(args[model.ArgSeed], i); ok {
		args[model.ArgSeed] = seed
	}

	out, err := fn(ctx, args)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	items, err := r.persist(ctx, task.OutputType, out)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("store output: %w", err)
	}
	return items, nil
}

// Settle ends a task that is not being driven by this runner. Samples
// already in the task's result count as done for the refund.
func (r *Runner) Settle(ctx context.Context, task *model.Task, status, msg string) (*model.Task, error) {
	n := task.Samples()
	done := min(len(task.Result), n)
	if status == model.StatusCompleted {
		done = n
	}

	var runTime time.Duration
	if task.Status == model.StatusRunning {
		runTime = time.Since(task.CreatedAt) - time.Duration(task.Performance.WaitTime*float64(time.Second))
		runTime = max(runTime, 0)
	}
	return task, r.finish(ctx, task, status, msg, done, n, runTime)
}

// finish writes the terminal status and settles the ledger. The refund is
// only issued by the call whose write wins the transition.
func (r *Runner) finish(ctx context.Context, task *model.Task, status, msg string, done, n int, runTime time.Duration) error {
	ctx = context.WithoutCancel(ctx)
	log := r.log.WithFields(logrus.Fields{"task_id": task.ID, "tool": task.Tool, "user": task.User})

	task.Status = status
	task.Error = msg
	task.Performance.RunTime = runTime.Seconds()
	if err := r.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("finish task: %w", err)
	}

	tasksFinished.WithLabelValues(task.Tool, status).Inc()
	taskRunSeconds.WithLabelValues(task.Tool).Observe(task.Performance.RunTime)
	r.broker.Publish(eventOf(task))
	r.broker.Close(task.ID)

	if status == model.StatusCompleted {
		log.WithField("run_time", task.Performance.RunTime).Info("task completed")
		if task.OutputType == model.OutputLora {
			r.recordLora(ctx, task)
		}
		return nil
	}

	refund := task.Cost * float64(n-done) / float64(n)
	log.WithFields(logrus.Fields{
		"status":       status,
		"samples_done": done,
		"refund":       refund,
	}).Info("task ended early")
	if err := r.ledger.Refund(ctx, task.User, refund); err != nil {
		return fmt.Errorf("refund task %s: %w", task.ID, err)
	}
	return nil
}

// offsetSeed adds i to a numeric seed argument.
func offsetSeed(v any, i int) (any, bool) {
	switch s := v.(type) {
	case int:
		return s + i, true
	case int64:
		return s + int64(i), true
	case float64:
		return s + float64(i), true
	case json.Number:
		if n, err := s.Int64(); err == nil {
			return n + int64(i), true
		}
		if f, err := s.Float64(); err == nil {
			return f + float64(i), true
		}
	}
	return nil, false
}
