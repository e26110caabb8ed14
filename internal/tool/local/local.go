// Package local runs tools as in-process Go functions.
package local

import (
	"context"
	"fmt"
	"slices"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/runner"
	"github.com/seantiz/kiln/internal/tool"
)

// Tool is a tool backed by a handler function. Tasks are driven by the
// runner in a goroutine.
type Tool struct {
	spec   *tool.Spec
	fn     runner.Func
	runner *runner.Runner
}

var _ tool.Tool = (*Tool)(nil)

// Factory returns a tool.Factory that looks up each spec's function in
// handlers.
func Factory(r *runner.Runner, handlers map[string]runner.Func) tool.Factory {
	return func(spec *tool.Spec) (tool.Tool, error) {
		fn, ok := handlers[spec.Function]
		if !ok {
			names := make([]string, 0, len(handlers))
			for name := range handlers {
				names = append(names, name)
			}
			slices.Sort(names)
			return nil, fmt.Errorf("unknown local function %q (have %v)", spec.Function, names)
		}
		return &Tool{spec: spec, fn: fn, runner: r}, nil
	}
}

func (t *Tool) Spec() *tool.Spec {
	return t.spec
}

func (t *Tool) Run(ctx context.Context, args map[string]any) (model.Output, error) {
	out, err := t.fn(ctx, args)
	if err != nil {
		return model.Output{}, &tool.ExecutionError{Backend: tool.HandlerLocal, Message: t.spec.Function, Err: err}
	}
	return out, nil
}

func (t *Tool) StartTask(_ context.Context, task *model.Task) (string, error) {
	t.runner.Go(task, t.Run)
	return task.ID, nil
}

func (t *Tool) Wait(ctx context.Context, task *model.Task) (*model.Task, error) {
	return t.runner.Await(ctx, task.ID)
}

// Cancel stops the task's goroutine and waits for it to settle. A task
// that is not running in this process is settled directly.
func (t *Tool) Cancel(ctx context.Context, task *model.Task) error {
	if model.IsTerminal(task.Status) {
		return nil
	}
	if t.runner.Cancel(task.ID) {
		_, err := t.runner.Await(ctx, task.ID)
		return err
	}
	_, err := t.runner.Settle(ctx, task, model.StatusCancelled, runner.ErrCancelled.Error())
	return err
}
