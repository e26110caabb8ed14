// Package comfyui runs tools as ComfyUI node-graph workflows. Task
// arguments are injected into the tool's workflow, the graph is queued and
// its history polled until the outputs are ready.
package comfyui

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/seantiz/kiln/internal/graph"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/observability"
	"github.com/seantiz/kiln/internal/runner"
	"github.com/seantiz/kiln/internal/tool"
)

const (
	defaultPollInterval = time.Second
	queueTimeout        = 30 * time.Second
)

// Config holds the collaborators of comfyui tools.
type Config struct {
	Client       *Client
	Injector     *graph.Injector
	Runner       *runner.Runner
	PollInterval time.Duration
}

// Tool runs one workflow.
type Tool struct {
	spec   *tool.Spec
	client *Client
	inj    *graph.Injector
	runner *runner.Runner
	poll   time.Duration
	log    logrus.FieldLogger
}

var _ tool.Tool = (*Tool)(nil)

// Factory returns a tool.Factory for comfyui specs. The workflow is loaded
// once to fail fast on a missing or malformed file or a binding that
// does not match it.
func Factory(cfg Config, log logrus.FieldLogger) tool.Factory {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return func(spec *tool.Spec) (tool.Tool, error) {
		g, err := cfg.Injector.Load(spec.WorkflowPath())
		if err != nil {
			return nil, err
		}
		if err := graph.CheckBindings(g, spec.Parameters); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", spec.Workflow, err)
		}
		return &Tool{
			spec:   spec,
			client: cfg.Client,
			inj:    cfg.Injector,
			runner: cfg.Runner,
			poll:   poll,
			log:    log.WithFields(logrus.Fields{"component": "comfyui", "tool": spec.Key}),
		}, nil
	}
}

func (t *Tool) Spec() *tool.Spec {
	return t.spec
}

// Run injects args into the workflow, executes it and returns the URLs of
// the files it produced.
func (t *Tool) Run(ctx context.Context, args map[string]any) (model.Output, error) {
	ctx, span := observability.StartSpan(ctx, "comfyui.run", attribute.String("tool", t.spec.Key))
	defer span.End()

	g, err := t.inj.Load(t.spec.WorkflowPath())
	if err != nil {
		return model.Output{}, t.fail("load workflow", err)
	}
	g, err = t.inj.Inject(ctx, g, t.spec.Parameters, args)
	if err != nil {
		return model.Output{}, t.fail("inject arguments", err)
	}

	// The submission is not cut short by cancellation: once ComfyUI has
	// accepted the prompt its id is needed to interrupt it.
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queueTimeout)
	promptID, err := t.client.Queue(qctx, g)
	cancel()
	if err != nil {
		return model.Output{}, t.fail("submit workflow", err)
	}
	log := t.log.WithField("prompt_id", promptID)
	log.Debug("workflow queued")

	if ctx.Err() != nil {
		t.interrupt(ctx, log, promptID)
		return model.Output{}, context.Cause(ctx)
	}
	h, err := t.await(ctx, promptID)
	if err != nil {
		if ctx.Err() != nil {
			t.interrupt(ctx, log, promptID)
			return model.Output{}, context.Cause(ctx)
		}
		return model.Output{}, t.fail("poll workflow", err)
	}
	if h.Failed() {
		return model.Output{}, t.fail(h.ErrorMessage(), nil)
	}

	files := h.Files(t.spec.OutputNode)
	if len(files) == 0 {
		return model.Output{}, t.fail("workflow produced no output files", nil)
	}
	var out model.Output
	for _, f := range files {
		out.Files = append(out.Files, t.client.ViewURL(f))
	}
	log.WithField("files", len(out.Files)).Debug("workflow finished")
	return out, nil
}

func (t *Tool) interrupt(ctx context.Context, log logrus.FieldLogger, promptID string) {
	if err := t.client.Interrupt(context.WithoutCancel(ctx), promptID); err != nil {
		log.WithError(err).Warn("failed to interrupt workflow")
		return
	}
	log.Info("workflow interrupted")
}

func (t *Tool) await(ctx context.Context, promptID string) (*History, error) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	for {
		h, err := t.client.History(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

func (t *Tool) fail(msg string, err error) error {
	var artifact *graph.ArtifactError
	if errors.As(err, &artifact) {
		msg = "install lora"
	}
	if err == nil {
		return &tool.ExecutionError{Backend: tool.HandlerComfyUI, Message: msg}
	}
	return &tool.ExecutionError{Backend: tool.HandlerComfyUI, Message: msg, Err: err}
}

func (t *Tool) StartTask(_ context.Context, task *model.Task) (string, error) {
	t.runner.Go(task, t.Run)
	return task.ID, nil
}

func (t *Tool) Wait(ctx context.Context, task *model.Task) (*model.Task, error) {
	return t.runner.Await(ctx, task.ID)
}

func (t *Tool) Cancel(ctx context.Context, task *model.Task) error {
	if model.IsTerminal(task.Status) {
		return nil
	}
	if t.runner.Cancel(task.ID) {
		if _, err := t.runner.Await(ctx, task.ID); err != nil {
			return fmt.Errorf("await cancelled task: %w", err)
		}
		return nil
	}
	_, err := t.runner.Settle(ctx, task, model.StatusCancelled, runner.ErrCancelled.Error())
	return err
}
