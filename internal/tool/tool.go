package tool

import (
	"context"
	"fmt"

	"github.com/seantiz/kiln/internal/model"
)

// Backend discriminators accepted in a spec's handler field.
const (
	HandlerLocal     = "local"
	HandlerComfyUI   = "comfyui"
	HandlerReplicate = "replicate"
)

// Tool is the interface that all execution backends must implement.
type Tool interface {
	// Spec returns the declaration the tool was built from.
	Spec() *Spec

	// Run executes a single sample synchronously with validated args.
	Run(ctx context.Context, args map[string]any) (model.Output, error)

	// StartTask dispatches a pending task and returns an opaque handler
	// reference. The task is driven to a terminal state in the background.
	StartTask(ctx context.Context, task *model.Task) (string, error)

	// Wait blocks until the task is terminal or ctx is done.
	Wait(ctx context.Context, task *model.Task) (*model.Task, error)

	// Cancel stops the task on a best-effort basis. The task ends up
	// cancelled and the unfinished share of its cost is refunded.
	Cancel(ctx context.Context, task *model.Task) error
}

// ExecutionError reports a failure inside a backend.
type ExecutionError struct {
	Backend string
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
