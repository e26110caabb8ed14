package local_test

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/seantiz/kiln/internal/billing"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/runner"
	"github.com/seantiz/kiln/internal/storage"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/tool"
	"github.com/seantiz/kiln/internal/tool/local"
)

type env struct {
	runner *runner.Runner
	store  *store.SQLiteStore
	ledger *billing.Ledger
	fs     afero.Fs
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	fs := afero.NewMemMapFs()
	files, err := storage.NewLocal(fs, storage.LocalConfig{Root: "/data/files"}, log)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ledger := billing.New(s, log)
	r := runner.New(runner.Config{Store: s, Ledger: ledger, Storage: files, Fs: fs, WorkDir: "/data/work"}, log)
	t.Cleanup(r.Wait)
	return &env{runner: r, store: s, ledger: ledger, fs: fs}
}

func (e *env) build(t *testing.T, function, outputType string, handlers map[string]runner.Func) tool.Tool {
	t.Helper()
	spec, err := tool.ParseSpec([]byte(`
handler: local
function: `+function+`
output_type: `+outputType+`
cost_estimate: n_samples * 2
parameters:
  - {name: prompt, type: string}
  - {name: n_samples, type: integer, default: 1, minimum: 1, maximum: 8}
  - {name: seed, type: integer, default: 0}
`), function)
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	tl, err := local.Factory(e.runner, handlers)(spec)
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	return tl
}

func (e *env) newTask(t *testing.T, tl tool.Tool, args map[string]any) *model.Task {
	t.Helper()
	valid, err := tl.Spec().Schema().Validate(args)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	c, err := tl.Spec().Price(valid)
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	task := &model.Task{
		ID:         model.NewID(),
		Tool:       tl.Spec().Key,
		OutputType: tl.Spec().OutputType,
		Args:       valid,
		User:       "alice",
		Cost:       c,
		Status:     model.StatusPending,
		CreatedAt:  time.Now(),
	}
	if err := e.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestFactoryUnknownFunction(t *testing.T) {
	e := newEnv(t)
	spec, err := tool.ParseSpec([]byte("handler: local\nfunction: nope\noutput_type: string\n"), "nope")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if _, err := local.Factory(e.runner, local.Handlers(e.fs, "/tmp"))(spec); err == nil {
		t.Error("Factory succeeded for unknown function")
	}
}

func TestStartTaskAndWait(t *testing.T) {
	e := newEnv(t)
	tl := e.build(t, "echo", model.OutputString, local.Handlers(e.fs, "/data/work"))
	task := e.newTask(t, tl, map[string]any{"prompt": "hello", "n_samples": 2})

	handler, err := tl.StartTask(context.Background(), task)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if handler != task.ID {
		t.Errorf("handler = %q, want task id", handler)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := tl.Wait(ctx, task)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %q, want completed (error %q)", got.Status, got.Error)
	}
	if len(got.Result) != 2 || got.Result[0].Value != "hello" {
		t.Errorf("result = %+v", got.Result)
	}
}

func TestCancelRunningTask(t *testing.T) {
	e := newEnv(t)
	started := make(chan struct{})
	block := func(ctx context.Context, _ map[string]any) (model.Output, error) {
		close(started)
		<-ctx.Done()
		return model.Output{}, context.Cause(ctx)
	}
	tl := e.build(t, "block", model.OutputString, map[string]runner.Func{"block": block})
	task := e.newTask(t, tl, map[string]any{"prompt": "x"})

	if _, err := tl.StartTask(context.Background(), task); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	<-started
	if err := tl.Cancel(context.Background(), task); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := e.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	bal, _ := e.ledger.Balance(context.Background(), "alice")
	if bal.Balance != 2 {
		t.Errorf("balance = %v, want full refund of 2", bal.Balance)
	}
}

func TestCancelPendingTaskSettles(t *testing.T) {
	e := newEnv(t)
	tl := e.build(t, "echo", model.OutputString, local.Handlers(e.fs, "/data/work"))
	task := e.newTask(t, tl, map[string]any{"prompt": "x", "n_samples": 3})

	if err := tl.Cancel(context.Background(), task); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := e.store.GetTask(context.Background(), task.ID)
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	bal, _ := e.ledger.Balance(context.Background(), "alice")
	if bal.Balance != 6 {
		t.Errorf("balance = %v, want 6", bal.Balance)
	}
}

func TestRunWrapsErrors(t *testing.T) {
	e := newEnv(t)
	tl := e.build(t, "noise", model.OutputImage, local.Handlers(e.fs, "/data/work"))

	_, err := tl.Run(context.Background(), map[string]any{"width": -1})
	var execErr *tool.ExecutionError
	if !errors.As(err, &execErr) || execErr.Backend != tool.HandlerLocal {
		t.Errorf("Run error = %v, want *tool.ExecutionError from local", err)
	}
}

func TestStartTaskFailureIsExecutionError(t *testing.T) {
	e := newEnv(t)
	diskFull := errors.New("disk full")
	boom := func(context.Context, map[string]any) (model.Output, error) {
		return model.Output{}, diskFull
	}
	tl := e.build(t, "boom", model.OutputString, map[string]runner.Func{"boom": boom})
	task := e.newTask(t, tl, map[string]any{"prompt": "x"})

	if _, err := tl.StartTask(context.Background(), task); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := tl.Wait(ctx, task)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	want := (&tool.ExecutionError{Backend: tool.HandlerLocal, Message: "boom", Err: diskFull}).Error()
	if got.Status != model.StatusFailed || got.Error != want {
		t.Errorf("task = %s %q, want failed %q", got.Status, got.Error, want)
	}
}

func TestNoiseIsSeeded(t *testing.T) {
	fs := afero.NewMemMapFs()
	noise := local.Noise(fs, "/work")

	render := func(seed int) []byte {
		t.Helper()
		out, err := noise(context.Background(), map[string]any{"width": 8, "height": 4, "seed": seed})
		if err != nil {
			t.Fatalf("Noise: %v", err)
		}
		if len(out.Files) != 1 {
			t.Fatalf("files = %v", out.Files)
		}
		data, err := afero.ReadFile(fs, out.Files[0])
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("png.Decode: %v", err)
		}
		if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
			t.Errorf("bounds = %v, want 8x4", b)
		}
		return data
	}

	if !bytes.Equal(render(7), render(7)) {
		t.Error("same seed produced different images")
	}
	if bytes.Equal(render(7), render(8)) {
		t.Error("different seeds produced the same image")
	}
}

func TestWordCount(t *testing.T) {
	out, err := local.WordCount(context.Background(), map[string]any{"prompt": "  a quick  brown fox "})
	if err != nil {
		t.Fatalf("WordCount: %v", err)
	}
	if out.Value != 4 {
		t.Errorf("Value = %v, want 4", out.Value)
	}
}
