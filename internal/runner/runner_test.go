package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/seantiz/kiln/internal/billing"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/retry"
	"github.com/seantiz/kiln/internal/storage"
	"github.com/seantiz/kiln/internal/store"
)

// recordingStore remembers every task write that reached the database.
type recordingStore struct {
	*store.SQLiteStore
	mu     sync.Mutex
	writes []write
}

type write struct {
	Status  string
	Results int
}

func (s *recordingStore) UpdateTask(ctx context.Context, t *model.Task) error {
	err := s.SQLiteStore.UpdateTask(ctx, t)
	if err == nil {
		s.mu.Lock()
		s.writes = append(s.writes, write{Status: t.Status, Results: len(t.Result)})
		s.mu.Unlock()
	}
	return err
}

type harness struct {
	runner *Runner
	store  *recordingStore
	ledger *billing.Ledger
	fs     afero.Fs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	fs := afero.NewMemMapFs()
	files, err := storage.NewLocal(fs, storage.LocalConfig{
		Root:      "/data/files",
		PublicURL: "https://kiln.test",
		Retry:     retry.Config{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxElapsed: time.Second},
	}, log)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	rs := &recordingStore{SQLiteStore: s}
	ledger := billing.New(s, log)
	r := New(Config{
		Store:   rs,
		Ledger:  ledger,
		Storage: files,
		Fs:      fs,
		WorkDir: "/work",
	}, log)
	t.Cleanup(r.Wait)
	return &harness{runner: r, store: rs, ledger: ledger, fs: fs}
}

// submit persists a pending task and charges its cost, as task creation does.
func (h *harness) submit(t *testing.T, outputType string, cost float64, args map[string]any) *model.Task {
	t.Helper()
	ctx := context.Background()
	if err := h.ledger.Grant(ctx, "alice", 100, 0); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := h.ledger.Spend(ctx, "alice", cost); err != nil {
		t.Fatalf("Spend: %v", err)
	}
	task := &model.Task{
		ID:         model.NewID(),
		Tool:       "test",
		OutputType: outputType,
		Args:       args,
		User:       "alice",
		Cost:       cost,
		Status:     model.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

// refunded returns how much of the charge came back to alice.
func (h *harness) refunded(t *testing.T, cost float64) float64 {
	t.Helper()
	l, err := h.ledger.Balance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return l.Balance - (100 - cost)
}

// imageFn writes one image per call and records the seeds it saw.
func (h *harness) imageFn(seeds *[]any) Func {
	var calls int
	return func(ctx context.Context, args map[string]any) (model.Output, error) {
		if seeds != nil {
			*seeds = append(*seeds, args[model.ArgSeed])
		}
		p := fmt.Sprintf("/work/out-%d.png", calls)
		calls++
		if err := afero.WriteFile(h.fs, p, []byte("png"), 0o644); err != nil {
			return model.Output{}, err
		}
		return model.Output{Files: []string{p}}, nil
	}
}

func TestDriveCompletesAllSamples(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, model.OutputImage, 3, map[string]any{model.ArgNSamples: 3, model.ArgSeed: 10})

	var seeds []any
	got, err := h.runner.Drive(context.Background(), task, h.imageFn(&seeds))
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}

	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if diff := cmp.Diff([]any{10, 11, 12}, seeds); diff != "" {
		t.Errorf("seeds (-want +got):\n%s", diff)
	}
	if task.Args[model.ArgSeed] != 10 {
		t.Errorf("task seed mutated to %v", task.Args[model.ArgSeed])
	}
	if len(got.Result) != 3 {
		t.Fatalf("len(Result) = %d, want 3", len(got.Result))
	}
	for _, item := range got.Result {
		if len(item.URL) < len("https://kiln.test/files/") || item.URL[:len("https://kiln.test/files/")] != "https://kiln.test/files/" {
			t.Errorf("result URL = %q, want storage URL", item.URL)
		}
	}

	// running, two partial updates, completed.
	want := []write{
		{model.StatusRunning, 0},
		{model.StatusRunning, 1},
		{model.StatusRunning, 2},
		{model.StatusCompleted, 3},
	}
	if diff := cmp.Diff(want, h.store.writes); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}

	stored, _ := h.store.GetTask(context.Background(), task.ID)
	if stored.Performance.WaitTime < 0 || stored.Performance.RunTime < 0 {
		t.Errorf("Performance = %+v", stored.Performance)
	}
	if r := h.refunded(t, 3); r != 0 {
		t.Errorf("refund = %v, want 0", r)
	}
}

func TestDriveFailureAfterOneSampleRefundsTwoThirds(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, model.OutputImage, 3, map[string]any{model.ArgNSamples: 3})

	ok := h.imageFn(nil)
	calls := 0
	fn := func(ctx context.Context, args map[string]any) (model.Output, error) {
		calls++
		if calls == 2 {
			return model.Output{}, errors.New("out of memory")
		}
		return ok(ctx, args)
	}

	got, err := h.runner.Drive(context.Background(), task, fn)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if got.Status != model.StatusFailed || got.Error != "out of memory" {
		t.Errorf("task = %s/%q, want failed/out of memory", got.Status, got.Error)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if r := h.refunded(t, 3); math.Abs(r-2) > 1e-9 {
		t.Errorf("refund = %v, want 2", r)
	}

	stored, _ := h.store.GetTask(context.Background(), task.ID)
	if len(stored.Result) != 1 {
		t.Errorf("stored partial results = %d, want 1", len(stored.Result))
	}
}

func TestDriveSingleSampleFailureRefundsFullCost(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, model.OutputImage, 4, map[string]any{})

	fn := func(context.Context, map[string]any) (model.Output, error) {
		return model.Output{}, errors.New("boom")
	}
	got, err := h.runner.Drive(context.Background(), task, fn)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if r := h.refunded(t, 4); r != 4 {
		t.Errorf("refund = %v, want 4", r)
	}
}

func TestDriveMissingOutputFails(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, model.OutputImage, 2, map[string]any{})

	fn := func(context.Context, map[string]any) (model.Output, error) {
		return model.Output{}, nil
	}
	got, _ := h.runner.Drive(context.Background(), task, fn)
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if r := h.refunded(t, 2); r != 2 {
		t.Errorf("refund = %v, want 2", r)
	}
}

func TestCancelWithTwoOfFiveDoneRefundsThreeFifths(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, model.OutputImage, 5, map[string]any{model.ArgNSamples: 5})

	ok := h.imageFn(nil)
	started := make(chan struct{})
	calls := 0
	fn := func(ctx context.Context, args map[string]any) (model.Output, error) {
		calls++
		if calls <= 2 {
			return ok(ctx, args)
		}
		close(started)
		<-ctx.Done()
		return model.Output{}, ctx.Err()
	}

	h.runner.Go(task, fn)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("third sample never started")
	}
	if !h.runner.Cancel(task.ID) {
		t.Fatal("Cancel reported task not in flight")
	}

	got, err := h.runner.Await(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
	if len(got.Result) != 2 {
		t.Errorf("len(Result) = %d, want 2", len(got.Result))
	}
	if r := h.refunded(t, 5); math.Abs(r-3) > 1e-9 {
		t.Errorf("refund = %v, want 3", r)
	}
	if h.runner.Cancel(task.ID) {
		t.Error("Cancel after finish reported task in flight")
	}
}

func TestDriveTerminalTaskIsUntouched(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, model.OutputImage, 2, map[string]any{})
	if _, err := h.runner.Settle(context.Background(), task, model.StatusCancelled, "cancelled"); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	called := false
	fn := func(context.Context, map[string]any) (model.Output, error) {
		called = true
		return model.Output{}, nil
	}
	stale := *task
	stale.Status = model.StatusPending
	if _, err := h.runner.Drive(context.Background(), &stale, fn); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Drive error = %v, want ErrInvalidTransition", err)
	}
	if called {
		t.Error("backend ran for a cancelled task")
	}
	// Refunded once by Settle, not again by Drive.
	if r := h.refunded(t, 2); r != 2 {
		t.Errorf("refund = %v, want 2", r)
	}
}

func TestDriveInlineOutput(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, model.OutputString, 1, map[string]any{"prompt": "hi"})

	fn := func(_ context.Context, args map[string]any) (model.Output, error) {
		return model.Output{Value: "echo: " + args["prompt"].(string)}, nil
	}
	got, err := h.runner.Drive(context.Background(), task, fn)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if diff := cmp.Diff([]model.ResultItem{{Value: "echo: hi"}}, got.Result); diff != "" {
		t.Errorf("Result (-want +got):\n%s", diff)
	}
}

func TestCompletedTrainingTaskRecordsLora(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, model.OutputLora, 10, map[string]any{"name": "cat", "base_model": model.BaseModelSD15})

	got, err := h.runner.Drive(context.Background(), task, h.imageFn(nil))
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}

	loras, err := h.store.ListLoras(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListLoras: %v", err)
	}
	if len(loras) != 1 {
		t.Fatalf("len(loras) = %d, want 1", len(loras))
	}
	l := loras[0]
	if l.Slug != "alice/cat/v1" || l.BaseModel != model.BaseModelSD15 || l.TaskID != task.ID {
		t.Errorf("lora = %+v", l)
	}
	if l.Checkpoint != got.Result[0].URL {
		t.Errorf("Checkpoint = %q, want %q", l.Checkpoint, got.Result[0].URL)
	}
}

func TestDrivePublishesEvents(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, model.OutputImage, 2, map[string]any{model.ArgNSamples: 2})

	ch, unsub := h.runner.Broker().Subscribe(task.ID)
	defer unsub()

	if _, err := h.runner.Drive(context.Background(), task, h.imageFn(nil)); err != nil {
		t.Fatalf("Drive: %v", err)
	}

	var statuses []string
	for ev := range ch {
		statuses = append(statuses, ev.Status)
	}
	want := []string{model.StatusRunning, model.StatusRunning, model.StatusCompleted}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestReconcileLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote-png"))
	}))
	defer srv.Close()

	h := newHarness(t)
	task := h.submit(t, model.OutputImage, 3, map[string]any{})
	ctx := context.Background()

	got, err := h.runner.Reconcile(ctx, task, Update{Status: "processing"})
	if err != nil {
		t.Fatalf("Reconcile(processing): %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}

	got, err = h.runner.Reconcile(ctx, got, Update{Status: "succeeded", Output: []string{srv.URL + "/out.png?sig=1"}})
	if err != nil {
		t.Fatalf("Reconcile(succeeded): %v", err)
	}
	if got.Status != model.StatusCompleted || len(got.Result) != 1 {
		t.Fatalf("task = %s with %d results", got.Status, len(got.Result))
	}
	data, err := afero.ReadFile(h.fs, "/data/files/"+got.Result[0].URL[len("https://kiln.test/files/"):])
	if err != nil || string(data) != "remote-png" {
		t.Errorf("stored output = %q, %v", data, err)
	}

	// A late failure report for a finished task changes nothing.
	stored, _ := h.store.GetTask(ctx, task.ID)
	again, err := h.runner.Reconcile(ctx, stored, Update{Status: "failed", Error: "late"})
	if err != nil {
		t.Fatalf("Reconcile(late): %v", err)
	}
	if again.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", again.Status)
	}
	if r := h.refunded(t, 3); r != 0 {
		t.Errorf("refund = %v, want 0", r)
	}
}

func TestReconcileFailureRefundsFullCost(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, model.OutputImage, 3, map[string]any{})

	got, err := h.runner.Reconcile(context.Background(), task, Update{Status: "failed", Error: "NSFW content detected"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got.Status != model.StatusFailed || got.Error != "NSFW content detected" {
		t.Errorf("task = %s/%q", got.Status, got.Error)
	}
	if r := h.refunded(t, 3); r != 3 {
		t.Errorf("refund = %v, want 3", r)
	}
}

func TestReconcileUnknownStatus(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, model.OutputImage, 1, map[string]any{})
	if _, err := h.runner.Reconcile(context.Background(), task, Update{Status: "teleported"}); err == nil {
		t.Error("Reconcile(teleported) succeeded, want error")
	}
}

func TestOffsetSeed(t *testing.T) {
	tests := []struct {
		in     any
		want   any
		wantOK bool
	}{
		{5, 7, true},
		{int64(5), int64(7), true},
		{5.0, 7.0, true},
		{json.Number("5"), int64(7), true},
		{nil, nil, false},
		{"5", nil, false},
	}
	for _, tc := range tests {
		got, ok := offsetSeed(tc.in, 2)
		if ok != tc.wantOK || got != tc.want {
			t.Errorf("offsetSeed(%v, 2) = %v, %v, want %v, %v", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestRemoteExt(t *testing.T) {
	tests := []struct{ ref, want string }{
		{"https://cdn.test/a/b.png", ".png"},
		{"https://cdn.test/a/b.mp4?sig=1", ".mp4"},
		{"http://comfy:8188/view?filename=out_0001.webp&subfolder=&type=output", ".webp"},
		{"https://cdn.test/blob", ""},
	}
	for _, tc := range tests {
		if got := remoteExt(tc.ref); got != tc.want {
			t.Errorf("remoteExt(%q) = %q, want %q", tc.ref, got, tc.want)
		}
	}
}
