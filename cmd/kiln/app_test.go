package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/model"
)

const upscaleSpec = `
name: Upscale
handler: replicate
model: acme/upscale
output_type: image
cost_estimate: scale
parameters:
  - {name: image, type: image, required: true}
  - {name: scale, type: integer, default: 2}
`

const txt2imgSpec = `
handler: comfyui
workflow: txt2img.json
output_type: image
cost_estimate: "1"
parameters:
  - {name: prompt, type: string, comfyui: {node_id: 6, field: inputs, subfield: text}}
`

// fakeReplicate serves one prediction that succeeds on its first poll.
type fakeReplicate struct {
	mu     sync.Mutex
	base   string
	inputs []map[string]any
}

func (f *fakeReplicate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/models/acme/upscale/predictions":
		var body struct {
			Input map[string]any `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.inputs = append(f.inputs, body.Input)
		json.NewEncoder(w).Encode(map[string]any{"id": "p1", "status": "starting"})
	case r.Method == http.MethodGet && r.URL.Path == "/v1/predictions/p1":
		json.NewEncoder(w).Encode(map[string]any{"id": "p1", "status": "succeeded", "output": []string{f.base + "/out/big.png"}})
	case r.URL.Path == "/out/big.png":
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG big"))
	default:
		http.NotFound(w, r)
	}
}

func testConfig(replicateURL string) config.Config {
	return config.Config{
		DBPath:         ":memory:",
		ToolsDir:       "/tools",
		DataDir:        "/data",
		PublicURL:      "https://kiln.test",
		ReplicateURL:   replicateURL,
		ReplicateToken: "r8_test",
		Storage:        config.StorageLocal,
		OTelExporter:   "none",
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestAppRunsRemoteTaskEndToEnd(t *testing.T) {
	fake := &fakeReplicate{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	fake.mu.Lock()
	fake.base = srv.URL
	fake.mu.Unlock()

	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/tools/upscale.yaml", []byte(upscaleSpec), 0o644)
	afero.WriteFile(fs, "/tools/txt2img.yaml", []byte(txt2imgSpec), 0o644)

	ctx := context.Background()
	a, err := newApp(ctx, testConfig(srv.URL), fs, io.Discard, quietLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close(ctx)

	// Without a ComfyUI address the workflow tool is left out.
	var keys []string
	for _, s := range a.engine.Tools() {
		keys = append(keys, s.Key)
	}
	if strings.Join(keys, ",") != "upscale" {
		t.Fatalf("tools = %v, want only upscale", keys)
	}

	if err := a.ledger.Grant(ctx, "alice", 5, 0); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	task, err := a.engine.CreateTask(ctx, "upscale", map[string]any{"image": "https://cdn.test/small.png", "scale": 3}, "alice")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := a.engine.Wait(wctx, task.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.Status != model.StatusCompleted || len(done.Result) != 1 {
		t.Fatalf("task = %s %+v (%s)", done.Status, done.Result, done.Error)
	}

	url := done.Result[0].URL
	if !strings.HasPrefix(url, "https://kiln.test/files/") || !strings.HasSuffix(url, ".png") {
		t.Errorf("url = %q", url)
	}
	data, err := afero.ReadFile(fs, path.Join("/data/files", path.Base(url)))
	if err != nil {
		t.Fatalf("stored file: %v", err)
	}
	if string(data) != "\x89PNG big" {
		t.Errorf("stored %q", data)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.inputs) != 1 || fake.inputs[0]["scale"] != float64(3) {
		t.Errorf("prediction inputs = %v", fake.inputs)
	}

	l, err := a.ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if l.Available() != 2 {
		t.Errorf("balance = %v, want 2", l.Available())
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	cfg.Storage = "tape"
	if _, err := newApp(context.Background(), cfg, afero.NewMemMapFs(), io.Discard, quietLogger()); err == nil {
		t.Error("newApp succeeded with unknown storage")
	}
}

func TestNewAppFailsOnBadSpec(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/tools/bad.yaml", []byte("handler: local\nfunction: nope\noutput_type: string\n"), 0o644)

	if _, err := newApp(context.Background(), testConfig(""), fs, io.Discard, quietLogger()); err == nil {
		t.Error("newApp succeeded with an unknown local function")
	}
}
