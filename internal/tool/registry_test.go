package tool_test

import (
	"context"
	"errors"
	"testing"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/tool"
)

// stubTool is a minimal Tool for registry tests.
type stubTool struct {
	spec *tool.Spec
}

func (s *stubTool) Spec() *tool.Spec { return s.spec }

func (s *stubTool) Run(context.Context, map[string]any) (model.Output, error) {
	return model.Output{Value: "ok"}, nil
}

func (s *stubTool) StartTask(_ context.Context, task *model.Task) (string, error) {
	return task.ID, nil
}

func (s *stubTool) Wait(_ context.Context, task *model.Task) (*model.Task, error) {
	return task, nil
}

func (s *stubTool) Cancel(context.Context, *model.Task) error { return nil }

var _ tool.Tool = (*stubTool)(nil)

func stubSpec(t *testing.T, key, handler string) *tool.Spec {
	t.Helper()
	s, err := tool.ParseSpec([]byte("handler: "+handler+"\nfunction: f\nworkflow: w.json\nmodel: a/b\noutput_type: string\n"), key)
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	return s
}

func TestRegistryRegisterAndList(t *testing.T) {
	reg := tool.NewRegistry()
	for _, key := range []string{"upscale", "caption", "txt2img"} {
		if err := reg.Register(&stubTool{spec: stubSpec(t, key, tool.HandlerLocal)}); err != nil {
			t.Fatalf("Register(%s): %v", key, err)
		}
	}

	list := reg.List()
	var keys []string
	for _, s := range list {
		keys = append(keys, s.Key)
	}
	want := []string{"caption", "txt2img", "upscale"}
	if len(keys) != len(want) {
		t.Fatalf("List() returned %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	reg := tool.NewRegistry()
	if err := reg.Register(&stubTool{spec: stubSpec(t, "a", tool.HandlerLocal)}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(&stubTool{spec: stubSpec(t, "a", tool.HandlerLocal)}); err == nil {
		t.Error("duplicate Register succeeded")
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(&stubTool{spec: stubSpec(t, "caption", tool.HandlerLocal)})

	tl, err := reg.Resolve("caption")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tl.Spec().Key != "caption" {
		t.Errorf("resolved key = %q", tl.Spec().Key)
	}

	if _, err := reg.Resolve("missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Resolve(missing) error = %v, want ErrNotFound", err)
	}
}

func TestBuildPicksFactoryByHandler(t *testing.T) {
	var built []string
	factory := func(kind string) tool.Factory {
		return func(s *tool.Spec) (tool.Tool, error) {
			built = append(built, kind+":"+s.Key)
			return &stubTool{spec: s}, nil
		}
	}
	specs := []*tool.Spec{
		stubSpec(t, "echo", tool.HandlerLocal),
		stubSpec(t, "sdxl", tool.HandlerComfyUI),
	}

	reg, err := tool.Build(specs, map[string]tool.Factory{
		tool.HandlerLocal:   factory("local"),
		tool.HandlerComfyUI: factory("comfyui"),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(reg.List()) != 2 || built[0] != "local:echo" || built[1] != "comfyui:sdxl" {
		t.Errorf("built = %v", built)
	}

	_, err = tool.Build(append(specs, stubSpec(t, "up", tool.HandlerReplicate)), map[string]tool.Factory{
		tool.HandlerLocal:   factory("local"),
		tool.HandlerComfyUI: factory("comfyui"),
	})
	if err == nil {
		t.Error("Build succeeded without a replicate factory")
	}
}

func TestBuildPropagatesFactoryError(t *testing.T) {
	boom := errors.New("boom")
	_, err := tool.Build([]*tool.Spec{stubSpec(t, "echo", tool.HandlerLocal)}, map[string]tool.Factory{
		tool.HandlerLocal: func(*tool.Spec) (tool.Tool, error) { return nil, boom },
	})
	if !errors.Is(err, boom) {
		t.Errorf("Build error = %v, want boom", err)
	}
}
