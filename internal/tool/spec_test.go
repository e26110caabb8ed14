package tool_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/seantiz/kiln/internal/schema"
	"github.com/seantiz/kiln/internal/tool"
)

const txt2img = `
name: Text to image
description: SDXL text to image
handler: comfyui
workflow: workflows/txt2img.json
output_type: image
cost_estimate: n_samples * (width * height / 1048576)
parameters:
  - name: prompt
    type: string
    required: true
  - name: width
    type: integer
    default: 1024
  - name: height
    type: integer
    default: 1024
  - name: n_samples
    type: integer
    default: 2
    minimum: 1
    maximum: 4
`

func TestLoadDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/tools/txt2img.yaml", []byte(txt2img), 0o644)
	afero.WriteFile(fs, "/tools/echo.yml", []byte("key: say\nhandler: local\nfunction: echo\noutput_type: string\n"), 0o644)
	afero.WriteFile(fs, "/tools/README.md", []byte("# tools"), 0o644)
	fs.MkdirAll("/tools/workflows", 0o755)

	specs, err := tool.LoadDir(fs, "/tools")
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(specs) != 2 || specs[0].Key != "say" || specs[1].Key != "txt2img" {
		t.Fatalf("specs = %+v", specs)
	}

	img := specs[1]
	if img.WorkflowPath() != "/tools/workflows/txt2img.json" {
		t.Errorf("WorkflowPath = %q", img.WorkflowPath())
	}
	args, err := img.Schema().Validate(map[string]any{"prompt": "a fox"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	price, err := img.Price(args)
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if price != 2 {
		t.Errorf("price = %v, want 2", price)
	}

	if specs[0].CostEstimate != "0" {
		t.Errorf("default cost estimate = %q, want 0", specs[0].CostEstimate)
	}
}

func TestLoadDirRejectsDuplicateKeys(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/tools/a.yaml", []byte("key: x\nhandler: local\nfunction: echo\noutput_type: string\n"), 0o644)
	afero.WriteFile(fs, "/tools/b.yaml", []byte("key: x\nhandler: local\nfunction: echo\noutput_type: string\n"), 0o644)

	_, err := tool.LoadDir(fs, "/tools")
	if err == nil || !strings.Contains(err.Error(), "already declared") {
		t.Errorf("LoadDir error = %v, want duplicate key error", err)
	}
}

func TestParseSpecErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "handler: [local"},
		{"unknown handler", "handler: lambda\noutput_type: string\n"},
		{"local without function", "handler: local\noutput_type: string\n"},
		{"comfyui without workflow", "handler: comfyui\noutput_type: image\n"},
		{"replicate without model", "handler: replicate\noutput_type: image\n"},
		{"unknown output type", "handler: local\nfunction: echo\noutput_type: hologram\n"},
		{"bad cost formula", "handler: local\nfunction: echo\noutput_type: string\ncost_estimate: 2 *\n"},
		{"bad parameter", "handler: local\nfunction: echo\noutput_type: string\nparameters:\n  - {name: a, type: matrix}\n"},
	}
	for _, tc := range tests {
		if _, err := tool.ParseSpec([]byte(tc.doc), "k"); err == nil {
			t.Errorf("%s: ParseSpec succeeded, want error", tc.name)
		}
	}
}

func TestPriceRejectsBadArgs(t *testing.T) {
	s, err := tool.ParseSpec([]byte("handler: local\nfunction: echo\noutput_type: string\ncost_estimate: style * 2\nparameters:\n  - {name: style, type: string}\n"), "k")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	args, err := s.Schema().Validate(map[string]any{"style": "anime"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := s.Price(args); err == nil {
		t.Error("Price succeeded on a string operand")
	}

	_, err = s.Schema().Validate(map[string]any{"foo": 1})
	var verr *schema.ValidationError
	if !errors.As(err, &verr) || verr.Field != "foo" {
		t.Errorf("Validate error = %v, want ValidationError on foo", err)
	}
}

func TestExecutionErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&tool.ExecutionError{Backend: tool.HandlerComfyUI, Message: "submit workflow", Err: cause})
	if !errors.Is(err, cause) {
		t.Error("ExecutionError does not unwrap to its cause")
	}
	if err.Error() != "comfyui: submit workflow: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
}
