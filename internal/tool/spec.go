package tool

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/kiln/internal/cost"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/schema"
)

// Spec is a tool declaration loaded from YAML.
type Spec struct {
	Key          string `yaml:"key" json:"key"`
	Name         string `yaml:"name" json:"name"`
	Description  string `yaml:"description,omitempty" json:"description,omitempty"`
	OutputType   string `yaml:"output_type" json:"output_type"`
	CostEstimate string `yaml:"cost_estimate" json:"cost_estimate"`
	Handler      string `yaml:"handler" json:"handler"`

	// Workflow is the graph file run by comfyui tools, relative to the
	// spec's directory unless absolute.
	Workflow   string `yaml:"workflow,omitempty" json:"-"`
	OutputNode string `yaml:"output_node,omitempty" json:"-"`

	// Model and Version select a replicate prediction.
	Model   string `yaml:"model,omitempty" json:"-"`
	Version string `yaml:"version,omitempty" json:"-"`

	// Function names the in-process handler of a local tool.
	Function string `yaml:"function,omitempty" json:"-"`

	Parameters []schema.Parameter `yaml:"parameters" json:"-"`

	dir    string
	schema *schema.Schema
	cost   *cost.Expr
}

// Schema returns the compiled parameter schema.
func (s *Spec) Schema() *schema.Schema {
	return s.schema
}

// Price evaluates the cost formula against validated args.
func (s *Spec) Price(args map[string]any) (float64, error) {
	c, err := s.cost.Eval(args)
	if err != nil {
		return 0, fmt.Errorf("price %s: %w", s.Key, err)
	}
	return c, nil
}

// WorkflowPath resolves Workflow against the spec's directory.
func (s *Spec) WorkflowPath() string {
	if s.Workflow == "" || filepath.IsAbs(s.Workflow) {
		return s.Workflow
	}
	return filepath.Join(s.dir, s.Workflow)
}

// ParseSpec decodes and compiles a single spec document. An empty key is
// taken from fallbackKey.
func ParseSpec(data []byte, fallbackKey string) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse tool spec: %w", err)
	}
	if s.Key == "" {
		s.Key = fallbackKey
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Spec) compile() error {
	if s.Key == "" {
		return fmt.Errorf("tool spec: missing key")
	}
	switch s.Handler {
	case HandlerLocal:
		if s.Function == "" {
			return fmt.Errorf("tool %s: local handler needs a function", s.Key)
		}
	case HandlerComfyUI:
		if s.Workflow == "" {
			return fmt.Errorf("tool %s: comfyui handler needs a workflow", s.Key)
		}
	case HandlerReplicate:
		if s.Model == "" && s.Version == "" {
			return fmt.Errorf("tool %s: replicate handler needs a model or version", s.Key)
		}
	default:
		return fmt.Errorf("tool %s: unknown handler %q", s.Key, s.Handler)
	}
	switch s.OutputType {
	case model.OutputString, model.OutputMessage, model.OutputImage, model.OutputVideo,
		model.OutputAudio, model.OutputZip, model.OutputLora:
	default:
		return fmt.Errorf("tool %s: unknown output type %q", s.Key, s.OutputType)
	}
	if s.CostEstimate == "" {
		s.CostEstimate = "0"
	}

	sch, err := schema.New(s.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s: %w", s.Key, err)
	}
	expr, err := cost.Compile(s.CostEstimate)
	if err != nil {
		return fmt.Errorf("tool %s: cost estimate: %w", s.Key, err)
	}
	s.schema = sch
	s.cost = expr
	return nil
}

// LoadDir loads every *.yaml and *.yml spec in dir. Keys default to the
// file name without extension and must be unique.
func LoadDir(fs afero.Fs, dir string) ([]*Spec, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("read tools dir: %w", err)
	}

	var specs []*Spec
	seen := make(map[string]string)
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		s, err := ParseSpec(data, strings.TrimSuffix(e.Name(), ext))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if prev, ok := seen[s.Key]; ok {
			return nil, fmt.Errorf("%s: tool %q already declared in %s", path, s.Key, prev)
		}
		seen[s.Key] = path
		s.dir = dir
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Key < specs[j].Key
	})
	return specs, nil
}
