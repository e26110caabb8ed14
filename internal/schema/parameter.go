package schema

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parameter types.
const (
	TypeBoolean = "boolean"
	TypeInteger = "integer"
	TypeFloat   = "float"
	TypeString  = "string"
	TypeImage   = "image"
	TypeVideo   = "video"
	TypeAudio   = "audio"
	TypeZip     = "zip"
	TypeLora    = "lora"
)

// RandomDefault is the default literal that asks for a value sampled
// uniformly between Minimum and Maximum each time arguments are validated.
const RandomDefault = "random"

// Preprocessing transforms applied to a value before graph injection.
const (
	PreprocessCSV    = "csv"
	PreprocessConcat = "concat"
	PreprocessFolder = "folder"
)

// Parameter declares one tool input.
type Parameter struct {
	Name        string   `yaml:"name" json:"name"`
	Label       string   `yaml:"label,omitempty" json:"label,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Type        string   `yaml:"type" json:"type"`
	Array       bool     `yaml:"array,omitempty" json:"array,omitempty"`
	Required    bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any      `yaml:"default,omitempty" json:"default,omitempty"`
	Minimum     *float64 `yaml:"minimum,omitempty" json:"minimum,omitempty"`
	Maximum     *float64 `yaml:"maximum,omitempty" json:"maximum,omitempty"`
	MinLength   *int     `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength   *int     `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Choices     []any    `yaml:"choices,omitempty" json:"choices,omitempty"`

	// Comfyui binds the parameter to node fields of a node-graph workflow.
	Comfyui *Binding `yaml:"comfyui,omitempty" json:"-"`

	choices []any
}

// IsFile reports whether the parameter carries file URLs.
func (p *Parameter) IsFile() bool {
	switch p.Type {
	case TypeImage, TypeVideo, TypeAudio, TypeZip:
		return true
	}
	return false
}

// IsNumeric reports whether the parameter holds numbers.
func (p *Parameter) IsNumeric() bool {
	return p.Type == TypeInteger || p.Type == TypeFloat
}

// HasRandomDefault reports whether the default is sampled per validation.
func (p *Parameter) HasRandomDefault() bool {
	s, ok := p.Default.(string)
	return ok && s == RandomDefault
}

// NormalizedChoices returns the choice set normalized to the parameter type.
func (p *Parameter) NormalizedChoices() []any {
	return p.choices
}

// NodeID is a graph node identifier. Workflow files key nodes by numeric
// strings, so YAML integers are accepted and kept as text.
type NodeID string

// UnmarshalYAML accepts any scalar.
func (n *NodeID) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("node_id must be a scalar, got %v", value.Tag)
	}
	*n = NodeID(value.Value)
	return nil
}

// Binding declares where a parameter value is written inside a graph.
type Binding struct {
	NodeID        NodeID        `yaml:"node_id"`
	Field         string        `yaml:"field"`
	Subfield      string        `yaml:"subfield"`
	Preprocessing string        `yaml:"preprocessing,omitempty"`
	Remap         []RemapTarget `yaml:"remap,omitempty"`
}

// Subfields splits the comma-separated subfield list.
func (b *Binding) Subfields() []string {
	var out []string
	for _, s := range strings.Split(b.Subfield, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RemapTarget writes a translated value to a second node when the bound
// parameter is set. Map is keyed by the parameter's choices.
type RemapTarget struct {
	NodeID   NodeID         `yaml:"node_id"`
	Field    string         `yaml:"field"`
	Subfield string         `yaml:"subfield"`
	Map      map[string]any `yaml:"map"`
}

func (p *Parameter) check() error {
	switch p.Type {
	case TypeBoolean, TypeInteger, TypeFloat, TypeString,
		TypeImage, TypeVideo, TypeAudio, TypeZip, TypeLora:
	default:
		return fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
	}
	if p.Minimum != nil && p.Maximum != nil && *p.Minimum > *p.Maximum {
		return fmt.Errorf("parameter %q: minimum %v exceeds maximum %v", p.Name, *p.Minimum, *p.Maximum)
	}
	if p.HasRandomDefault() {
		if !p.IsNumeric() || p.Array {
			return fmt.Errorf("parameter %q: random default requires a numeric scalar", p.Name)
		}
		if p.Minimum == nil || p.Maximum == nil {
			return fmt.Errorf("parameter %q: random default requires minimum and maximum", p.Name)
		}
	}
	p.choices = p.choices[:0]
	for _, c := range p.Choices {
		v, err := p.scalar(c)
		if err != nil {
			return fmt.Errorf("parameter %q: choice %v: %w", p.Name, c, err)
		}
		p.choices = append(p.choices, v)
	}
	if b := p.Comfyui; b != nil {
		if b.NodeID == "" || b.Field == "" || len(b.Subfields()) == 0 {
			return fmt.Errorf("parameter %q: comfyui binding needs node_id, field and subfield", p.Name)
		}
		switch b.Preprocessing {
		case "", PreprocessCSV, PreprocessConcat, PreprocessFolder:
		default:
			return fmt.Errorf("parameter %q: unknown preprocessing %q", p.Name, b.Preprocessing)
		}
	}
	return nil
}
