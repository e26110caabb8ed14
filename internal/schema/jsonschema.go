package schema

import (
	"encoding/json"
	"strconv"

	"github.com/invopop/jsonschema"
)

// JSONSchema renders the parameters as a JSON Schema object, the shape LLM
// tool-calling APIs expect for a tool's input.
func (s *Schema) JSONSchema() *jsonschema.Schema {
	root := &jsonschema.Schema{
		Type:                 "object",
		Properties:           jsonschema.NewProperties(),
		AdditionalProperties: jsonschema.FalseSchema,
	}
	for i := range s.params {
		p := &s.params[i]
		prop := p.elementSchema()
		if p.Array {
			prop = &jsonschema.Schema{
				Type:  "array",
				Items: prop,
			}
			if p.MinLength != nil {
				n := uint64(*p.MinLength)
				prop.MinItems = &n
			}
			if p.MaxLength != nil {
				n := uint64(*p.MaxLength)
				prop.MaxItems = &n
			}
		}
		prop.Title = p.Label
		prop.Description = p.Description
		if p.Default != nil && !p.HasRandomDefault() {
			prop.Default = p.Default
		}
		root.Properties.Set(p.Name, prop)
		if p.Required {
			root.Required = append(root.Required, p.Name)
		}
	}
	return root
}

func (p *Parameter) elementSchema() *jsonschema.Schema {
	s := &jsonschema.Schema{}
	switch p.Type {
	case TypeBoolean:
		s.Type = "boolean"
	case TypeInteger:
		s.Type = "integer"
	case TypeFloat:
		s.Type = "number"
	case TypeString, TypeLora:
		s.Type = "string"
	default:
		s.Type = "string"
		s.Format = "uri"
	}
	if p.Minimum != nil {
		s.Minimum = json.Number(strconv.FormatFloat(*p.Minimum, 'f', -1, 64))
	}
	if p.Maximum != nil {
		s.Maximum = json.Number(strconv.FormatFloat(*p.Maximum, 'f', -1, 64))
	}
	if len(p.choices) > 0 {
		s.Enum = append([]any(nil), p.choices...)
	}
	return s
}
