package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"net/url"
	"reflect"
	"sort"
)

// ValidationError reports a bad, missing or unrecognized argument.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Message)
}

func invalid(field, format string, a ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, a...)}
}

// Schema is the compiled, ordered parameter list of a tool.
type Schema struct {
	params []Parameter
	index  map[string]int
}

// New checks the parameter declarations and compiles them into a Schema.
func New(params []Parameter) (*Schema, error) {
	s := &Schema{
		params: make([]Parameter, len(params)),
		index:  make(map[string]int, len(params)),
	}
	copy(s.params, params)
	for i := range s.params {
		p := &s.params[i]
		if p.Name == "" {
			return nil, fmt.Errorf("parameter %d has no name", i)
		}
		if _, dup := s.index[p.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", p.Name)
		}
		if err := p.check(); err != nil {
			return nil, err
		}
		if p.Default != nil && !p.HasRandomDefault() {
			if _, err := p.normalize(p.Default); err != nil {
				return nil, fmt.Errorf("parameter %q: default: %w", p.Name, err)
			}
		}
		s.index[p.Name] = i
	}
	return s, nil
}

// Parameters returns the declared parameters in order.
func (s *Schema) Parameters() []Parameter {
	return s.params
}

// Lookup returns the named parameter.
func (s *Schema) Lookup(name string) (*Parameter, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return &s.params[i], true
}

// Validate checks raw arguments against the schema. Unknown keys are
// rejected. The result holds every declared parameter; absent optional
// parameters without a default are present with a nil value.
func (s *Schema) Validate(raw map[string]any) (map[string]any, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := s.index[k]; !ok {
			return nil, invalid(k, "unrecognized argument")
		}
	}

	out := make(map[string]any, len(s.params))
	for i := range s.params {
		p := &s.params[i]
		v := raw[p.Name]
		if v == nil {
			def, err := p.defaultValue()
			if err != nil {
				return nil, invalid(p.Name, "%v", err)
			}
			if def == nil {
				if p.Required {
					return nil, invalid(p.Name, "is required")
				}
				out[p.Name] = nil
				continue
			}
			v = def
		}
		nv, err := p.normalize(v)
		if err != nil {
			return nil, invalid(p.Name, "%v", err)
		}
		out[p.Name] = nv
	}
	return out, nil
}

func (p *Parameter) defaultValue() (any, error) {
	if !p.HasRandomDefault() {
		return p.Default, nil
	}
	lo, hi := *p.Minimum, *p.Maximum
	if p.Type == TypeInteger {
		a, b := int64(math.Ceil(lo)), int64(math.Floor(hi))
		if b < a {
			return nil, fmt.Errorf("no integer in [%v, %v]", lo, hi)
		}
		return int(a + rand.Int64N(b-a+1)), nil
	}
	return lo + rand.Float64()*(hi-lo), nil
}

func (p *Parameter) normalize(v any) (any, error) {
	if !p.Array {
		return p.element(v)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected an array of %s, got %T", p.Type, v)
	}
	n := rv.Len()
	if p.MinLength != nil && n < *p.MinLength {
		return nil, fmt.Errorf("expected at least %d items, got %d", *p.MinLength, n)
	}
	if p.MaxLength != nil && n > *p.MaxLength {
		return nil, fmt.Errorf("expected at most %d items, got %d", *p.MaxLength, n)
	}
	out := make([]any, n)
	for i := 0; i < n; i++ {
		e, err := p.element(rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out[i] = e
	}
	return out, nil
}

// element validates one scalar value: type, bounds and choices.
func (p *Parameter) element(v any) (any, error) {
	nv, err := p.scalar(v)
	if err != nil {
		return nil, err
	}
	if p.IsNumeric() {
		f := toFloat(nv)
		if p.Minimum != nil && f < *p.Minimum {
			return nil, fmt.Errorf("%v is below minimum %v", nv, *p.Minimum)
		}
		if p.Maximum != nil && f > *p.Maximum {
			return nil, fmt.Errorf("%v is above maximum %v", nv, *p.Maximum)
		}
	}
	if len(p.choices) > 0 {
		for _, c := range p.choices {
			if c == nv {
				return nv, nil
			}
		}
		return nil, fmt.Errorf("%v is not one of %v", nv, p.choices)
	}
	return nv, nil
}

// scalar coerces v to the Go type of the parameter: bool, int, float64 or string.
func (p *Parameter) scalar(v any) (any, error) {
	switch p.Type {
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", v)
		}
		return b, nil
	case TypeInteger:
		f, ok := number(v)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %T", v)
		}
		if f != math.Trunc(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected integer, got %v", f)
		}
		// float64(math.MaxInt64) rounds up to 2^63, which no int64 holds.
		if f >= math.MaxInt64 || f < math.MinInt64 {
			return nil, fmt.Errorf("integer %v out of range", f)
		}
		return int(f), nil
	case TypeFloat:
		f, ok := number(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected number, got %v", v)
		}
		return f, nil
	default:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		if s == "" && (p.IsFile() || p.Type == TypeLora) {
			return nil, fmt.Errorf("empty %s reference", p.Type)
		}
		if p.IsFile() {
			if err := checkFileURL(s); err != nil {
				return nil, err
			}
		}
		return s, nil
	}
}

// checkFileURL accepts only absolute http(s) URLs. Callers never name files
// on the server.
func checkFileURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid file URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("file reference %q must be an http or https URL", s)
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toFloat(v any) float64 {
	f, _ := number(v)
	return f
}
