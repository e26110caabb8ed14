package graph

import (
	"encoding/json"
	"fmt"
)

// Graph is a workflow keyed by node id. Each node is a JSON object whose
// fields (typically "inputs") are objects of subfield values.
type Graph map[string]any

// Parse decodes a workflow document.
func Parse(data []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	if g == nil {
		return nil, fmt.Errorf("parse graph: empty document")
	}
	return g, nil
}

// Clone returns a deep copy of g.
func (g Graph) Clone() Graph {
	return deepCopy(map[string]any(g)).(map[string]any)
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case Graph:
		return deepCopy(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

// field returns the object at node/field.
func (g Graph) field(nodeID, field string) (map[string]any, error) {
	node, ok := g[nodeID].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("node %q not found", nodeID)
	}
	f, ok := node[field].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("node %q has no field %q", nodeID, field)
	}
	return f, nil
}

// Lookup returns the value at node/field/subfield.
func (g Graph) Lookup(nodeID, field, subfield string) (any, bool) {
	f, err := g.field(nodeID, field)
	if err != nil {
		return nil, false
	}
	v, ok := f[subfield]
	return v, ok
}
