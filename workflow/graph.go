// Package workflow rewrites generation-graph documents. A graph maps node ids
// to node objects; each node carries a type tag and an inputs map. Handlers
// route named parameters (prompt, seed, size, frames, paths) into the inputs
// of the node types they recognise, on a copy of the caller's graph.
package workflow

import "strings"

// Graph is an API-format workflow document: node id -> node object.
type Graph map[string]any

// Params holds the named values to inject. A missing key, or a key mapped to
// nil, leaves the corresponding graph fields untouched.
type Params map[string]any

// Node is the view of a single graph node handed to a NodeHandler.
// Handlers may only change Inputs.
type Node struct {
	ID     string
	Type   string
	Title  string
	Inputs map[string]any
}

// Lookup returns the value of the first alias present in p. A nil value
// never reaches the graph, see Preset.Resolve for what null means.
func (p Params) Lookup(aliases ...string) (any, bool) {
	for _, name := range aliases {
		if v, ok := p[name]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether any of the aliases carries a value.
func (p Params) Has(aliases ...string) bool {
	_, ok := p.Lookup(aliases...)
	return ok
}

// Set overwrites field with value, but only when the field already exists.
func (n *Node) Set(field string, value any) bool {
	if _, ok := n.Inputs[field]; !ok {
		return false
	}
	n.Inputs[field] = value
	return true
}

// SetFrom copies the first present alias into every listed field that exists.
func (n *Node) SetFrom(p Params, aliases []string, fields ...string) {
	v, ok := p.Lookup(aliases...)
	if !ok {
		return
	}
	for _, f := range fields {
		n.Set(f, v)
	}
}

// IsNegative reports whether the node title marks it as a negative prompt.
func (n *Node) IsNegative() bool {
	return strings.Contains(strings.ToLower(n.Title), "negative")
}

// Clone returns a deep copy of a JSON-shaped value. Maps and slices are
// copied recursively; scalars are returned as-is.
func Clone(v any) any {
	switch t := v.(type) {
	case Graph:
		return Graph(cloneMap(t))
	case Params:
		return Params(cloneMap(t))
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}

// nodeType reads the type tag of a raw node. The API format uses
// class_type; hand-written templates often use type.
func nodeType(raw map[string]any) string {
	if t, ok := raw["class_type"].(string); ok && t != "" {
		return t
	}
	if t, ok := raw["type"].(string); ok {
		return t
	}
	return ""
}

func nodeTitle(raw map[string]any) string {
	if m, ok := raw["_meta"].(map[string]any); ok {
		if title, ok := m["title"].(string); ok {
			return title
		}
	}
	if title, ok := raw["title"].(string); ok {
		return title
	}
	return ""
}

// Label names node id for humans: its title, else its type, else the id.
func (g Graph) Label(id string) string {
	raw, ok := g[id].(map[string]any)
	if !ok {
		return id
	}
	if title := nodeTitle(raw); title != "" {
		return title
	}
	if t := nodeType(raw); t != "" {
		return t
	}
	return id
}
