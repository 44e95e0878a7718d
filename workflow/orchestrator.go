package workflow

import "genstudio/logger"

// Observer is told about every handler applied to a node.
type Observer func(handler, nodeID, nodeType string)

// Orchestrator runs an ordered handler chain over every node of a graph.
// It holds no per-call state and is safe for concurrent use.
type Orchestrator struct {
	handlers []NodeHandler
	observer Observer
}

// NewOrchestrator builds an orchestrator over handlers, in order. With no
// handlers it uses DefaultHandlers.
func NewOrchestrator(handlers ...NodeHandler) *Orchestrator {
	if len(handlers) == 0 {
		handlers = DefaultHandlers()
	}
	return &Orchestrator{handlers: handlers}
}

// WithObserver returns a copy of o that reports applied handlers to fn.
func (o *Orchestrator) WithObserver(fn Observer) *Orchestrator {
	return &Orchestrator{handlers: o.handlers, observer: fn}
}

// Handlers returns the chain in dispatch order.
func (o *Orchestrator) Handlers() []NodeHandler {
	return append([]NodeHandler(nil), o.handlers...)
}

// Update returns a copy of g with p injected. g is never modified.
func (o *Orchestrator) Update(g Graph, p Params) Graph {
	if g == nil {
		return nil
	}
	return o.UpdateDocument(g, p).(Graph)
}

// UpdateDocument is Update for an arbitrary decoded document. Anything that
// is not a node mapping is returned as an unchanged copy.
func (o *Orchestrator) UpdateDocument(doc any, p Params) any {
	out := Clone(doc)

	var nodes map[string]any
	switch t := out.(type) {
	case Graph:
		nodes = t
	case map[string]any:
		nodes = t
	default:
		logger.Debug("Workflow document is not a node mapping, passing through")
		return out
	}

	for id, v := range nodes {
		raw, ok := v.(map[string]any)
		if !ok {
			continue
		}
		o.updateNode(id, raw, p)
	}
	return out
}

func (o *Orchestrator) updateNode(id string, raw map[string]any, p Params) {
	inputs, ok := raw["inputs"].(map[string]any)
	if !ok {
		inputs = map[string]any{}
	}
	n := &Node{
		ID:     id,
		Type:   nodeType(raw),
		Title:  nodeTitle(raw),
		Inputs: inputs,
	}

	for _, h := range o.handlers {
		if !h.AppliesTo(n.Type) {
			continue
		}
		h.Update(n, p)
		if o.observer != nil {
			o.observer(h.Name(), id, n.Type)
		}
	}

	if n.Inputs == nil {
		n.Inputs = map[string]any{}
	}
	raw["inputs"] = n.Inputs
}

// Apply runs the default chain over g.
func Apply(g Graph, p Params) Graph {
	return NewOrchestrator().Update(g, p)
}
