package workflow

import (
	"reflect"
	"testing"
)

func node(typ string, inputs any) map[string]any {
	return map[string]any{"class_type": typ, "inputs": inputs}
}

func inputsOf(t *testing.T, g Graph, id string) map[string]any {
	t.Helper()
	raw, ok := g[id].(map[string]any)
	if !ok {
		t.Fatalf("node %s missing or not a mapping: %#v", id, g[id])
	}
	in, ok := raw["inputs"].(map[string]any)
	if !ok {
		t.Fatalf("node %s inputs not a mapping: %#v", id, raw["inputs"])
	}
	return in
}

func TestScenarios(t *testing.T) {
	tests := []struct {
		name   string
		graph  Graph
		params Params
		id     string
		want   map[string]any
	}{
		{
			"prompt-into-text-encode",
			Graph{"1": map[string]any{"type": "TextEncode", "inputs": map[string]any{"text": "old"}}},
			Params{"prompt": "new"},
			"1",
			map[string]any{"text": "new"},
		},
		{
			"random-noise-both-seeds",
			Graph{"1": node("RandomNoise", map[string]any{"noise_seed": 0, "seed": 0})},
			Params{"seed": 42},
			"1",
			map[string]any{"noise_seed": 42, "seed": 42},
		},
		{
			"latent-width-only",
			Graph{"5": node("EmptyLatentImage", map[string]any{"width": 512, "height": 512})},
			Params{"width": 1024},
			"5",
			map[string]any{"width": 1024, "height": 512},
		},
		{
			"unknown-type-fallback",
			Graph{"9": map[string]any{"type": "CustomNode", "inputs": map[string]any{"seed": 1}}},
			Params{"seed": 777},
			"9",
			map[string]any{"seed": 777},
		},
		{
			"inputs-coerced-then-injected",
			Graph{"2": node("CLIPTextEncode", "not-a-dict")},
			Params{"prompt": "hello"},
			"2",
			map[string]any{"text": "hello"},
		},
	}

	for _, tt := range tests {
		test := tt
		t.Run(test.name, func(t *testing.T) {
			before := Clone(test.graph).(Graph)
			got := Apply(test.graph, test.params)
			if in := inputsOf(t, got, test.id); !reflect.DeepEqual(in, test.want) {
				t.Fatalf("got inputs %#v, wanted %#v", in, test.want)
			}
			if !reflect.DeepEqual(test.graph, before) {
				t.Fatalf("input graph was modified: %#v", test.graph)
			}
		})
	}
}

func TestUpdateDocumentPassesThroughNonMapping(t *testing.T) {
	doc := []any{"not", "a", "mapping"}
	got := NewOrchestrator().UpdateDocument(doc, Params{"prompt": "x"})
	if !reflect.DeepEqual(got, doc) {
		t.Fatalf("got %#v, wanted unchanged %#v", got, doc)
	}
}

func TestUpdateKeepsKeysAndTypes(t *testing.T) {
	g := sampleGraph()
	got := Apply(g, Params{"prompt": "a cat", "seed": 5, "steps": 30, "width": 768, "frames": 49})

	if len(got) != len(g) {
		t.Fatalf("got %d nodes, wanted %d", len(got), len(g))
	}
	for id, v := range g {
		raw, ok := v.(map[string]any)
		if !ok {
			continue
		}
		out := got[id].(map[string]any)
		if nodeType(out) != nodeType(raw) {
			t.Errorf("node %s type changed from %q to %q", id, nodeType(raw), nodeType(out))
		}
	}
}

func TestUpdateNeverMutatesTemplate(t *testing.T) {
	g := sampleGraph()
	before := Clone(g).(Graph)
	o := NewOrchestrator()
	for i := 0; i < 3; i++ {
		o.Update(g, Params{"prompt": "x", "seed": i, "width": 64, "startframe_path": "a.png", "frames": 9})
	}
	if !reflect.DeepEqual(g, before) {
		t.Fatal("template graph was modified by Update")
	}
}

func TestUpdateWithNoParamsIsACopy(t *testing.T) {
	g := sampleGraph()
	// Malformed inputs are coerced even with no params; drop them for this check.
	delete(g, "broken")
	got := Apply(g, Params{})
	if !reflect.DeepEqual(got, g) {
		t.Fatalf("got %#v, wanted %#v", got, g)
	}
	got["3"].(map[string]any)["inputs"].(map[string]any)["seed"] = 99
	if inputsOf(t, g, "3")["seed"] == 99 {
		t.Fatal("result shares structure with the input graph")
	}
}

func TestNilParamIsAbsent(t *testing.T) {
	g := Graph{"3": node("KSampler", map[string]any{"seed": 1, "steps": 20})}
	got := Apply(g, Params{"seed": nil, "steps": nil})
	if in := inputsOf(t, got, "3"); in["seed"] != 1 || in["steps"] != 20 {
		t.Fatalf("nil params changed inputs: %#v", in)
	}
}

func TestUnknownTypeOnlySeedTouched(t *testing.T) {
	g := Graph{"7": node("SomeFutureSampler", map[string]any{
		"seed": 1, "noise_seed": 2, "steps": 20, "cfg": 7.0, "text": "keep", "width": 512, "length": 33,
	})}
	got := Apply(g, Params{
		"seed": 11, "steps": 50, "cfg": 2.0, "prompt": "changed", "width": 64, "frames": 81,
	})
	want := map[string]any{
		"seed": 11, "noise_seed": 11, "steps": 20, "cfg": 7.0, "text": "keep", "width": 512, "length": 33,
	}
	if in := inputsOf(t, got, "7"); !reflect.DeepEqual(in, want) {
		t.Fatalf("got %#v, wanted %#v", in, want)
	}
}

func TestSeedReachesEveryNode(t *testing.T) {
	g := sampleGraph()
	got := Apply(g, Params{"seed": 1234})
	for id, v := range g {
		raw, ok := v.(map[string]any)
		if !ok {
			continue
		}
		in, ok := raw["inputs"].(map[string]any)
		if !ok {
			continue
		}
		out := inputsOf(t, got, id)
		for _, f := range []string{"seed", "noise_seed"} {
			if _, has := in[f]; has && out[f] != 1234 {
				t.Errorf("node %s (%s) field %s = %v, wanted 1234", id, nodeType(raw), f, out[f])
			}
		}
	}
}

func TestFallbackOrderDoesNotChangeResult(t *testing.T) {
	params := []Params{
		{"seed": 8},
		{"seed": 8, "steps": 12, "frames": 17, "width": 320},
		{"prompt": "p", "num_frames": 5},
		{},
	}
	last := NewOrchestrator(DefaultHandlers()...)
	handlers := DefaultHandlers()
	first := NewOrchestrator(append([]NodeHandler{handlers[len(handlers)-1]}, handlers[:len(handlers)-1]...)...)

	for _, p := range params {
		a := last.Update(sampleGraph(), p)
		b := first.Update(sampleGraph(), p)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("fallback position changed result for %v:\n%#v\n%#v", p, a, b)
		}
	}
}

func TestAliasPriorityIsStable(t *testing.T) {
	g := Graph{
		"v": node("WanImageToVideo", map[string]any{"width": 832, "height": 480, "length": 81}),
		"s": node("WanVideoSampler", map[string]any{"num_frames": 1, "frame_count": 1, "frames": 1}),
	}
	p := Params{"length": 4, "frame_count": 3, "num_frames": 2, "frames": 1}
	p2 := Params{"length": 4, "frame_count": 3, "num_frames": 2}

	for i := 0; i < 5; i++ {
		got := Apply(g, p)
		if l := inputsOf(t, got, "v")["length"]; l != 1 {
			t.Fatalf("length = %v, wanted frames alias value 1", l)
		}
		got = Apply(g, p2)
		if l := inputsOf(t, got, "v")["length"]; l != 2 {
			t.Fatalf("length = %v, wanted num_frames alias value 2", l)
		}
		want := map[string]any{"num_frames": 2, "frame_count": 2, "frames": 2}
		if in := inputsOf(t, got, "s"); !reflect.DeepEqual(in, want) {
			t.Fatalf("sampler inputs %#v, wanted %#v", in, want)
		}
	}
}

func TestNonMappingNodeLeftAlone(t *testing.T) {
	g := Graph{"x": "just a string", "1": node("KSampler", map[string]any{"seed": 0})}
	got := Apply(g, Params{"seed": 3})
	if got["x"] != "just a string" {
		t.Fatalf("non-mapping node changed: %#v", got["x"])
	}
	if inputsOf(t, got, "1")["seed"] != 3 {
		t.Fatal("seed not injected")
	}
}

func TestMissingInputsGetsEmptyMap(t *testing.T) {
	g := Graph{"1": map[string]any{"class_type": "Note"}}
	got := Apply(g, Params{"seed": 1})
	if in := inputsOf(t, got, "1"); len(in) != 0 {
		t.Fatalf("got %#v, wanted empty inputs", in)
	}
}

type replacingHandler struct{}

func (replacingHandler) Name() string          { return "replacing" }
func (replacingHandler) AppliesTo(string) bool { return true }
func (replacingHandler) Update(n *Node, p Params) {
	n.Inputs = map[string]any{"replaced": true}
}

func TestReplacedInputsArePersisted(t *testing.T) {
	g := Graph{"1": node("Anything", map[string]any{"a": 1})}
	got := NewOrchestrator(replacingHandler{}).Update(g, Params{})
	if in := inputsOf(t, got, "1"); in["replaced"] != true || len(in) != 1 {
		t.Fatalf("got %#v", in)
	}
}

type panickingHandler struct{}

func (panickingHandler) Name() string          { return "panicking" }
func (panickingHandler) AppliesTo(string) bool { return true }
func (panickingHandler) Update(*Node, Params)  { panic("handler bug") }

func TestHandlerPanicPropagates(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected handler panic to reach the caller")
		}
	}()
	NewOrchestrator(panickingHandler{}).Update(Graph{"1": node("A", map[string]any{})}, Params{})
}

func TestObserverSeesAppliedHandlers(t *testing.T) {
	g := Graph{"3": node("KSampler", map[string]any{"seed": 0})}
	var seen []string
	o := NewOrchestrator().WithObserver(func(handler, nodeID, nodeType string) {
		if nodeID != "3" || nodeType != "KSampler" {
			t.Errorf("unexpected node %s/%s", nodeID, nodeType)
		}
		seen = append(seen, handler)
	})
	o.Update(g, Params{"seed": 1})
	want := []string{"sampler", "universal_seed"}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("observer saw %v, wanted %v", seen, want)
	}
}

func TestUpdateNilGraph(t *testing.T) {
	if got := Apply(nil, Params{"seed": 1}); got != nil {
		t.Fatalf("got %#v, wanted nil", got)
	}
}

func sampleGraph() Graph {
	return Graph{
		"1": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": "positive", "clip": []any{"4", 1.0}},
			"_meta":      map[string]any{"title": "CLIP Text Encode (Positive)"},
		},
		"2": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": "blurry", "clip": []any{"4", 1.0}},
			"_meta":      map[string]any{"title": "CLIP Text Encode (Negative)"},
		},
		"3": node("KSampler", map[string]any{
			"seed": 1.0, "steps": 20.0, "cfg": 8.0, "sampler_name": "euler", "scheduler": "normal",
			"denoise": 1.0, "model": []any{"4", 0.0}, "positive": []any{"1", 0.0},
		}),
		"4":      node("CheckpointLoaderSimple", map[string]any{"ckpt_name": "model.safetensors"}),
		"5":      node("EmptyLatentImage", map[string]any{"width": 512.0, "height": 512.0, "batch_size": 1.0}),
		"6":      node("WanImageToVideo", map[string]any{"width": 832.0, "height": 480.0, "length": 81.0}),
		"7":      node("LoadImage", map[string]any{"image": "start.png"}),
		"8":      node("WanVideoSampler", map[string]any{"seed": 0.0, "steps": 30.0, "num_frames": 81.0}),
		"9":      node("RandomNoise", map[string]any{"noise_seed": 0.0}),
		"10":     node("SaveImage", map[string]any{"filename_prefix": "ComfyUI", "images": []any{"8", 0.0}}),
		"11":     node("CustomSampler", map[string]any{"noise_seed": 5.0, "other": "x"}),
		"broken": node("KSampler", "not-a-dict"),
	}
}
