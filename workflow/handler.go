package workflow

// NodeHandler routes parameters into the inputs of the node types it
// recognises. Update must leave inputs untouched for absent parameters.
type NodeHandler interface {
	Name() string
	AppliesTo(nodeType string) bool
	Update(n *Node, p Params)
}

// Alias priority lists. The first alias present in Params wins.
var (
	FrameAliases             = []string{"frames", "num_frames", "frame_count", "length"}
	VideoSamplerFrameAliases = []string{"frames", "num_frames", "frame_count"}
	StartFrameAliases        = []string{"startframe_path", "start_frame_path", "image_path"}
)

// typeSet gives type-specific handlers their AppliesTo predicate.
type typeSet map[string]struct{}

func types(tags ...string) typeSet {
	s := make(typeSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

func (s typeSet) AppliesTo(nodeType string) bool {
	_, ok := s[nodeType]
	return ok
}

// Types returns the recognised tags, mostly for listing and tests.
func (s typeSet) Types() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	return out
}
