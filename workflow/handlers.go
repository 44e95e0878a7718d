package workflow

// TextPromptHandler writes the prompt into text-encode nodes. Nodes whose
// title marks them as negative receive negative_prompt instead. The text
// slot is written even when the template left it out.
type TextPromptHandler struct{ typeSet }

func NewTextPromptHandler() *TextPromptHandler {
	return &TextPromptHandler{types("CLIPTextEncode", "TextEncode")}
}

func (h *TextPromptHandler) Name() string { return "text_prompt" }

func (h *TextPromptHandler) Update(n *Node, p Params) {
	key := "prompt"
	if n.IsNegative() {
		key = "negative_prompt"
	}
	if v, ok := p.Lookup(key); ok {
		n.Inputs["text"] = v
	}
}

// ImageSaveHandler sets the output filename prefix of image-save nodes.
type ImageSaveHandler struct{ typeSet }

func NewImageSaveHandler() *ImageSaveHandler {
	return &ImageSaveHandler{types("SaveImage", "Image Save")}
}

func (h *ImageSaveHandler) Name() string { return "image_save" }

func (h *ImageSaveHandler) Update(n *Node, p Params) {
	n.SetFrom(p, []string{"filename_prefix"}, "filename_prefix")
}

// VideoSaveHandler sets the output filename prefix of video-save nodes.
type VideoSaveHandler struct{ typeSet }

func NewVideoSaveHandler() *VideoSaveHandler {
	return &VideoSaveHandler{types("SaveVideo", "VHS_VideoCombine", "SaveAnimatedWEBP")}
}

func (h *VideoSaveHandler) Name() string { return "video_save" }

func (h *VideoSaveHandler) Update(n *Node, p Params) {
	n.SetFrom(p, []string{"filename_prefix"}, "filename_prefix")
}

// NoiseSeedHandler seeds random-noise nodes.
type NoiseSeedHandler struct{ typeSet }

func NewNoiseSeedHandler() *NoiseSeedHandler {
	return &NoiseSeedHandler{types("RandomNoise")}
}

func (h *NoiseSeedHandler) Name() string { return "noise_seed" }

func (h *NoiseSeedHandler) Update(n *Node, p Params) {
	n.SetFrom(p, []string{"seed"}, "noise_seed", "seed")
}

// SamplerHandler covers k-sampler nodes.
type SamplerHandler struct{ typeSet }

func NewSamplerHandler() *SamplerHandler {
	return &SamplerHandler{types("KSampler", "KSamplerAdvanced")}
}

func (h *SamplerHandler) Name() string { return "sampler" }

func (h *SamplerHandler) Update(n *Node, p Params) {
	// KSamplerAdvanced names its seed noise_seed.
	n.SetFrom(p, []string{"seed"}, "seed", "noise_seed")
	n.SetFrom(p, []string{"steps"}, "steps")
	n.SetFrom(p, []string{"cfg"}, "cfg")
	n.SetFrom(p, []string{"sampler_name"}, "sampler_name")
	n.SetFrom(p, []string{"scheduler"}, "scheduler")
	n.SetFrom(p, []string{"denoise"}, "denoise")
}

// SchedulerHandler covers basic-scheduler nodes.
type SchedulerHandler struct{ typeSet }

func NewSchedulerHandler() *SchedulerHandler {
	return &SchedulerHandler{types("BasicScheduler")}
}

func (h *SchedulerHandler) Name() string { return "scheduler" }

func (h *SchedulerHandler) Update(n *Node, p Params) {
	n.SetFrom(p, []string{"steps"}, "steps")
	n.SetFrom(p, []string{"scheduler"}, "scheduler")
	n.SetFrom(p, []string{"denoise"}, "denoise")
}

// LatentSizeHandler sizes empty latents and resize nodes. Both the
// lower-case and the single-letter field spellings are honoured.
type LatentSizeHandler struct{ typeSet }

func NewLatentSizeHandler() *LatentSizeHandler {
	return &LatentSizeHandler{types("EmptyLatentImage", "EmptySD3LatentImage", "ImageResize", "ImageResize+")}
}

func (h *LatentSizeHandler) Name() string { return "latent_size" }

func (h *LatentSizeHandler) Update(n *Node, p Params) {
	n.SetFrom(p, []string{"width"}, "width", "W")
	n.SetFrom(p, []string{"height"}, "height", "H")
	n.SetFrom(p, []string{"batch_size"}, "batch_size")
}

// VideoSizeHandler sizes image-to-video latents, frame count included.
type VideoSizeHandler struct{ typeSet }

func NewVideoSizeHandler() *VideoSizeHandler {
	return &VideoSizeHandler{types("WanImageToVideo", "WanFirstLastFrameToVideo")}
}

func (h *VideoSizeHandler) Name() string { return "video_size" }

func (h *VideoSizeHandler) Update(n *Node, p Params) {
	n.SetFrom(p, []string{"width"}, "width")
	n.SetFrom(p, []string{"height"}, "height")
	n.SetFrom(p, FrameAliases, "length")
}

// ImageLoadHandler points image and frame loaders at the start frame.
type ImageLoadHandler struct{ typeSet }

func NewImageLoadHandler() *ImageLoadHandler {
	return &ImageLoadHandler{types("LoadImage", "LoadImageFromPath", "VHS_LoadImagePath")}
}

func (h *ImageLoadHandler) Name() string { return "image_load" }

func (h *ImageLoadHandler) Update(n *Node, p Params) {
	n.SetFrom(p, StartFrameAliases, "image", "filename", "path")
}

// VideoSamplerHandler covers the wrapper video sampler, which takes its
// frame count under any of several field names.
type VideoSamplerHandler struct{ typeSet }

func NewVideoSamplerHandler() *VideoSamplerHandler {
	return &VideoSamplerHandler{types("WanVideoSampler")}
}

func (h *VideoSamplerHandler) Name() string { return "video_sampler" }

func (h *VideoSamplerHandler) Update(n *Node, p Params) {
	n.SetFrom(p, []string{"seed"}, "seed")
	n.SetFrom(p, []string{"steps"}, "steps")
	n.SetFrom(p, VideoSamplerFrameAliases, "num_frames", "frame_count", "frames")
}

// UniversalSeedHandler matches every node type and writes the seed into
// whichever of seed / noise_seed the node already has. It keeps unknown
// sampler types reproducible.
type UniversalSeedHandler struct{}

func NewUniversalSeedHandler() *UniversalSeedHandler { return &UniversalSeedHandler{} }

func (h *UniversalSeedHandler) Name() string { return "universal_seed" }

func (h *UniversalSeedHandler) AppliesTo(string) bool { return true }

func (h *UniversalSeedHandler) Update(n *Node, p Params) {
	n.SetFrom(p, []string{"seed"}, "seed", "noise_seed")
}

// DefaultHandlers returns the built-in chain: specific handlers first, the
// universal seed fallback last.
func DefaultHandlers() []NodeHandler {
	return []NodeHandler{
		NewTextPromptHandler(),
		NewImageSaveHandler(),
		NewVideoSaveHandler(),
		NewNoiseSeedHandler(),
		NewSamplerHandler(),
		NewSchedulerHandler(),
		NewLatentSizeHandler(),
		NewVideoSizeHandler(),
		NewImageLoadHandler(),
		NewVideoSamplerHandler(),
		NewUniversalSeedHandler(),
	}
}
