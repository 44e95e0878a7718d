// Package generate runs one workflow end to end: template, preset, prompt
// enhancement, injection, submission, progress and output download.
package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"genstudio/comfyui"
	"genstudio/history"
	"genstudio/logger"
	"genstudio/metrics"
	"genstudio/settings"
	"genstudio/workflow"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
)

var ErrRejectedPrompt = errors.New("prompt contains a blocked word")

// PromptEnhancer rewrites a user prompt before injection.
type PromptEnhancer interface {
	Enabled() bool
	Enhance(ctx context.Context, prompt string) (string, error)
}

// UploadPolicy says which local start frames a request may send to the
// engine.
type UploadPolicy int

const (
	// UploadFromInputDir uploads only files inside Studio.InputDir.
	UploadFromInputDir UploadPolicy = iota
	// UploadAnyFile uploads any readable local file.
	UploadAnyFile
	// UploadNone leaves start frame parameters untouched.
	UploadNone
)

var (
	errUploadDisabled = errors.New("uploads disabled for this request")
	errNoInputDir     = errors.New("no input directory configured")
	errNotRegular     = errors.New("not a regular file")
)

// Request asks for one generation.
type Request struct {
	JobID    string
	Workflow string
	Params   workflow.Params
	Port     string
	Enhance  bool
	Uploads  UploadPolicy
}

// Prepared is a request resolved into the graph that will be submitted.
type Prepared struct {
	JobID    string
	Workflow string
	Preset   *workflow.Preset
	Params   workflow.Params
	Graph    workflow.Graph
}

// Result describes a finished job.
type Result struct {
	JobID    string
	PromptID string
	Workflow string
	Files    []string
	Params   workflow.Params
	Duration time.Duration
}

type Generator struct {
	Config       *settings.Config
	Library      *workflow.Library
	Client       *comfyui.Client
	Orchestrator *workflow.Orchestrator
	History      *history.Store
	Enhancer     PromptEnhancer
	// Progress receives a per-node progress bar when set.
	Progress io.Writer
	// Convert turns a UI-format template file into an API graph.
	Convert func(path, port string) (workflow.Graph, error)
}

// New wires a generator with the default handler chain, counted by metrics.
func New(config *settings.Config, lib *workflow.Library, client *comfyui.Client) *Generator {
	return &Generator{
		Config:       config,
		Library:      lib,
		Client:       client,
		Orchestrator: workflow.NewOrchestrator().WithObserver(metrics.Observer()),
		Convert: func(path, port string) (workflow.Graph, error) {
			return comfyui.ConvertUIWorkflow(config.ComfyUi, port, path)
		},
	}
}

// Prepare resolves req into a ready-to-submit graph without contacting the
// engine, except to upload a start frame req.Uploads allows.
func (g *Generator) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}
	log := logger.Job(req.Workflow, req.JobID)

	tmpl, err := g.loadTemplate(req)
	if err != nil {
		return nil, err
	}
	preset, err := g.Library.Preset(req.Workflow)
	if err != nil {
		return nil, err
	}
	params, err := preset.Resolve(req.Params)
	if err != nil {
		return nil, fmt.Errorf("invalid parameters for %s: %w", req.Workflow, err)
	}

	if err := g.preparePrompt(ctx, req, params); err != nil {
		return nil, err
	}
	if err := g.uploadStartFrame(ctx, req.Uploads, params); err != nil {
		return nil, err
	}
	// an explicit null keeps the template's own prefix
	if _, set := req.Params["filename_prefix"]; !set && !params.Has("filename_prefix") && g.Config.Studio.FilenamePrefix != "" {
		params["filename_prefix"] = g.Config.Studio.FilenamePrefix + "_" + req.Workflow
	}

	log.Debug("Injecting parameters", "params", params)
	return &Prepared{
		JobID:    req.JobID,
		Workflow: req.Workflow,
		Preset:   preset,
		Params:   params,
		Graph:    g.Orchestrator.Update(tmpl, params),
	}, nil
}

func (g *Generator) loadTemplate(req Request) (workflow.Graph, error) {
	tmpl, err := g.Library.Load(req.Workflow)
	if !errors.Is(err, workflow.ErrUIFormat) || g.Convert == nil {
		return tmpl, err
	}
	path, err := g.Library.Path(req.Workflow)
	if err != nil {
		return nil, err
	}
	logger.Workflow(req.Workflow).Info("Converting UI-format workflow")
	tmpl, err = g.Convert(path, req.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s: %w", req.Workflow, err)
	}
	return tmpl, nil
}

func (g *Generator) preparePrompt(ctx context.Context, req Request, params workflow.Params) error {
	prompt, ok := params["prompt"].(string)
	if !ok || prompt == "" {
		return nil
	}
	if g.Config.ComfyUi.IsBad(prompt) {
		if g.Config.ComfyUi.BadWordsPrompt == "" {
			return ErrRejectedPrompt
		}
		logger.Warn("Prompt contains a blocked word, replacing it", "workflow", req.Workflow)
		params["prompt"] = g.Config.ComfyUi.BadWordsPrompt
		return nil
	}

	if !(req.Enhance || g.Config.Studio.EnhancePrompts) || g.Enhancer == nil || !g.Enhancer.Enabled() {
		return nil
	}
	enhanced, err := g.Enhancer.Enhance(ctx, prompt)
	if err != nil {
		logger.Warn("Prompt enhancement failed, using original prompt", "error", err)
		return nil
	}
	params["prompt"] = enhanced
	return nil
}

// uploadStartFrame sends a local start frame to the engine and points the
// parameter at the uploaded name. Anything the policy does not allow is
// passed through as a name the engine already knows.
func (g *Generator) uploadStartFrame(ctx context.Context, policy UploadPolicy, params workflow.Params) error {
	for _, alias := range workflow.StartFrameAliases {
		path, ok := params[alias].(string)
		if !ok || path == "" {
			continue
		}
		file, err := g.openStartFrame(policy, path)
		if err != nil {
			logger.Debug("Start frame not uploaded", "path", path, "reason", err)
			return nil
		}
		defer file.Close()
		name, err := g.Client.UploadImage(ctx, filepath.Base(path), file)
		if err != nil {
			return fmt.Errorf("failed to upload start frame: %w", err)
		}
		params[alias] = name
		return nil
	}
	return nil
}

func (g *Generator) openStartFrame(policy UploadPolicy, path string) (*os.File, error) {
	var file *os.File
	var err error
	switch policy {
	case UploadAnyFile:
		file, err = os.Open(path)
	case UploadFromInputDir:
		file, err = g.openInInputDir(path)
	default:
		return nil, errUploadDisabled
	}
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		file.Close()
		return nil, errNotRegular
	}
	return file, nil
}

// openInInputDir opens path relative to Studio.InputDir. os.Root refuses
// anything that escapes the directory, symlinks included.
func (g *Generator) openInInputDir(path string) (*os.File, error) {
	dir := g.Config.Studio.InputDir
	if dir == "" {
		return nil, errNoInputDir
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	rel := path
	if filepath.IsAbs(path) {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		if rel, err = filepath.Rel(abs, path); err != nil {
			return nil, err
		}
	}
	return root.Open(rel)
}

// Run prepares req, submits it and waits for its outputs.
func (g *Generator) Run(ctx context.Context, req Request) (*Result, error) {
	p, err := g.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return g.Submit(ctx, p)
}

// Submit queues a prepared graph and downloads its outputs into the output
// directory. The job is recorded in history when a store is set.
func (g *Generator) Submit(ctx context.Context, p *Prepared) (*Result, error) {
	log := logger.Job(p.Workflow, p.JobID)
	start := time.Now()

	if g.History != nil {
		if err := g.History.Create(ctx, &history.Job{ID: p.JobID, Workflow: p.Workflow, Params: p.Params}); err != nil {
			return nil, err
		}
	}

	if timeout := g.Config.ComfyUi.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if g.Config.ComfyUi.FreeAfterRun {
		defer func() {
			freeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := g.Client.Free(freeCtx); err != nil {
				log.Error("Error freeing VRAM", "error", err)
			}
		}()
	}

	res, err := g.submit(ctx, p)
	took := time.Since(start)

	status := history.StatusSucceeded
	if err != nil {
		status = history.StatusFailed
		log.Error("Job failed", "error", err)
	} else {
		res.Duration = took
		log.Info("Job finished", "files", len(res.Files), "took", took)
	}
	metrics.ObserveJob(p.Workflow, status, took)

	if g.History != nil {
		var files []string
		if res != nil {
			files = res.Files
		}
		if herr := g.History.Finish(context.WithoutCancel(ctx), p.JobID, files, err); herr != nil {
			log.Error("Failed to record job result", "error", herr)
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (g *Generator) submit(ctx context.Context, p *Prepared) (*Result, error) {
	stream, err := g.Client.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	qr, err := g.Client.QueuePrompt(ctx, p.Graph)
	if err != nil {
		return nil, err
	}
	logger.Job(p.Workflow, p.JobID).Info("Queued prompt", "prompt_id", qr.PromptID, "position", qr.Number)
	if g.History != nil {
		if err := g.History.Start(ctx, p.JobID, qr.PromptID); err != nil {
			return nil, err
		}
	}

	files, err := stream.Follow(ctx, qr.PromptID, g.progress(p.Graph))
	if err != nil {
		return nil, err
	}
	// Cached outputs are not announced over the websocket.
	if len(files) == 0 {
		if files, err = g.Client.Outputs(ctx, qr.PromptID); err != nil {
			return nil, err
		}
	}

	saved, err := g.download(ctx, files)
	if err != nil {
		return nil, err
	}
	return &Result{
		JobID:    p.JobID,
		PromptID: qr.PromptID,
		Workflow: p.Workflow,
		Files:    saved,
		Params:   p.Params,
	}, nil
}

func (g *Generator) progress(graph workflow.Graph) func(comfyui.Event) {
	var (
		bar   *progressbar.ProgressBar
		title string
	)
	return func(ev comfyui.Event) {
		switch ev.Type {
		case comfyui.EventExecuting:
			bar = nil
			title = graph.Label(ev.Node)
			logger.Debug("Executing node", "node_id", ev.Node, "title", title)
		case comfyui.EventProgress:
			if g.Progress == nil {
				return
			}
			if bar == nil {
				bar = progressbar.NewOptions(ev.Max,
					progressbar.OptionSetWriter(g.Progress),
					progressbar.OptionSetDescription(title),
				)
			}
			bar.Set(ev.Value)
		}
	}
}

func (g *Generator) download(ctx context.Context, files []comfyui.OutputFile) ([]string, error) {
	dir := g.Config.Studio.OutputDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	saved := make([]string, 0, len(files))
	for _, f := range files {
		// Temp files are previews, only output files are kept.
		if f.Type == "temp" {
			continue
		}
		data, err := g.Client.View(ctx, f)
		if err != nil {
			return saved, err
		}
		path := filepath.Join(dir, filepath.Base(f.Filename))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return saved, fmt.Errorf("failed to save %s: %w", f.Filename, err)
		}
		saved = append(saved, path)
	}
	return saved, nil
}
