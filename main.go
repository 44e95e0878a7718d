package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"genstudio/comfyui"
	"genstudio/enhance"
	"genstudio/generate"
	"genstudio/history"
	"genstudio/logger"
	"genstudio/server"
	"genstudio/settings"
	"genstudio/templatecache"
	"genstudio/workflow"

	"github.com/hako/durafmt"
)

const usage = `usage: genstudio [-config config.toml] <command> [flags]

commands:
  inject     inject parameters into a workflow file and print the result
  run        run a workflow on the engine and save its outputs
  workflows  list available workflows
  serve      start the HTTP API
`

func main() {
	configPath := flag.String("config", "config.toml", "path to the main config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "inject":
		err = injectCmd(*configPath, args)
	case "run":
		err = runCmd(ctx, *configPath, args)
	case "workflows":
		err = workflowsCmd(*configPath)
	case "serve":
		err = serveCmd(ctx, *configPath)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("Command failed", "command", flag.Arg(0), "error", err)
	}
}

// app holds everything built from the config.
type app struct {
	config *settings.Config
	cache  *templatecache.Cache
	store  *history.Store
	gen    *generate.Generator
}

func setup(configPath, port string) (*app, error) {
	config, err := settings.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	// stdout carries command output
	logger.InitWriter(config.Logging, os.Stderr)

	a := &app{config: config}
	var cache workflow.Cache
	if config.Studio.CachePath != "" {
		if a.cache, err = templatecache.Open(config.Studio.CachePath, 24*time.Hour); err != nil {
			return nil, err
		}
		cache = a.cache
	}
	if config.Studio.HistoryPath != "" {
		if a.store, err = history.Open(config.Studio.HistoryPath); err != nil {
			a.close()
			return nil, err
		}
	}

	client, err := comfyui.NewClient(config.ComfyUi, port)
	if err != nil {
		a.close()
		return nil, err
	}
	a.gen = generate.New(config, workflow.NewLibrary(config.Studio.WorkflowDir, cache), client)
	a.gen.History = a.store
	a.gen.Enhancer = enhance.New(config.Gemini)
	return a, nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
}

func injectCmd(configPath string, args []string) error {
	fs := flag.NewFlagSet("inject", flag.ExitOnError)
	templatePath := fs.String("template", "", "API-format workflow JSON file")
	name := fs.String("workflow", "", "workflow name from the workflow dir, with its preset applied")
	paramsPath := fs.String("params", "", "JSON file of parameters")
	sets := setFlags{}
	fs.Var(sets, "set", "parameter as key=value, repeatable")
	fs.Parse(args)

	params := workflow.Params{}
	if *paramsPath != "" {
		data, err := os.ReadFile(*paramsPath)
		if err != nil {
			return err
		}
		if err := workflow.DecodeJSON(data, &params); err != nil {
			return fmt.Errorf("invalid params file %s: %w", *paramsPath, err)
		}
	}
	for k, v := range sets {
		params[k] = v
	}

	var out any
	switch {
	case *templatePath != "":
		g, err := workflow.LoadTemplate(*templatePath)
		if err != nil {
			return err
		}
		out = workflow.Apply(g, params)
	case *name != "":
		a, err := setup(configPath, "")
		if err != nil {
			return err
		}
		defer a.close()
		p, err := a.gen.Prepare(context.Background(), generate.Request{Workflow: *name, Params: params, Uploads: generate.UploadNone})
		if err != nil {
			return err
		}
		out = p.Graph
	default:
		return errors.New("inject needs -template or -workflow")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runCmd(ctx context.Context, configPath string, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	name := fs.String("workflow", "", "workflow name")
	prompt := fs.String("prompt", "", "generation prompt")
	port := fs.String("port", "", "engine port name")
	enhancePrompt := fs.Bool("enhance", false, "enhance the prompt with Gemini")
	dryRun := fs.Bool("dry-run", false, "print the injected graph instead of submitting it")
	sets := setFlags{}
	fs.Var(sets, "set", "parameter as key=value, repeatable")
	fs.Parse(args)

	if *name == "" {
		return errors.New("run needs -workflow")
	}
	params := workflow.Params(sets)
	if *prompt != "" {
		params["prompt"] = *prompt
	}

	a, err := setup(configPath, *port)
	if err != nil {
		return err
	}
	defer a.close()
	a.gen.Progress = os.Stderr

	req := generate.Request{Workflow: *name, Params: params, Port: *port, Enhance: *enhancePrompt, Uploads: generate.UploadAnyFile}
	p, err := a.gen.Prepare(ctx, req)
	if err != nil {
		return err
	}
	if *dryRun {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p.Graph)
	}

	res, err := a.gen.Submit(ctx, p)
	if err != nil {
		return err
	}
	fmt.Printf("%s finished in %s (seed %v)\n", res.Workflow, durafmt.Parse(res.Duration).LimitFirstN(2), res.Params["seed"])
	for _, f := range res.Files {
		fmt.Println(f)
	}
	return nil
}

func workflowsCmd(configPath string) error {
	a, err := setup(configPath, "")
	if err != nil {
		return err
	}
	defer a.close()

	names, err := a.gen.Library.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		p, err := a.gen.Library.Preset(name)
		if err != nil {
			fmt.Printf("%-24s (invalid preset: %v)\n", name, err)
			continue
		}
		fmt.Printf("%-24s %-6s %s\n", name, p.Kind, p.Description)
		if p.Example != "" {
			fmt.Printf("%-24s        e.g. %s\n", "", p.Example)
		}
	}
	return nil
}

func serveCmd(ctx context.Context, configPath string) error {
	a, err := setup(configPath, "")
	if err != nil {
		return err
	}
	defer a.close()

	if a.cache != nil {
		go a.cache.MergeEvery(ctx, time.Hour)
	}

	srv := server.New(a.gen)
	errc := make(chan error, 1)
	go func() { errc <- srv.Listen(a.config.Server.Listen) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// setFlags collects repeated -set key=value flags. Values that parse as
// JSON keep their type, anything else is a string.
type setFlags map[string]any

func (s setFlags) String() string {
	parts := make([]string, 0, len(s))
	for k, v := range s {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (s setFlags) Set(value string) error {
	k, v, ok := strings.Cut(value, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	var parsed any
	if err := workflow.DecodeJSON([]byte(v), &parsed); err != nil {
		parsed = v
	}
	s[k] = parsed
	return nil
}
