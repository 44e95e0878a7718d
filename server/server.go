// Package server exposes injection and job submission over HTTP.
package server

import (
	"context"
	"errors"
	"sync"

	"genstudio/comfyui"
	"genstudio/generate"
	"genstudio/history"
	"genstudio/logger"
	"genstudio/workflow"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type injectRequest struct {
	Graph    any             `json:"graph"`
	Workflow string          `json:"workflow"`
	Params   workflow.Params `json:"params"`
}

type jobRequest struct {
	Workflow string          `json:"workflow"`
	Params   workflow.Params `json:"params"`
	Port     string          `json:"port"`
	Enhance  bool            `json:"enhance"`
}

type workflowInfo struct {
	Name        string                           `json:"name"`
	Description string                           `json:"description,omitempty"`
	Kind        string                           `json:"kind,omitempty"`
	Example     string                           `json:"example,omitempty"`
	Parameters  map[string]workflow.ParameterDef `json:"parameters,omitempty"`
}

type Server struct {
	app    *fiber.App
	gen    *generate.Generator
	status *comfyui.StatusCache

	// jobs run detached from the request that started them
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(gen *generate.Generator) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	// bodies keep numbers as json.Number so 64-bit seeds survive
	app := fiber.New(fiber.Config{JSONDecoder: workflow.DecodeJSON})
	s := &Server{
		app:    app,
		gen:    gen,
		status: comfyui.NewStatusCache(gen.Client),
		ctx:    ctx,
		cancel: cancel,
	}

	s.app.Post("/inject", s.inject)
	s.app.Get("/workflows", s.workflows)
	s.app.Post("/jobs", s.createJob)
	s.app.Get("/jobs", s.recentJobs)
	s.app.Get("/jobs/:id", s.getJob)
	s.app.Get("/status", s.engineStatus)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	logger.Service("server").Info("Listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests, cancels running jobs and waits for
// them to record their outcome.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.cancel()
	s.wg.Wait()
	return err
}

// Wait blocks until every submitted job has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) inject(c fiber.Ctx) error {
	var req injectRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}

	if req.Workflow == "" {
		if req.Graph == nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "graph or workflow is required"})
		}
		graph := s.gen.Orchestrator.UpdateDocument(req.Graph, req.Params)
		return c.JSON(fiber.Map{"graph": graph})
	}

	p, err := s.gen.Prepare(c.Context(), generate.Request{Workflow: req.Workflow, Params: req.Params, Uploads: generate.UploadNone})
	if err != nil {
		return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"graph": p.Graph, "params": p.Params})
}

func (s *Server) workflows(c fiber.Ctx) error {
	names, err := s.gen.Library.List()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	out := make([]workflowInfo, 0, len(names))
	for _, name := range names {
		info := workflowInfo{Name: name}
		if p, err := s.gen.Library.Preset(name); err == nil {
			info.Description = p.Description
			info.Kind = p.Kind
			info.Example = p.Example
			info.Parameters = p.Parameters
		} else {
			logger.Workflow(name).Warn("Skipping invalid preset", "error", err)
		}
		out = append(out, info)
	}
	return c.JSON(out)
}

func (s *Server) createJob(c fiber.Ctx) error {
	var req jobRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if req.Workflow == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "workflow is required"})
	}

	p, err := s.gen.Prepare(c.Context(), generate.Request{
		Workflow: req.Workflow,
		Params:   req.Params,
		Port:     req.Port,
		Enhance:  req.Enhance,
	})
	if err != nil {
		return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Failures are logged and recorded in history by Submit.
		s.gen.Submit(s.ctx, p)
	}()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": p.JobID, "params": p.Params})
}

func (s *Server) recentJobs(c fiber.Ctx) error {
	if s.gen.History == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "history is disabled"})
	}
	jobs, err := s.gen.History.Recent(c.Context(), fiber.Query[int](c, "limit", 20))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(jobs)
}

func (s *Server) getJob(c fiber.Ctx) error {
	if s.gen.History == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "history is disabled"})
	}
	job, err := s.gen.History.Get(c.Context(), c.Params("id"))
	if errors.Is(err, history.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "job not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(job)
}

func (s *Server) engineStatus(c fiber.Ctx) error {
	status, err := s.status.Get(c.Context())
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrTemplateNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidName),
		errors.Is(err, workflow.ErrMalformedTemplate),
		errors.Is(err, generate.ErrRejectedPrompt):
		return fiber.StatusBadRequest
	}
	return fiber.StatusUnprocessableEntity
}
